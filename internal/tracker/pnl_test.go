package tracker

import (
	"errors"
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	cases := []struct {
		raw     string
		want    Period
		wantErr bool
	}{
		{raw: "", want: PeriodMonth},
		{raw: "day", want: PeriodDay},
		{raw: "week", want: PeriodWeek},
		{raw: "month", want: PeriodMonth},
		{raw: "year", want: PeriodYear},
		{raw: "all", want: PeriodAll},
		{raw: "fortnight", wantErr: true},
		{raw: "Day", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParsePeriod(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPeriod) {
				t.Errorf("ParsePeriod(%q) error = %v, want ErrInvalidPeriod", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePeriod(%q) unexpected error: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePeriod(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestPeriodCutoff(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		period Period
		want   int64
	}{
		{PeriodDay, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC).Unix()},
		{PeriodWeek, time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC).Unix()},
		{PeriodMonth, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC).Unix()},
		{PeriodYear, time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC).Unix()},
		{PeriodAll, 0},
	}

	for _, tc := range cases {
		if got := tc.period.CutoffUnix(now); got != tc.want {
			t.Errorf("%s cutoff = %d, want %d", tc.period, got, tc.want)
		}
	}
}

func TestParseLeaderboardMetric(t *testing.T) {
	cases := []struct {
		raw     string
		want    LeaderboardMetric
		wantErr bool
	}{
		{raw: "", want: MetricRealizedPnL},
		{raw: "total_realized_pnl", want: MetricRealizedPnL},
		{raw: "total_volume", want: MetricVolume},
		{raw: "trade_count", want: MetricTradeCount},
		{raw: "largest_trade_value", want: MetricLargestTrade},
		{raw: "realized_pnl", wantErr: true},
		{raw: "pnl; DROP TABLE user_stats", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseLeaderboardMetric(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownMetric) {
				t.Errorf("ParseLeaderboardMetric(%q) error = %v, want ErrUnknownMetric", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLeaderboardMetric(%q) unexpected error: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLeaderboardMetric(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestClampLeaderboardLimit(t *testing.T) {
	cases := []struct {
		limit   int
		want    int
		wantErr bool
	}{
		{limit: 0, want: DefaultLeaderboardLimit},
		{limit: 1, want: 1},
		{limit: 50, want: 50},
		{limit: 100, want: 100},
		{limit: -1, wantErr: true},
		{limit: 101, wantErr: true},
	}

	for _, tc := range cases {
		got, err := ClampLeaderboardLimit(tc.limit)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidLimit) {
				t.Errorf("ClampLeaderboardLimit(%d) error = %v, want ErrInvalidLimit", tc.limit, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ClampLeaderboardLimit(%d) unexpected error: %v", tc.limit, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ClampLeaderboardLimit(%d) = %d, want %d", tc.limit, got, tc.want)
		}
	}
}

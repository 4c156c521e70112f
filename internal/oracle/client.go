package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conviction/backend/internal/config"
)

// ErrUnavailable reports that the upstream price feed could not be reached
// after retries. Callers are expected to fall back to cached snapshots.
var ErrUnavailable = errors.New("price oracle unavailable")

// Quote is one token's market data as returned by the oracle.
type Quote struct {
	TokenAddress string  `json:"token_address"`
	PriceUSD     float64 `json:"price_usd"`
	Volume24H    float64 `json:"volume_24h"`
	MarketCap    float64 `json:"market_cap"`
}

// Client fetches token prices from the external oracle over HTTP. Requests
// are bounded by the configured timeout and retried with exponential backoff
// for transient failures.
type Client struct {
	cfg        config.OracleConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg config.OracleConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

type pricesResponse struct {
	Prices map[string]struct {
		PriceUSD  float64 `json:"price_usd"`
		Volume24H float64 `json:"volume_24h"`
		MarketCap float64 `json:"market_cap"`
	} `json:"prices"`
}

// FetchPrices returns quotes for the requested tokens. Tokens unknown to the
// oracle are absent from the result rather than reported as errors.
func (c *Client) FetchPrices(ctx context.Context, tokens []string) (map[string]Quote, error) {
	cleaned := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return map[string]Quote{}, nil
	}

	endpoint := fmt.Sprintf(
		"%s/v1/prices?tokens=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.QueryEscape(strings.Join(cleaned, ",")),
	)

	var lastErr error
	delay := c.cfg.RetryBaseDelay
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			case <-timer.C:
			}
			delay = nextBackoff(delay, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay)
		}

		payload, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			quotes := make(map[string]Quote, len(payload.Prices))
			for address, entry := range payload.Prices {
				quotes[address] = Quote{
					TokenAddress: address,
					PriceUSD:     entry.PriceUSD,
					Volume24H:    entry.Volume24H,
					MarketCap:    entry.MarketCap,
				}
			}
			return quotes, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("price fetch failed, retrying", "attempt", attempt+1, "err", err)
	}

	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) (pricesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pricesResponse{}, err
	}
	req.Header.Set("User-Agent", "conviction-price-client/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pricesResponse{}, &transientError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return pricesResponse{}, &transientError{err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return pricesResponse{}, &transientError{err: fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return pricesResponse{}, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(raw))
	}

	var payload pricesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return pricesResponse{}, err
	}
	return payload, nil
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var transient *transientError
	return errors.As(err, &transient)
}

func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	if floor <= 0 {
		floor = 100 * time.Millisecond
	}
	if current < floor {
		current = floor
	}
	next := current * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

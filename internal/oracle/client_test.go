package oracle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/conviction/backend/internal/config"
)

func testConfig(baseURL string) config.OracleConfig {
	return config.OracleConfig{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestClient_FetchPrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("tokens"); got != "So111,0xAbc" {
			t.Errorf("unexpected tokens query %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prices":{"So111":{"price_usd":142.5,"volume_24h":1000,"market_cap":9e9},"0xAbc":{"price_usd":5}}}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL), testLogger())
	quotes, err := client.FetchPrices(context.Background(), []string{"So111", "0xAbc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
	if quotes["So111"].PriceUSD != 142.5 {
		t.Errorf("expected price 142.5, got %f", quotes["So111"].PriceUSD)
	}
	if quotes["0xAbc"].TokenAddress != "0xAbc" {
		t.Errorf("expected token address stamped, got %q", quotes["0xAbc"].TokenAddress)
	}
}

func TestClient_FetchPricesRetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"prices":{"tok":{"price_usd":1}}}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL), testLogger())
	quotes, err := client.FetchPrices(context.Background(), []string{"tok"})
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if quotes["tok"].PriceUSD != 1 {
		t.Errorf("unexpected quote %+v", quotes["tok"])
	}
}

func TestClient_FetchPricesUnavailableAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(testConfig(server.URL), testLogger())
	_, err := client.FetchPrices(context.Background(), []string{"tok"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_FetchPricesDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(testConfig(server.URL), testLogger())
	_, err := client.FetchPrices(context.Background(), []string{"tok"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("client errors must not map to ErrUnavailable")
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestClient_FetchPricesEmptyTokenList(t *testing.T) {
	client := New(testConfig("http://127.0.0.1:1"), testLogger())
	quotes, err := client.FetchPrices(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 0 {
		t.Errorf("expected no quotes, got %d", len(quotes))
	}
}

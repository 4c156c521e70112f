package apiserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/conviction/backend/internal/config"
	"github.com/conviction/backend/internal/oracle"
	"github.com/conviction/backend/internal/pricecache"
)

func testService() *Service {
	return &Service{
		logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
		allowAllOrigins: false,
		allowedOriginSet: map[string]struct{}{
			"https://app.example.com": {},
		},
	}
}

func TestWithCORSAllowedOrigin(t *testing.T) {
	svc := testService()
	handler := svc.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Vary"), "Origin") {
		t.Fatal("missing Vary: Origin")
	}
}

func TestWithCORSRejectedOriginGetsNoHeaders(t *testing.T) {
	svc := testService()
	handler := svc.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected Access-Control-Allow-Origin = %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWithCORSPreflightShortCircuits(t *testing.T) {
	svc := testService()
	called := false
	handler := svc.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/trades/record", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("preflight must not reach the inner handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	svc := testService()

	if !svc.isOriginAllowed("") {
		t.Fatal("empty origin should be allowed")
	}
	if !svc.isOriginAllowed("https://app.example.com") {
		t.Fatal("listed origin should be allowed")
	}
	if svc.isOriginAllowed("https://evil.example.com") {
		t.Fatal("unlisted origin should be rejected")
	}

	svc.allowAllOrigins = true
	if !svc.isOriginAllowed("https://evil.example.com") {
		t.Fatal("wildcard mode should allow any origin")
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	var dst payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	if err := decodeJSONBody(req, &dst); err != nil {
		t.Fatalf("valid body rejected: %v", err)
	}
	if dst.Name != "ok" {
		t.Fatalf("decoded name = %q", dst.Name)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok","extra":1}`))
	if err := decodeJSONBody(req, &payload{}); err == nil {
		t.Fatal("unknown field accepted")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))
	if err := decodeJSONBody(req, &payload{}); err == nil {
		t.Fatal("multiple JSON values accepted")
	}
}

func TestParseOptionalInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25", nil)
	got, err := parseOptionalInt(req, "limit", 10)
	if err != nil || got != 25 {
		t.Fatalf("parseOptionalInt = %d, %v", got, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	got, err = parseOptionalInt(req, "limit", 10)
	if err != nil || got != 10 {
		t.Fatalf("fallback = %d, %v", got, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/?limit=abc", nil)
	if _, err := parseOptionalInt(req, "limit", 10); err == nil {
		t.Fatal("non-numeric limit accepted")
	}
}

func TestSubscriptionSet(t *testing.T) {
	subs := newSubscriptionSet()
	subs.Add("prices.tok-a")
	subs.Add("prices.tok-b")
	subs.Add("prices.tok-a")
	subs.Remove("prices.tok-b")
	subs.Remove("never-added")

	got := subs.List()
	sort.Strings(got)
	if len(got) != 1 || got[0] != "prices.tok-a" {
		t.Fatalf("channels = %v", got)
	}
}

// priceService wires a Service against a fake oracle endpoint so the price
// paths can run without a database.
func priceService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	cfg := config.OracleConfig{
		BaseURL:        upstream.URL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     0,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
		CacheTTL:       30 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return &Service{
		logger:          logger,
		prices:          pricecache.New(cfg.CacheTTL),
		oracleClient:    oracle.New(cfg, logger),
		allowAllOrigins: true,
	}
}

func TestHandlePricesUnknownTokensReportedMissing(t *testing.T) {
	svc := priceService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prices":{}}`))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/prices?tokens=tok-unknown", nil)
	rec := httptest.NewRecorder()
	svc.handlePrices(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Success bool     `json:"success"`
		Missing []string `json:"missing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatal("healthy oracle with unknown tokens must not be reported as failure")
	}
	if len(resp.Missing) != 1 || resp.Missing[0] != "tok-unknown" {
		t.Fatalf("missing = %v, want [tok-unknown]", resp.Missing)
	}
}

func TestHandlePricesOracleDownIsBadGateway(t *testing.T) {
	svc := priceService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/prices?tokens=tok-a", nil)
	rec := httptest.NewRecorder()
	svc.handlePrices(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestCurrentPricesServesStaleOnOracleFailure(t *testing.T) {
	svc := priceService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	clock := time.Now()
	svc.prices = pricecache.NewWithClock(time.Second, func() time.Time { return clock })
	svc.prices.Set("tok-a", pricecache.Snapshot{PriceUSD: 1.25})
	clock = clock.Add(time.Minute)

	quotes, _, err := svc.CurrentPrices(httptest.NewRequest(http.MethodGet, "/", nil).Context(), []string{"tok-a"})
	if err != nil {
		t.Fatalf("stale fallback should not error: %v", err)
	}
	if quotes["tok-a"] != 1.25 {
		t.Fatalf("quote = %v, want stale 1.25", quotes["tok-a"])
	}
}

func TestHandleTestResetDisabled(t *testing.T) {
	svc := testService()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/reset", nil)
	rec := httptest.NewRecorder()
	svc.handleTestReset(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conviction/backend/internal/config"
	"github.com/conviction/backend/internal/oracle"
	"github.com/conviction/backend/internal/pricecache"
	"github.com/conviction/backend/internal/tracker"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *tracker.Store
	ledger           *tracker.Ledger
	analytics        *tracker.Analytics
	prices           *pricecache.Cache
	oracleClient     *oracle.Client
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := tracker.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	service := &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		prices:           pricecache.New(cfg.Oracle.CacheTTL),
		oracleClient:     oracle.New(cfg.Oracle, logger),
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
	service.ledger = tracker.NewLedger(store, logger)
	service.analytics = tracker.NewAnalytics(store, service, logger)
	return service, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/trades/record", s.handleRecordTrade)
	mux.HandleFunc("/api/v1/trades", s.handleListTrades)
	mux.HandleFunc("/api/v1/analytics/pnl-history", s.handlePnLHistory)
	mux.HandleFunc("/api/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/api/v1/portfolio", s.handlePortfolio)
	mux.HandleFunc("/api/v1/position", s.handleGetPosition)
	mux.HandleFunc("/api/v1/stats", s.handleUserStats)
	mux.HandleFunc("/api/v1/prices", s.handlePrices)
	mux.HandleFunc("/api/v1/dev/reset", s.handleTestReset)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	refresherCtx, stopRefresher := context.WithCancel(ctx)
	defer stopRefresher()
	go s.runPriceRefresher(refresherCtx)

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
		"test_reset_enabled", s.cfg.EnableTestReset,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

// runPriceRefresher keeps the cache warm for tokens with open positions so
// portfolio reads rarely block on the oracle.
func (s *Service) runPriceRefresher(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Oracle.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refreshOpenPositionPrices(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("price refresh cycle failed", "err", err)
			}
		}
	}
}

func (s *Service) refreshOpenPositionPrices(ctx context.Context) error {
	tokens, err := s.ledger.OpenPositionTokens(ctx)
	if err != nil {
		return fmt.Errorf("list open position tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	stale := tokens[:0:0]
	for _, token := range tokens {
		if s.prices.IsStale(token) {
			stale = append(stale, token)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	quotes, err := s.oracleClient.FetchPrices(ctx, stale)
	if err != nil {
		return err
	}
	for token, quote := range quotes {
		s.prices.Set(token, pricecache.Snapshot{
			PriceUSD:  quote.PriceUSD,
			Volume24H: quote.Volume24H,
			MarketCap: quote.MarketCap,
		})
	}
	s.logger.Debug("price cache refreshed", "tokens", len(quotes))
	return nil
}

// CurrentPrices serves cached quotes, fetching only the tokens whose cache
// entries are stale. When the oracle is down, stale entries still serve so
// portfolio valuation degrades instead of failing.
func (s *Service) CurrentPrices(ctx context.Context, tokens []string) (map[string]float64, int64, error) {
	result := make(map[string]float64, len(tokens))
	oldest := int64(0)

	var stale []string
	for _, token := range tokens {
		if snap, ok := s.prices.Get(token); ok && !s.prices.IsStale(token) {
			result[token] = snap.PriceUSD
			if asOf := snap.CachedAt.Unix(); oldest == 0 || asOf < oldest {
				oldest = asOf
			}
			continue
		}
		stale = append(stale, token)
	}

	var fetchErr error
	if len(stale) > 0 {
		quotes, err := s.oracleClient.FetchPrices(ctx, stale)
		if err != nil {
			fetchErr = err
			s.logger.Warn("oracle fetch failed, serving stale prices", "err", err)
			for _, token := range stale {
				if snap, ok := s.prices.Get(token); ok {
					result[token] = snap.PriceUSD
					if asOf := snap.CachedAt.Unix(); oldest == 0 || asOf < oldest {
						oldest = asOf
					}
				}
			}
		} else {
			now := time.Now().Unix()
			for token, quote := range quotes {
				s.prices.Set(token, pricecache.Snapshot{
					PriceUSD:  quote.PriceUSD,
					Volume24H: quote.Volume24H,
					MarketCap: quote.MarketCap,
				})
				result[token] = quote.PriceUSD
				if oldest == 0 || now < oldest {
					oldest = now
				}
			}
		}
	}

	// A healthy oracle that simply does not know a token is not an outage.
	// Error only when the fetch itself failed and no cached quote could
	// cover for it.
	if fetchErr != nil && len(result) == 0 {
		return nil, 0, fmt.Errorf("fetch prices: %w", fetchErr)
	}
	return result, oldest, nil
}

type successEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Success: false, Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

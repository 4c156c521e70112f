package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conviction/backend/internal/tracker"
)

type recordTradeResponse struct {
	Success     bool    `json:"success"`
	TradeHash   string  `json:"transaction_hash"`
	RealizedPnL float64 `json:"realized_pnl"`
	Duplicate   bool    `json:"duplicate,omitempty"`
	Message     string  `json:"message"`
}

type pnlHistoryResponse struct {
	Success        bool               `json:"success"`
	Period         string             `json:"period"`
	PnLHistory     []tracker.PnLPoint `json:"pnl_history"`
	UnrealizedPnL  *float64           `json:"unrealized_pnl,omitempty"`
	UnrealizedAsOf int64              `json:"unrealized_as_of,omitempty"`
}

type leaderboardResponse struct {
	Success     bool                       `json:"success"`
	Metric      string                     `json:"metric"`
	Period      string                     `json:"period"`
	Leaderboard []tracker.LeaderboardEntry `json:"leaderboard"`
}

type portfolioResponse struct {
	Success   bool                      `json:"success"`
	Portfolio *tracker.PortfolioSummary `json:"portfolio"`
}

type positionResponse struct {
	Success  bool              `json:"success"`
	Position *tracker.Position `json:"position"`
}

type userStatsResponse struct {
	Success bool               `json:"success"`
	Stats   *tracker.UserStats `json:"stats"`
}

type tradesListResponse struct {
	Success bool                  `json:"success"`
	Trades  []tracker.TradeRecord `json:"trades"`
}

type pricesResponse struct {
	Success bool                         `json:"success"`
	Prices  map[string]priceQuotePayload `json:"prices"`
	Missing []string                     `json:"missing,omitempty"`
}

type priceQuotePayload struct {
	PriceUSD  float64 `json:"price_usd"`
	Volume24H float64 `json:"volume_24h"`
	MarketCap float64 `json:"market_cap"`
	CachedAt  int64   `json:"cached_at"`
}

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleRecordTrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var trade tracker.TradeRecord
	if err := decodeJSONBody(r, &trade); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	recorded, err := s.ledger.RecordTrade(r.Context(), trade)
	if err != nil {
		switch {
		// A replayed transaction hash is a benign no-op: the first write won
		// and nothing changed.
		case errors.Is(err, tracker.ErrDuplicateTrade):
			s.respondJSON(w, http.StatusOK, recordTradeResponse{
				Success:   true,
				TradeHash: trade.TransactionHash,
				Duplicate: true,
				Message:   "trade already recorded",
			})
		case errors.Is(err, tracker.ErrWalletRequired), tracker.IsValidationError(err):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("record trade failed", "tx_hash", trade.TransactionHash, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to record trade")
		}
		return
	}

	s.respondJSON(w, http.StatusOK, recordTradeResponse{
		Success:     true,
		TradeHash:   recorded.TransactionHash,
		RealizedPnL: recorded.RealizedPnL,
		Message:     "trade recorded",
	})
}

func (s *Service) handleListTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	wallet := walletParam(r)
	from, err := parseOptionalInt64(r, "from", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseOptionalInt64(r, "to", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if from != 0 && to != 0 && from > to {
		s.respondError(w, http.StatusBadRequest, "from must be <= to")
		return
	}

	trades, err := s.ledger.ListTradesByWallet(r.Context(), wallet, from, to)
	if err != nil {
		if errors.Is(err, tracker.ErrWalletRequired) || tracker.IsValidationError(err) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list trades failed", "wallet", wallet, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []tracker.TradeRecord{}
	}

	s.respondJSON(w, http.StatusOK, tradesListResponse{Success: true, Trades: trades})
}

func (s *Service) handlePnLHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	wallet := walletParam(r)
	period, err := tracker.ParsePeriod(strings.TrimSpace(r.URL.Query().Get("period")))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "period must be day, week, month, year, or all")
		return
	}

	points, err := s.analytics.HistoricalPnL(r.Context(), wallet, period)
	if err != nil {
		if errors.Is(err, tracker.ErrWalletRequired) || tracker.IsValidationError(err) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("pnl history failed", "wallet", wallet, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load pnl history")
		return
	}

	resp := pnlHistoryResponse{
		Success:    true,
		Period:     string(period),
		PnLHistory: points,
	}
	// Open positions marked to current prices, reported next to the realized
	// series rather than summed into it.
	if unrealized, asOf, err := s.analytics.UnrealizedPnL(r.Context(), wallet); err != nil {
		s.logger.Warn("unrealized pnl unavailable", "wallet", wallet, "err", err)
	} else {
		resp.UnrealizedPnL = &unrealized
		resp.UnrealizedAsOf = asOf
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	metric, err := tracker.ParseLeaderboardMetric(strings.TrimSpace(r.URL.Query().Get("sort_by")))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "sort_by must be total_realized_pnl, total_volume, trade_count, or largest_trade_value")
		return
	}
	period, err := tracker.ParsePeriod(strings.TrimSpace(r.URL.Query().Get("period")))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "period must be day, week, month, year, or all")
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.analytics.Leaderboard(r.Context(), metric, period, limit)
	if err != nil {
		if errors.Is(err, tracker.ErrInvalidLimit) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("leaderboard failed", "metric", metric, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	if entries == nil {
		entries = []tracker.LeaderboardEntry{}
	}

	s.respondJSON(w, http.StatusOK, leaderboardResponse{
		Success:     true,
		Metric:      string(metric),
		Period:      string(period),
		Leaderboard: entries,
	})
}

func (s *Service) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	wallet := walletParam(r)
	summary, err := s.analytics.PortfolioSummary(r.Context(), wallet)
	if err != nil {
		if errors.Is(err, tracker.ErrWalletRequired) || tracker.IsValidationError(err) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("portfolio failed", "wallet", wallet, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}

	s.respondJSON(w, http.StatusOK, portfolioResponse{Success: true, Portfolio: summary})
}

func (s *Service) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	wallet := walletParam(r)
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	position, err := s.ledger.GetPosition(r.Context(), wallet, token)
	if err != nil {
		switch {
		case errors.Is(err, tracker.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "no position for this wallet and token")
		case errors.Is(err, tracker.ErrWalletRequired), tracker.IsValidationError(err):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("get position failed", "wallet", wallet, "token", token, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to load position")
		}
		return
	}

	s.respondJSON(w, http.StatusOK, positionResponse{Success: true, Position: position})
}

func (s *Service) handleUserStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	wallet := walletParam(r)
	stats, err := s.ledger.UserStatsByWallet(r.Context(), wallet)
	if err != nil {
		switch {
		case errors.Is(err, tracker.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "wallet has no recorded trades")
		case errors.Is(err, tracker.ErrWalletRequired), tracker.IsValidationError(err):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("user stats failed", "wallet", wallet, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to load stats")
		}
		return
	}

	s.respondJSON(w, http.StatusOK, userStatsResponse{Success: true, Stats: stats})
}

func (s *Service) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	rawTokens := strings.TrimSpace(r.URL.Query().Get("tokens"))
	if rawTokens == "" {
		s.respondError(w, http.StatusBadRequest, "tokens query parameter is required")
		return
	}
	tokens := make([]string, 0, 8)
	for _, token := range strings.Split(rawTokens, ",") {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}

	if _, _, err := s.CurrentPrices(r.Context(), tokens); err != nil {
		s.respondError(w, http.StatusBadGateway, "price oracle unavailable")
		return
	}

	payload := make(map[string]priceQuotePayload, len(tokens))
	var missing []string
	for _, token := range tokens {
		snap, ok := s.prices.Get(token)
		if !ok {
			missing = append(missing, token)
			continue
		}
		payload[token] = priceQuotePayload{
			PriceUSD:  snap.PriceUSD,
			Volume24H: snap.Volume24H,
			MarketCap: snap.MarketCap,
			CachedAt:  snap.CachedAt.Unix(),
		}
	}

	s.respondJSON(w, http.StatusOK, pricesResponse{Success: true, Prices: payload, Missing: missing})
}

func (s *Service) handleTestReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	if !s.cfg.EnableTestReset {
		s.respondError(w, http.StatusForbidden, "reset is disabled")
		return
	}

	if err := s.store.Reset(r.Context()); err != nil {
		s.logger.Error("test reset failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to reset")
		return
	}
	s.prices.Clear()
	s.logger.Warn("tracker state reset via dev endpoint")

	s.respondJSON(w, http.StatusOK, successEnvelope{Success: true, Message: "tracker state cleared"})
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			channels := subs.List()
			for _, channel := range channels {
				payload, err := s.getWebsocketPayload(ctx, channel)
				if err != nil {
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func (s *Service) getWebsocketPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case strings.HasPrefix(channel, "price."):
		token := strings.TrimSpace(strings.TrimPrefix(channel, "price."))
		if token == "" {
			return nil, nil
		}
		snap, ok := s.prices.Get(token)
		if !ok {
			quotes, _, err := s.CurrentPrices(ctx, []string{token})
			if err != nil {
				return nil, err
			}
			if price, ok := quotes[token]; ok {
				return map[string]any{"token": token, "price_usd": price}, nil
			}
			return nil, nil
		}
		return map[string]any{
			"token":      token,
			"price_usd":  snap.PriceUSD,
			"volume_24h": snap.Volume24H,
			"cached_at":  snap.CachedAt.Unix(),
		}, nil

	case strings.HasPrefix(channel, "portfolio."):
		wallet := strings.TrimSpace(strings.TrimPrefix(channel, "portfolio."))
		if wallet == "" {
			return nil, nil
		}
		summary, err := s.analytics.PortfolioSummary(ctx, wallet)
		if err != nil {
			if errors.Is(err, tracker.ErrWalletRequired) || tracker.IsValidationError(err) {
				return nil, nil
			}
			return nil, err
		}
		return map[string]any{
			"wallet_address":       summary.WalletAddress,
			"total_value_usd":      summary.TotalValueUSD,
			"total_realized_pnl":   summary.TotalRealizedPnL,
			"total_unrealized_pnl": summary.TotalUnrealizedPnL,
		}, nil

	case channel == "leaderboard.updates":
		entries, err := s.analytics.Leaderboard(ctx, tracker.DefaultLeaderboardMetric, tracker.PeriodAll, tracker.DefaultLeaderboardLimit)
		if err != nil {
			return nil, err
		}
		return entries, nil

	default:
		return nil, nil
	}
}

// walletParam reads the wallet_address query parameter, with wallet accepted
// as a short alias.
func walletParam(r *http.Request) string {
	if wallet := strings.TrimSpace(r.URL.Query().Get("wallet_address")); wallet != "" {
		return wallet
	}
	return strings.TrimSpace(r.URL.Query().Get("wallet"))
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}

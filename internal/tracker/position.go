package tracker

// quantityEpsilon absorbs float drift from upstream amount feeds: disposals
// exceeding the held quantity by no more than this are treated as a full
// close instead of an inconsistency.
const quantityEpsilon = 1e-9

// Position is the derived holding state for one (wallet, token) pair. It is
// a materialized view over the trade ledger: replaying the wallet's trades
// in block-timestamp order from an empty position reproduces it exactly.
type Position struct {
	WalletAddress  string  `json:"wallet_address"`
	TokenAddress   string  `json:"token_address"`
	Quantity       float64 `json:"quantity"`
	AvgCostBasis   float64 `json:"avg_cost_basis"`
	TotalCostBasis float64 `json:"total_cost_basis"`
	RealizedPnL    float64 `json:"realized_pnl"`
	LastPrice      float64 `json:"last_price"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	UpdatedAt      int64   `json:"updated_at"`
}

// UserStats is the per-wallet running aggregate used by the leaderboard.
type UserStats struct {
	WalletAddress     string  `json:"wallet_address"`
	TotalRealizedPnL  float64 `json:"total_realized_pnl"`
	TotalVolume       float64 `json:"total_volume"`
	TradeCount        int64   `json:"trade_count"`
	LargestTradeValue float64 `json:"largest_trade_value"`
	FirstTradeAt      int64   `json:"first_trade_at"`
	LastTradeAt       int64   `json:"last_trade_at"`
}

// TradeOutcome summarizes the effect of applying one trade.
type TradeOutcome struct {
	// RealizedPnL is the disposal gain/loss net of fees, as persisted on the
	// trade row and accumulated into user stats.
	RealizedPnL float64
	// Clamped is set when the disposal amount exceeded the held quantity and
	// was capped; ClampedAmount is the excess that was discarded.
	Clamped       bool
	ClampedAmount float64
	// TradeValue is the USD notional used for volume stats.
	TradeValue float64
}

func applyAcquisition(p *Position, amount, price float64) {
	p.TotalCostBasis += amount * price
	p.Quantity += amount
	if p.Quantity > 0 {
		p.AvgCostBasis = p.TotalCostBasis / p.Quantity
	}
	p.LastPrice = price
	p.UnrealizedPnL = (price - p.AvgCostBasis) * p.Quantity
}

// applyDisposal reduces the position using weighted-average cost accounting
// and returns the realized gain/loss for the disposed amount. The amount is
// clamped to the held quantity; the boolean result reports whether clamping
// happened beyond the epsilon tolerance.
func applyDisposal(p *Position, amount, price float64) (float64, bool) {
	clamped := false
	if amount > p.Quantity {
		clamped = amount-p.Quantity > quantityEpsilon
		amount = p.Quantity
	}

	realized := amount * (price - p.AvgCostBasis)
	p.TotalCostBasis -= amount * p.AvgCostBasis
	p.Quantity -= amount
	if p.Quantity <= quantityEpsilon {
		p.Quantity = 0
		p.TotalCostBasis = 0
		p.AvgCostBasis = 0
	}
	p.RealizedPnL += realized
	p.LastPrice = price
	p.UnrealizedPnL = (price - p.AvgCostBasis) * p.Quantity
	return realized, clamped
}

// applyTrade applies a swap to its two affected positions. posIn is the
// disposal leg (may be nil when the trade has no sell side), posOut the
// acquisition leg (may be nil for a pure sell). Fees reduce realized PnL at
// the time of the trade regardless of side.
func applyTrade(posIn, posOut *Position, trade *TradeRecord) TradeOutcome {
	outcome := TradeOutcome{}
	now := trade.BlockTimestamp

	if posIn != nil && trade.AmountIn > 0 {
		held := posIn.Quantity
		realized, clamped := applyDisposal(posIn, trade.AmountIn, trade.PriceInUSD)
		outcome.RealizedPnL = realized
		if clamped {
			outcome.Clamped = true
			outcome.ClampedAmount = trade.AmountIn - held
		}
		posIn.UpdatedAt = now
	}
	if posOut != nil && trade.AmountOut > 0 {
		applyAcquisition(posOut, trade.AmountOut, trade.PriceOutUSD)
		posOut.UpdatedAt = now
	}

	if trade.FeesUSD != 0 {
		outcome.RealizedPnL -= trade.FeesUSD
		switch {
		case posIn != nil && trade.AmountIn > 0:
			posIn.RealizedPnL -= trade.FeesUSD
		case posOut != nil:
			posOut.RealizedPnL -= trade.FeesUSD
		}
	}

	valueIn := trade.AmountIn * trade.PriceInUSD
	valueOut := trade.AmountOut * trade.PriceOutUSD
	outcome.TradeValue = valueIn
	if valueOut > outcome.TradeValue {
		outcome.TradeValue = valueOut
	}

	return outcome
}

func (st *UserStats) applyOutcome(outcome TradeOutcome, tradeTimestamp int64) {
	st.TotalRealizedPnL += outcome.RealizedPnL
	st.TotalVolume += outcome.TradeValue
	st.TradeCount++
	if outcome.TradeValue > st.LargestTradeValue {
		st.LargestTradeValue = outcome.TradeValue
	}
	if st.FirstTradeAt == 0 || tradeTimestamp < st.FirstTradeAt {
		st.FirstTradeAt = tradeTimestamp
	}
	if tradeTimestamp > st.LastTradeAt {
		st.LastTradeAt = tradeTimestamp
	}
}

// replayWallet rebuilds positions and stats for one wallet from its full
// trade history, which must be sorted ascending by block timestamp. The
// realized PnL of each trade is recomputed in place. This is the recovery
// path for suspected position corruption; incremental ingestion runs the
// same applyTrade code over the stored rows, so both paths agree.
func replayWallet(wallet string, trades []TradeRecord) (map[string]*Position, UserStats) {
	positions := make(map[string]*Position)
	stats := UserStats{WalletAddress: wallet}

	positionFor := func(token string) *Position {
		if token == "" {
			return nil
		}
		if existing, ok := positions[token]; ok {
			return existing
		}
		created := &Position{WalletAddress: wallet, TokenAddress: token}
		positions[token] = created
		return created
	}

	for i := range trades {
		trade := &trades[i]
		var posIn, posOut *Position
		if trade.AmountIn > 0 {
			posIn = positionFor(trade.TokenIn)
		}
		if trade.AmountOut > 0 {
			posOut = positionFor(trade.TokenOut)
		}
		outcome := applyTrade(posIn, posOut, trade)
		trade.RealizedPnL = outcome.RealizedPnL
		stats.applyOutcome(outcome, trade.BlockTimestamp)
	}

	return positions, stats
}

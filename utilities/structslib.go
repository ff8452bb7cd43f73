package utilities

import (
	"time"
)

// OHLCVBar represents a single Open, High, Low, Close, Volume data point.
type OHLCVBar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Position holds the state of one open exposure. Exactly one may exist per
// market at a time; it is created on a filled BUY and destroyed on a filled SELL.
type Position struct {
	Market         string    `json:"market"`
	EntryPrice     float64   `json:"entry_price"`
	EntryTimestamp time.Time `json:"entry_timestamp"`
	Volume         float64   `json:"volume"`
	InvestAmount   float64   `json:"invest_amount"`
	SignalType     string    `json:"signal_type"`
}

// TradeRecord is the append-only history row for one executed trade. The
// outcome fields stay nil until the matching SELL closes the BUY.
type TradeRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	Market            string    `json:"market"`
	Action            string    `json:"action"` // BUY or SELL
	SignalType        string    `json:"signal_type"`
	Price             float64   `json:"price"`
	Volume            float64   `json:"volume"`
	MarketState       string    `json:"market_state"`
	RSI               float64   `json:"rsi"`
	BollingerPosition float64   `json:"bollinger_position"`

	Success         *bool    `json:"success,omitempty"`
	ProfitRate      *float64 `json:"profit_rate,omitempty"`
	HoldDurationMin *int     `json:"hold_duration_min,omitempty"`
}

// Closed reports whether the record's outcome has been finalized.
func (t TradeRecord) Closed() bool {
	return t.Success != nil
}

// AdaptiveParams is one versioned snapshot of the tunable decision thresholds.
// Snapshots are append-only; readers always take the latest immutable copy.
type AdaptiveParams struct {
	RSIBuyThreshold    float64 `json:"rsi_buy_threshold"`
	RSISellThreshold   float64 `json:"rsi_sell_threshold"`
	BollingerBuyRatio  float64 `json:"bollinger_buy_ratio"`
	BollingerSellRatio float64 `json:"bollinger_sell_ratio"`
	MinProfitTarget    float64 `json:"min_profit_target"`
	StopLossThreshold  float64 `json:"stop_loss_threshold"`
}

// DefaultAdaptiveParams returns the seed parameters used at first run.
func DefaultAdaptiveParams() AdaptiveParams {
	return AdaptiveParams{
		RSIBuyThreshold:    30,
		RSISellThreshold:   70,
		BollingerBuyRatio:  0.2,
		BollingerSellRatio: 0.8,
		MinProfitTarget:    0.02,
		StopLossThreshold:  -0.05,
	}
}

// ConservativeBaseline returns the restructure-tier escape hatch: thresholds
// that raise fewer, higher-conviction signals than the defaults.
func ConservativeBaseline() AdaptiveParams {
	return AdaptiveParams{
		RSIBuyThreshold:    25,
		RSISellThreshold:   75,
		BollingerBuyRatio:  0.15,
		BollingerSellRatio: 0.85,
		MinProfitTarget:    0.025,
		StopLossThreshold:  -0.03,
	}
}

// Clamped returns a copy with every field forced into its hard safe range.
// Clamping is total and idempotent.
func (p AdaptiveParams) Clamped() AdaptiveParams {
	p.RSIBuyThreshold = Clamp(p.RSIBuyThreshold, 20, 40)
	p.RSISellThreshold = Clamp(p.RSISellThreshold, 60, 80)
	p.BollingerBuyRatio = Clamp(p.BollingerBuyRatio, 0.1, 0.3)
	p.BollingerSellRatio = Clamp(p.BollingerSellRatio, 0.7, 0.9)
	p.MinProfitTarget = Clamp(p.MinProfitTarget, 0.01, 0.05)
	p.StopLossThreshold = Clamp(p.StopLossThreshold, -0.10, -0.02)
	return p
}

// DailyCounters tracks trade count and cumulative realized profit for one
// calendar day.
type DailyCounters struct {
	Day            string  `json:"day"`
	TradeCount     int     `json:"trade_count"`
	RealizedProfit float64 `json:"realized_profit"`
}

// BalanceSnapshotRow is one currency line of a portfolio snapshot mirrored
// from the exchange.
type BalanceSnapshotRow struct {
	Currency     string  `json:"currency"`
	Balance      float64 `json:"balance"`
	Locked       float64 `json:"locked"`
	AvgBuyPrice  float64 `json:"avg_buy_price"`
	CurrentPrice float64 `json:"current_price"`
	KRWValue     float64 `json:"krw_value"`
}

// Total returns the full holding for the currency, locked amounts included.
func (b BalanceSnapshotRow) Total() float64 {
	return b.Balance + b.Locked
}

// InvestmentPerformance is a derived record, always recomputed in full from
// the exchange mirror and the latest balance snapshot.
type InvestmentPerformance struct {
	CalculatedAt     time.Time `json:"calculated_at"`
	TotalDeposits    float64   `json:"total_deposits"`
	TotalWithdrawals float64   `json:"total_withdrawals"`
	NetInvestment    float64   `json:"net_investment"`
	PortfolioValue   float64   `json:"portfolio_value"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	RealizedPnL      float64   `json:"realized_pnl"`
	TotalPnL         float64   `json:"total_pnl"`
	ROIPercent       float64   `json:"roi_percent"`
}

// File: pkg/broker/brokers.go
package broker

import (
	"context"
	"time"

	"github.com/eogh234/auto-coin/utilities"
)

// Broker defines the interface for interacting with the exchange. Every call
// may fail; callers are expected to skip to the next cycle rather than retry.
type Broker interface {
	// GetBalance retrieves the account balance for a single currency.
	GetBalance(ctx context.Context, currency string) (Balance, error)

	// GetAllBalances retrieves all non-zero account balances.
	GetAllBalances(ctx context.Context) ([]Balance, error)

	// GetCurrentPrice retrieves the last traded price for a market.
	// A zero price with a nil error never occurs; absence is an error.
	GetCurrentPrice(ctx context.Context, market string) (float64, error)

	// GetLastNOHLCVBars retrieves the most recent N candles for a market,
	// ordered oldest first. Interval is in minutes.
	GetLastNOHLCVBars(ctx context.Context, market string, intervalMinutes, nBars int) ([]utilities.OHLCVBar, error)

	// PlaceMarketBuy submits a market buy spending the given quote amount.
	PlaceMarketBuy(ctx context.Context, market string, quoteAmount float64) (Order, error)

	// PlaceMarketSell submits a market sell of the given base volume.
	PlaceMarketSell(ctx context.Context, market string, volume float64) (Order, error)

	// ListClosedOrders retrieves completed orders for a market created after since.
	ListClosedOrders(ctx context.Context, market string, since time.Time) ([]Order, error)

	// ListDeposits retrieves completed deposits created after since.
	ListDeposits(ctx context.Context, since time.Time) ([]Transfer, error)

	// ListWithdrawals retrieves completed withdrawals created after since.
	ListWithdrawals(ctx context.Context, since time.Time) ([]Transfer, error)
}

// Balance represents the balance of a single currency.
type Balance struct {
	Currency    string  `json:"currency"`
	Available   float64 `json:"available"`
	Locked      float64 `json:"locked"`
	AvgBuyPrice float64 `json:"avg_buy_price"`
}

// Total returns available plus locked funds.
func (b Balance) Total() float64 {
	return b.Available + b.Locked
}

// Order represents an exchange order as reported by the exchange.
type Order struct {
	UUID           string    `json:"uuid"`
	Market         string    `json:"market"`
	Side           string    `json:"side"` // "bid" (buy) or "ask" (sell)
	OrdType        string    `json:"ord_type"`
	State          string    `json:"state"`
	Price          float64   `json:"price"`
	Volume         float64   `json:"volume"`
	ExecutedVolume float64   `json:"executed_volume"`
	PaidFee        float64   `json:"paid_fee"`
	TradesCount    int       `json:"trades_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Transfer represents a completed deposit or withdrawal.
type Transfer struct {
	TxID      string    `json:"txid"`
	Kind      string    `json:"kind"` // "deposit" or "withdraw"
	Currency  string    `json:"currency"`
	Amount    float64   `json:"amount"`
	Fee       float64   `json:"fee"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	DoneAt    time.Time `json:"done_at"`
}

// File: pkg/broker/upbit/uadapter.go
package upbit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/eogh234/auto-coin/pkg/broker"
	"github.com/eogh234/auto-coin/utilities"
)

// Adapter implements broker.Broker on top of the Upbit REST client.
type Adapter struct {
	client *Client
	logger *utilities.Logger
}

func NewAdapter(cfg *utilities.UpbitConfig, logger *utilities.Logger) (*Adapter, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("upbit adapter: access_key and secret_key are required")
	}
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &Adapter{
		client: NewClient(cfg, httpClient, logger),
		logger: logger,
	}, nil
}

func (a *Adapter) GetBalance(ctx context.Context, currency string) (broker.Balance, error) {
	accounts, err := a.client.GetAccountsAPI(ctx)
	if err != nil {
		return broker.Balance{}, fmt.Errorf("failed to fetch accounts: %w", err)
	}
	for _, acct := range accounts {
		if acct.Currency == currency {
			return toBalance(acct), nil
		}
	}
	// A currency the exchange has never held is simply a zero balance.
	return broker.Balance{Currency: currency}, nil
}

func (a *Adapter) GetAllBalances(ctx context.Context) ([]broker.Balance, error) {
	accounts, err := a.client.GetAccountsAPI(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}
	balances := make([]broker.Balance, 0, len(accounts))
	for _, acct := range accounts {
		b := toBalance(acct)
		if b.Total() <= 0 {
			continue
		}
		balances = append(balances, b)
	}
	return balances, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	ticker, err := a.client.GetTickerAPI(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch ticker for %s: %w", market, err)
	}
	if ticker.TradePrice <= 0 {
		return 0, fmt.Errorf("upbit ticker for %s returned non-positive price %.8f", market, ticker.TradePrice)
	}
	return ticker.TradePrice, nil
}

func (a *Adapter) GetLastNOHLCVBars(ctx context.Context, market string, intervalMinutes, nBars int) ([]utilities.OHLCVBar, error) {
	candles, err := a.client.GetMinuteCandlesAPI(ctx, market, intervalMinutes, nBars)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", market, err)
	}
	// Upbit returns newest first; flip to oldest first for the indicators.
	bars := make([]utilities.OHLCVBar, 0, len(candles))
	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		bars = append(bars, utilities.OHLCVBar{
			Timestamp: c.Timestamp,
			Open:      c.OpeningPrice,
			High:      c.HighPrice,
			Low:       c.LowPrice,
			Close:     c.TradePrice,
			Volume:    c.CandleAccTradeVolume,
		})
	}
	return bars, nil
}

func (a *Adapter) PlaceMarketBuy(ctx context.Context, market string, quoteAmount float64) (broker.Order, error) {
	if quoteAmount <= 0 {
		return broker.Order{}, fmt.Errorf("market buy for %s: quote amount must be positive, got %.2f", market, quoteAmount)
	}
	// ord_type "price" spends a fixed KRW amount at market.
	price := strconv.FormatFloat(quoteAmount, 'f', -1, 64)
	order, err := a.client.PlaceOrderAPI(ctx, market, "bid", "price", "", price)
	if err != nil {
		return broker.Order{}, fmt.Errorf("market buy for %s failed: %w", market, err)
	}
	a.logger.LogInfo("Upbit: placed market buy %s amount=%.0f uuid=%s", market, quoteAmount, order.UUID)
	return toOrder(order), nil
}

func (a *Adapter) PlaceMarketSell(ctx context.Context, market string, volume float64) (broker.Order, error) {
	if volume <= 0 {
		return broker.Order{}, fmt.Errorf("market sell for %s: volume must be positive, got %.8f", market, volume)
	}
	vol := strconv.FormatFloat(volume, 'f', -1, 64)
	order, err := a.client.PlaceOrderAPI(ctx, market, "ask", "market", vol, "")
	if err != nil {
		return broker.Order{}, fmt.Errorf("market sell for %s failed: %w", market, err)
	}
	a.logger.LogInfo("Upbit: placed market sell %s volume=%s uuid=%s", market, vol, order.UUID)
	return toOrder(order), nil
}

const listPageLimit = 100

func (a *Adapter) ListClosedOrders(ctx context.Context, market string, since time.Time) ([]broker.Order, error) {
	raw, err := a.client.GetClosedOrdersAPI(ctx, market, listPageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed orders for %s: %w", market, err)
	}
	orders := make([]broker.Order, 0, len(raw))
	for _, o := range raw {
		ord := toOrder(o)
		if !since.IsZero() && ord.CreatedAt.Before(since) {
			continue
		}
		orders = append(orders, ord)
	}
	return orders, nil
}

func (a *Adapter) ListDeposits(ctx context.Context, since time.Time) ([]broker.Transfer, error) {
	raw, err := a.client.GetDepositsAPI(ctx, listPageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	return filterTransfers(raw, "deposit", since), nil
}

func (a *Adapter) ListWithdrawals(ctx context.Context, since time.Time) ([]broker.Transfer, error) {
	raw, err := a.client.GetWithdrawsAPI(ctx, listPageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return filterTransfers(raw, "withdraw", since), nil
}

func filterTransfers(raw []upbitTransfer, kind string, since time.Time) []broker.Transfer {
	transfers := make([]broker.Transfer, 0, len(raw))
	for _, t := range raw {
		if t.State != "ACCEPTED" && t.State != "DONE" && t.State != "done" {
			continue
		}
		tr := toTransfer(t, kind)
		if !since.IsZero() && tr.CreatedAt.Before(since) {
			continue
		}
		transfers = append(transfers, tr)
	}
	return transfers
}

func toBalance(acct upbitAccount) broker.Balance {
	return broker.Balance{
		Currency:    acct.Currency,
		Available:   acct.Balance.Float(),
		Locked:      acct.Locked.Float(),
		AvgBuyPrice: acct.AvgBuyPrice.Float(),
	}
}

func toOrder(o upbitOrder) broker.Order {
	return broker.Order{
		UUID:           o.UUID,
		Market:         o.Market,
		Side:           o.Side,
		OrdType:        o.OrdType,
		State:          o.State,
		Price:          o.Price.Float(),
		Volume:         o.Volume.Float(),
		ExecutedVolume: o.ExecutedVolume.Float(),
		PaidFee:        o.PaidFee.Float(),
		TradesCount:    o.TradesCount,
		CreatedAt:      parseUpbitTime(o.CreatedAt),
	}
}

func toTransfer(t upbitTransfer, kind string) broker.Transfer {
	return broker.Transfer{
		TxID:      t.TxID,
		Kind:      kind,
		Currency:  t.Currency,
		Amount:    t.Amount.Float(),
		Fee:       t.Fee.Float(),
		State:     t.State,
		CreatedAt: parseUpbitTime(t.CreatedAt),
		DoneAt:    parseUpbitTime(t.DoneAt),
	}
}

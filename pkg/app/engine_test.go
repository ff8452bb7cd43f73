// File: pkg/app/engine_test.go
package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eogh234/auto-coin/pkg/broker"
	"github.com/eogh234/auto-coin/pkg/ledger"
	"github.com/eogh234/auto-coin/pkg/learning"
	"github.com/eogh234/auto-coin/pkg/optimizer"
	"github.com/eogh234/auto-coin/strategy"
	"github.com/eogh234/auto-coin/utilities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	price      float64
	priceErr   error
	krw        float64
	bars       []utilities.OHLCVBar
	barsErr    error
	buyErr     error
	sellErr    error
	buyCalls   int
	sellCalls  int
	lastAmount float64
	lastVolume float64
}

func (f *fakeBroker) GetBalance(ctx context.Context, currency string) (broker.Balance, error) {
	return broker.Balance{Currency: currency, Available: f.krw}, nil
}

func (f *fakeBroker) GetAllBalances(ctx context.Context) ([]broker.Balance, error) {
	return []broker.Balance{{Currency: "KRW", Available: f.krw}}, nil
}

func (f *fakeBroker) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeBroker) GetLastNOHLCVBars(ctx context.Context, market string, intervalMinutes, nBars int) ([]utilities.OHLCVBar, error) {
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	return f.bars, nil
}

func (f *fakeBroker) PlaceMarketBuy(ctx context.Context, market string, quoteAmount float64) (broker.Order, error) {
	f.buyCalls++
	f.lastAmount = quoteAmount
	if f.buyErr != nil {
		return broker.Order{}, f.buyErr
	}
	return broker.Order{UUID: "buy-uuid", Market: market, Side: "bid"}, nil
}

func (f *fakeBroker) PlaceMarketSell(ctx context.Context, market string, volume float64) (broker.Order, error) {
	f.sellCalls++
	f.lastVolume = volume
	if f.sellErr != nil {
		return broker.Order{}, f.sellErr
	}
	return broker.Order{UUID: "sell-uuid", Market: market, Side: "ask"}, nil
}

func (f *fakeBroker) ListClosedOrders(ctx context.Context, market string, since time.Time) ([]broker.Order, error) {
	return nil, nil
}

func (f *fakeBroker) ListDeposits(ctx context.Context, since time.Time) ([]broker.Transfer, error) {
	return nil, nil
}

func (f *fakeBroker) ListWithdrawals(ctx context.Context, since time.Time) ([]broker.Transfer, error) {
	return nil, nil
}

type memLedgerStore struct {
	positions map[string]*utilities.Position
	counters  map[string]utilities.DailyCounters
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{
		positions: make(map[string]*utilities.Position),
		counters:  make(map[string]utilities.DailyCounters),
	}
}

func (m *memLedgerStore) LoadPositions() (map[string]*utilities.Position, error) {
	out := make(map[string]*utilities.Position)
	for k, v := range m.positions {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (m *memLedgerStore) SavePosition(pos *utilities.Position) error {
	cp := *pos
	m.positions[pos.Market] = &cp
	return nil
}

func (m *memLedgerStore) DeletePosition(market string) error {
	delete(m.positions, market)
	return nil
}

func (m *memLedgerStore) LoadDailyCounters(day string) (utilities.DailyCounters, error) {
	if c, ok := m.counters[day]; ok {
		return c, nil
	}
	return utilities.DailyCounters{Day: day}, nil
}

func (m *memLedgerStore) SaveDailyCounters(c utilities.DailyCounters) error {
	m.counters[c.Day] = c
	return nil
}

type memLearningStore struct {
	trades []utilities.TradeRecord
	params []utilities.AdaptiveParams
}

func (m *memLearningStore) InsertTrade(t utilities.TradeRecord) (int64, error) {
	m.trades = append(m.trades, t)
	return int64(len(m.trades)), nil
}

func (m *memLearningStore) FinalizeTrade(market string, success bool, profitRate float64, holdDurationMin int) error {
	for i := range m.trades {
		t := &m.trades[i]
		if t.Market == market && t.Action == "BUY" && t.Success == nil {
			s, p, h := success, profitRate, holdDurationMin
			t.Success, t.ProfitRate, t.HoldDurationMin = &s, &p, &h
			return nil
		}
	}
	return nil
}

func (m *memLearningStore) ClosedTradesSince(cutoff time.Time) ([]utilities.TradeRecord, error) {
	return nil, nil
}

func (m *memLearningStore) ArchiveTradesBefore(cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memLearningStore) SaveParams(p utilities.AdaptiveParams) error {
	m.params = append(m.params, p)
	return nil
}

func (m *memLearningStore) LatestParams() (utilities.AdaptiveParams, bool, error) {
	return utilities.AdaptiveParams{}, false, nil
}

func testAppConfig() *utilities.AppConfig {
	return &utilities.AppConfig{
		Trading: utilities.TradingConfig{
			Markets:         []string{"KRW-BTC"},
			QuoteCurrency:   "KRW",
			MaxDailyTrades:  50,
			MinQuoteBalance: 50_000,
			InvestmentRatio: 0.1,
			CommissionRate:  0.0005,
			CycleTargetSec:  60,
			CycleFloorSec:   30,
			TradePauseSec:   1,
		},
		Learning: utilities.LearningConfig{
			IntervalHours: 1000, // keep background learning quiet in tests
		},
	}
}

func newTestEngine(t *testing.T, b broker.Broker) (*Engine, *ledger.Ledger, *memLearningStore) {
	t.Helper()
	logger := utilities.NewLogger(utilities.Error)
	led, err := ledger.NewLedger(newMemLedgerStore(), logger, time.Now())
	require.NoError(t, err)
	learnStore := &memLearningStore{}
	learn := learning.NewSystem(learnStore, testAppConfig().Learning, logger)
	return NewEngine(testAppConfig(), logger, b, led, learn, nil), led, learnStore
}

func TestFeeAdjustedProfitRate(t *testing.T) {
	fee := 0.0005
	got := feeAdjustedProfitRate(100, 110, fee)
	want := (110*(1-fee) - 100*(1+fee)) / (100 * (1 + fee))
	assert.InDelta(t, want, got, 1e-12)

	// A flat price round-trips to a small loss from the double commission.
	assert.Negative(t, feeAdjustedProfitRate(100, 100, fee))
}

func TestExecuteBuy_CreatesPositionAndRecord(t *testing.T) {
	b := &fakeBroker{price: 50_000_000, krw: 1_000_000}
	e, led, learnStore := newTestEngine(t, b)

	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalPremiumBuy)
	require.True(t, ok)
	assert.Equal(t, 1, b.buyCalls)
	assert.Equal(t, 100_000.0, b.lastAmount) // 10% of available

	pos, open := led.Position("KRW-BTC")
	require.True(t, open)
	assert.Equal(t, 50_000_000.0, pos.EntryPrice)
	assert.InDelta(t, 100_000.0/50_000_000.0, pos.Volume, 1e-12)

	assert.Equal(t, 1, led.Counters(time.Now()).TradeCount)
	require.Len(t, learnStore.trades, 1)
	assert.Equal(t, "BUY", learnStore.trades[0].Action)
	assert.Equal(t, strategy.SignalPremiumBuy, learnStore.trades[0].SignalType)
	assert.Nil(t, learnStore.trades[0].Success)
}

func TestExecuteBuy_RejectedWhileOpen(t *testing.T) {
	b := &fakeBroker{price: 100, krw: 1_000_000}
	e, led, _ := newTestEngine(t, b)

	require.NoError(t, led.SetPosition(utilities.Position{Market: "KRW-BTC", EntryPrice: 90, Volume: 1, InvestAmount: 90}))
	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalSelectiveBuy)

	assert.False(t, ok)
	assert.Zero(t, b.buyCalls)
	assert.Equal(t, 1, led.OpenPositionCount())
}

func TestExecuteBuy_OrderFailureLeavesStateUntouched(t *testing.T) {
	b := &fakeBroker{price: 100, krw: 1_000_000, buyErr: errors.New("order rejected")}
	e, led, learnStore := newTestEngine(t, b)

	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalPremiumBuy)

	assert.False(t, ok)
	assert.Zero(t, led.OpenPositionCount())
	assert.Zero(t, led.Counters(time.Now()).TradeCount)
	assert.Empty(t, learnStore.trades)
}

func TestExecuteTrade_PriceFailureAborts(t *testing.T) {
	b := &fakeBroker{priceErr: errors.New("ticker down"), krw: 1_000_000}
	e, led, _ := newTestEngine(t, b)

	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalPremiumBuy)
	assert.False(t, ok)
	assert.Zero(t, b.buyCalls)
	assert.Zero(t, led.OpenPositionCount())
}

func TestExecuteTrade_LowBalanceCountsAsBalanceFailure(t *testing.T) {
	b := &fakeBroker{price: 100, krw: 10_000} // below 50k minimum
	e, _, _ := newTestEngine(t, b)

	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalPremiumBuy)
	assert.False(t, ok)
	assert.Zero(t, b.buyCalls)

	stats := e.TakeSignalStats()
	assert.Equal(t, 1, stats.BalanceFailures)
}

func TestExecuteTrade_DailyCapSkips(t *testing.T) {
	b := &fakeBroker{price: 100, krw: 1_000_000}
	e, led, _ := newTestEngine(t, b)
	e.cfg.Trading.MaxDailyTrades = 1
	require.NoError(t, led.RecordTrade(time.Now(), 0))

	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalPremiumBuy)
	assert.False(t, ok)
	assert.Zero(t, b.buyCalls)
}

func TestExecuteSell_FinalizesTradeAndClearsPosition(t *testing.T) {
	b := &fakeBroker{price: 110, krw: 1_000_000}
	e, led, learnStore := newTestEngine(t, b)

	entry := time.Now().Add(-2 * time.Hour)
	require.NoError(t, led.SetPosition(utilities.Position{
		Market: "KRW-BTC", EntryPrice: 100, EntryTimestamp: entry,
		Volume: 1000, InvestAmount: 100_000, SignalType: strategy.SignalPremiumBuy,
	}))
	require.NoError(t, e.learning.RecordTrade(utilities.TradeRecord{
		Timestamp: entry, Market: "KRW-BTC", Action: "BUY",
		SignalType: strategy.SignalPremiumBuy, Price: 100, Volume: 1000,
	}))

	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalEmergencySell)
	require.True(t, ok)
	assert.Equal(t, 1, b.sellCalls)
	assert.Equal(t, 1000.0, b.lastVolume)

	assert.Zero(t, led.OpenPositionCount())

	require.Len(t, learnStore.trades, 1)
	closed := learnStore.trades[0]
	require.NotNil(t, closed.Success)
	assert.True(t, *closed.Success)
	assert.InDelta(t, feeAdjustedProfitRate(100, 110, 0.0005), *closed.ProfitRate, 1e-12)
	assert.InDelta(t, 120, float64(*closed.HoldDurationMin), 2)

	counters := led.Counters(time.Now())
	assert.Equal(t, 1, counters.TradeCount)
	assert.InDelta(t, 100_000*feeAdjustedProfitRate(100, 110, 0.0005), counters.RealizedProfit, 1e-6)
}

func TestExecuteSell_NoPositionIsNoOp(t *testing.T) {
	b := &fakeBroker{price: 100, krw: 1_000_000}
	e, _, _ := newTestEngine(t, b)

	ok := e.executeTrade(context.Background(), "KRW-BTC", strategy.SignalEmergencySell)
	assert.False(t, ok)
	assert.Zero(t, b.sellCalls)
}

func TestSellIntents_DrainedOnNextCycle(t *testing.T) {
	b := &fakeBroker{price: 110, krw: 1_000_000}
	e, led, _ := newTestEngine(t, b)

	require.NoError(t, led.SetPosition(utilities.Position{
		Market: "KRW-BTC", EntryPrice: 100, EntryTimestamp: time.Now().Add(-80 * time.Hour),
		Volume: 1, InvestAmount: 100, SignalType: strategy.SignalSelectiveBuy,
	}))
	e.QueueSellIntents([]optimizer.SellIntent{{Market: "KRW-BTC", Reason: "hold_expired"}})

	e.drainSellIntents(context.Background())

	assert.Equal(t, 1, b.sellCalls)
	assert.Zero(t, led.OpenPositionCount())

	// A second drain has nothing left to do.
	e.drainSellIntents(context.Background())
	assert.Equal(t, 1, b.sellCalls)
}

func TestPositionProfitRate(t *testing.T) {
	b := &fakeBroker{price: 110}
	e, _, _ := newTestEngine(t, b)

	rate, err := e.PositionProfitRate(context.Background(), utilities.Position{Market: "KRW-BTC", EntryPrice: 100})
	require.NoError(t, err)
	assert.InDelta(t, feeAdjustedProfitRate(100, 110, 0.0005), rate, 1e-12)
}

func TestEvaluateMarket_FetchFailureDecidesHold(t *testing.T) {
	b := &fakeBroker{barsErr: errors.New("candle endpoint down")}
	e, _, _ := newTestEngine(t, b)

	assert.Equal(t, strategy.SignalHold, e.evaluateMarket(context.Background(), "KRW-BTC"))
}

type fakeNotifier struct {
	titles   []string
	messages []string
}

func (f *fakeNotifier) Notify(title, message string) {
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, message)
}

func (f *fakeNotifier) NotifyTrade(signal, market string, price, amount float64, detail string) {}

func TestStatusReport_IntervalGated(t *testing.T) {
	e, led, _ := newTestEngine(t, &fakeBroker{})
	n := &fakeNotifier{}
	e.notifier = n
	e.cfg.Discord.StatusReportIntervalSec = 60

	now := time.Now()
	e.lastStatusReport = now
	e.maybeStatusReport(now.Add(30 * time.Second))
	assert.Empty(t, n.messages)

	require.NoError(t, led.SetPosition(utilities.Position{
		Market: "KRW-BTC", EntryPrice: 100, Volume: 1,
		SignalType: "PREMIUM_BUY", EntryTimestamp: now,
	}))
	e.maybeStatusReport(now.Add(2 * time.Minute))
	require.Len(t, n.messages, 1)
	assert.Contains(t, n.messages[0], "Open positions**: 1")
	assert.Contains(t, n.messages[0], "KRW-BTC")

	// The next report waits a full interval from the last one sent.
	e.maybeStatusReport(now.Add(2*time.Minute + 30*time.Second))
	assert.Len(t, n.messages, 1)
}

func TestTakeSignalStats_Resets(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeBroker{})
	e.bumpRaised()
	e.bumpRaised()
	e.bumpExecuted()

	stats := e.TakeSignalStats()
	assert.Equal(t, 2, stats.Raised)
	assert.Equal(t, 1, stats.Executed)

	assert.Zero(t, e.TakeSignalStats().Raised)
}

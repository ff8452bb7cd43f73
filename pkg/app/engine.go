// File: pkg/app/engine.go
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eogh234/auto-coin/pkg/broker"
	"github.com/eogh234/auto-coin/pkg/ledger"
	"github.com/eogh234/auto-coin/pkg/learning"
	"github.com/eogh234/auto-coin/pkg/optimizer"
	"github.com/eogh234/auto-coin/strategy"
	"github.com/eogh234/auto-coin/utilities"
)

// Notifier is the outbound alert surface. Delivery failures are the
// notifier's problem; the engine never waits on or retries them.
type Notifier interface {
	Notify(title, message string)
	NotifyTrade(signal, market string, price, amount float64, detail string)
}

// Engine is the foreground trading loop: one pass over the market list per
// cycle, turning market context plus adaptive parameters into executed
// orders. It exclusively owns ledger writes.
type Engine struct {
	cfg      *utilities.AppConfig
	logger   *utilities.Logger
	broker   broker.Broker
	ledger   *ledger.Ledger
	learning *learning.System
	notifier Notifier

	afterTrade func(context.Context)

	lastStatusReport time.Time

	intentMu    sync.Mutex
	sellIntents []optimizer.SellIntent

	statsMu sync.Mutex
	stats   optimizer.SignalStats
}

func NewEngine(cfg *utilities.AppConfig, logger *utilities.Logger, b broker.Broker,
	led *ledger.Ledger, learn *learning.System, notifier Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		broker:   b,
		ledger:   led,
		learning: learn,
		notifier: notifier,
	}
}

// SetAfterTradeHook registers a callback invoked after every executed trade,
// before the inter-trade pause. Must be set before Run starts.
func (e *Engine) SetAfterTradeHook(hook func(context.Context)) {
	e.afterTrade = hook
}

// RunCycleOnce performs one foreground pass: drain queued sell intents, then
// evaluate every configured market. Per-market failures are logged and the
// pass continues with the next market.
func (e *Engine) RunCycleOnce(ctx context.Context) {
	e.drainSellIntents(ctx)

	for _, market := range e.cfg.Trading.Markets {
		if ctx.Err() != nil {
			return
		}
		signal := e.evaluateMarket(ctx, market)
		if signal == strategy.SignalHold {
			continue
		}

		e.logger.LogInfo("Engine: signal %s for %s", signal, market)
		e.bumpRaised()
		if e.executeTrade(ctx, market, signal) {
			e.bumpExecuted()
			e.runAfterTradeHook(ctx)
			e.pauseBetweenTrades(ctx)
		}
	}
}

func (e *Engine) evaluateMarket(ctx context.Context, market string) string {
	bars, err := e.broker.GetLastNOHLCVBars(ctx, market, e.candleInterval(), e.candleCount())
	if err != nil {
		// Degraded data classifies as UNKNOWN and decides HOLD; the fetch
		// error itself is not fatal to the cycle.
		e.logger.LogWarn("Engine: candle fetch for %s failed, holding: %v", market, err)
		bars = nil
	}
	mc := strategy.BuildMarketContext(market, bars)
	_, hasPosition := e.ledger.Position(market)
	return strategy.Decide(mc, e.learning.Params(), hasPosition)
}

// executeTrade runs the execution contract for one signal. Returns true only
// when an order was actually placed and recorded.
func (e *Engine) executeTrade(ctx context.Context, market, signal string) bool {
	now := time.Now()
	if !e.ledger.CanTrade(now, e.maxDailyTrades()) {
		e.logger.LogWarn("Engine: daily trade cap %d reached, skipping %s %s", e.maxDailyTrades(), signal, market)
		return false
	}

	currentPrice, err := e.broker.GetCurrentPrice(ctx, market)
	if err != nil {
		e.logger.LogError("Engine: price fetch for %s failed, aborting %s: %v", market, signal, err)
		return false
	}

	quote := e.cfg.Trading.QuoteCurrency
	balance, err := e.broker.GetBalance(ctx, quote)
	if err != nil {
		e.logger.LogError("Engine: balance fetch failed, aborting %s %s: %v", signal, market, err)
		return false
	}
	if balance.Available < e.cfg.Trading.MinQuoteBalance {
		e.logger.LogWarn("Engine: %s balance %.0f below minimum %.0f, skipping %s %s",
			quote, balance.Available, e.cfg.Trading.MinQuoteBalance, signal, market)
		e.bumpBalanceFailure()
		return false
	}

	switch {
	case strategy.IsBuySignal(signal):
		return e.executeBuy(ctx, market, signal, currentPrice, balance.Available)
	case strategy.IsSellSignal(signal):
		return e.executeSell(ctx, market, signal, currentPrice)
	default:
		return false
	}
}

func (e *Engine) executeBuy(ctx context.Context, market, signal string, currentPrice, available float64) bool {
	if _, open := e.ledger.Position(market); open {
		// Re-entry while holding is an invariant violation, rejected quietly.
		e.logger.LogWarn("Engine: buy signal for %s ignored, position already open", market)
		return false
	}

	investAmount := available * e.cfg.Trading.InvestmentRatio
	if investAmount <= 0 || available < investAmount {
		e.logger.LogWarn("Engine: investable amount %.0f not available for %s", investAmount, market)
		e.bumpBalanceFailure()
		return false
	}

	order, err := e.broker.PlaceMarketBuy(ctx, market, investAmount)
	if err != nil {
		e.logger.LogError("Engine: buy order for %s failed: %v", market, err)
		return false
	}

	now := time.Now()
	pos := utilities.Position{
		Market:         market,
		EntryPrice:     currentPrice,
		EntryTimestamp: now,
		Volume:         investAmount / currentPrice,
		InvestAmount:   investAmount,
		SignalType:     signal,
	}
	if err := e.ledger.SetPosition(pos); err != nil {
		e.logger.LogError("Engine: position persist for %s failed after buy %s: %v", market, order.UUID, err)
		return false
	}
	if err := e.ledger.RecordTrade(now, 0); err != nil {
		e.logger.LogWarn("Engine: daily counter update failed: %v", err)
	}

	mc := e.contextForRecord(ctx, market)
	record := utilities.TradeRecord{
		Timestamp:         now,
		Market:            market,
		Action:            "BUY",
		SignalType:        signal,
		Price:             currentPrice,
		Volume:            pos.Volume,
		MarketState:       mc.MarketState,
		RSI:               mc.RSI,
		BollingerPosition: mc.BollingerPosition,
	}
	if err := e.learning.RecordTrade(record); err != nil {
		e.logger.LogWarn("Engine: trade history write failed: %v", err)
	}

	counters := e.ledger.Counters(now)
	e.logger.LogInfo("Engine: bought %s @ %.0f for %.0f KRW (trade %d today)", market, currentPrice, investAmount, counters.TradeCount)
	if e.notifier != nil {
		e.notifier.NotifyTrade(signal, market, currentPrice,
			investAmount, fmt.Sprintf("**Trades today**: %d", counters.TradeCount))
	}
	return true
}

func (e *Engine) executeSell(ctx context.Context, market, signal string, currentPrice float64) bool {
	pos, open := e.ledger.Position(market)
	if !open {
		e.logger.LogWarn("Engine: sell signal for %s ignored, no open position", market)
		return false
	}

	if _, err := e.broker.PlaceMarketSell(ctx, market, pos.Volume); err != nil {
		e.logger.LogError("Engine: sell order for %s failed: %v", market, err)
		return false
	}

	now := time.Now()
	profitRate := feeAdjustedProfitRate(pos.EntryPrice, currentPrice, e.commissionRate())
	profitAmount := pos.InvestAmount * profitRate
	holdDurationMin := int(now.Sub(pos.EntryTimestamp).Minutes())

	if err := e.ledger.RemovePosition(market); err != nil {
		e.logger.LogError("Engine: position removal for %s failed: %v", market, err)
		return false
	}
	if err := e.ledger.RecordTrade(now, profitAmount); err != nil {
		e.logger.LogWarn("Engine: daily counter update failed: %v", err)
	}
	if err := e.learning.FinalizeTrade(market, profitRate > 0, profitRate, holdDurationMin); err != nil {
		e.logger.LogWarn("Engine: trade outcome write for %s failed: %v", market, err)
	}

	e.logger.LogInfo("Engine: sold %s @ %.0f, profit %.2f%% after %dm", market, currentPrice, profitRate*100, holdDurationMin)
	if e.notifier != nil {
		e.notifier.NotifyTrade(signal, market, currentPrice, pos.InvestAmount,
			fmt.Sprintf("**Profit**: %.2f%% (%+.0f KRW)\n**Held**: %dm", profitRate*100, profitAmount, holdDurationMin))
	}
	return true
}

func (e *Engine) runAfterTradeHook(ctx context.Context) {
	if e.afterTrade != nil {
		e.afterTrade(ctx)
	}
}

// feeAdjustedProfitRate nets the round-trip commission out of the raw price
// move: effective buy cost is entry*(1+fee), effective proceeds sell*(1-fee).
func feeAdjustedProfitRate(entryPrice, sellPrice, fee float64) float64 {
	actualBuy := entryPrice * (1 + fee)
	actualSell := sellPrice * (1 - fee)
	return (actualSell - actualBuy) / actualBuy
}

// contextForRecord refetches the market context for the history row. The
// degraded context is acceptable here; the order is already placed.
func (e *Engine) contextForRecord(ctx context.Context, market string) strategy.MarketContext {
	bars, err := e.broker.GetLastNOHLCVBars(ctx, market, e.candleInterval(), e.candleCount())
	if err != nil {
		bars = nil
	}
	return strategy.BuildMarketContext(market, bars)
}

// --- Sell intents (optimizer sweep tier) ---

// QueueSellIntents appends intents for the next cycle to drain.
func (e *Engine) QueueSellIntents(intents []optimizer.SellIntent) {
	e.intentMu.Lock()
	e.sellIntents = append(e.sellIntents, intents...)
	e.intentMu.Unlock()
}

func (e *Engine) drainSellIntents(ctx context.Context) {
	e.intentMu.Lock()
	intents := e.sellIntents
	e.sellIntents = nil
	e.intentMu.Unlock()

	for _, intent := range intents {
		if ctx.Err() != nil {
			return
		}
		if _, open := e.ledger.Position(intent.Market); !open {
			continue
		}
		e.logger.LogInfo("Engine: sweep sell for %s (%s, profit %.2f%%, held %.1fh)",
			intent.Market, intent.Reason, intent.ProfitRate*100, intent.HoldHours)
		if e.executeTrade(ctx, intent.Market, strategy.SignalConservativeSell) {
			e.runAfterTradeHook(ctx)
			e.pauseBetweenTrades(ctx)
		}
	}
}

// --- Optimizer-facing views ---

// OpenPositions returns a copy of every open position.
func (e *Engine) OpenPositions() map[string]utilities.Position {
	return e.ledger.Positions()
}

// PositionProfitRate prices a position at the current market and returns its
// fee-adjusted profit rate.
func (e *Engine) PositionProfitRate(ctx context.Context, pos utilities.Position) (float64, error) {
	price, err := e.broker.GetCurrentPrice(ctx, pos.Market)
	if err != nil {
		return 0, err
	}
	return feeAdjustedProfitRate(pos.EntryPrice, price, e.commissionRate()), nil
}

// TakeSignalStats returns and resets the signal counters.
func (e *Engine) TakeSignalStats() optimizer.SignalStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	stats := e.stats
	e.stats = optimizer.SignalStats{}
	return stats
}

func (e *Engine) bumpRaised() {
	e.statsMu.Lock()
	e.stats.Raised++
	e.statsMu.Unlock()
}

func (e *Engine) bumpExecuted() {
	e.statsMu.Lock()
	e.stats.Executed++
	e.statsMu.Unlock()
}

func (e *Engine) bumpBalanceFailure() {
	e.statsMu.Lock()
	e.stats.BalanceFailures++
	e.statsMu.Unlock()
}

// --- Loop pacing ---

// Run drives cycles until the context is cancelled. Each cycle targets the
// configured period: sleep is the remainder after work time, floored, and
// sliced into at most one-second chunks so shutdown latency stays bounded.
func (e *Engine) Run(ctx context.Context) {
	target := time.Duration(e.cfg.Trading.CycleTargetSec) * time.Second
	if target <= 0 {
		target = 60 * time.Second
	}
	floor := time.Duration(e.cfg.Trading.CycleFloorSec) * time.Second
	if floor <= 0 {
		floor = 30 * time.Second
	}

	e.logger.LogInfo("Engine: trading loop started (%d market(s), cycle %v)", len(e.cfg.Trading.Markets), target)
	e.lastStatusReport = time.Now()
	for {
		cycleStart := time.Now()
		e.RunCycleOnce(ctx)
		e.maybeStatusReport(time.Now())
		if ctx.Err() != nil {
			e.logger.LogInfo("Engine: trading loop stopping")
			return
		}

		sleep := target - time.Since(cycleStart)
		if sleep < floor {
			sleep = floor
		}
		if !sleepSliced(ctx, sleep) {
			e.logger.LogInfo("Engine: trading loop stopping")
			return
		}
	}
}

// sleepSliced sleeps in chunks of at most one second, returning false when
// the context is cancelled mid-sleep.
func sleepSliced(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		chunk := remaining
		if chunk > time.Second {
			chunk = time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(chunk):
		}
	}
}

// maybeStatusReport sends the periodic portfolio summary once per configured
// interval. Checked every cycle so the report lands on the next cycle
// boundary after the interval elapses.
func (e *Engine) maybeStatusReport(now time.Time) {
	if e.notifier == nil {
		return
	}
	if now.Sub(e.lastStatusReport) < e.statusReportInterval() {
		return
	}
	e.lastStatusReport = now

	positions := e.ledger.Positions()
	counters := e.ledger.Counters(now)
	params := e.learning.Params()

	var b strings.Builder
	fmt.Fprintf(&b, "**Open positions**: %d\n", len(positions))
	for market, pos := range positions {
		fmt.Fprintf(&b, "• %s: %.8f @ %.0f (%s)\n", market, pos.Volume, pos.EntryPrice, pos.SignalType)
	}
	fmt.Fprintf(&b, "**Trades today**: %d (%+.0f KRW realized)\n", counters.TradeCount, counters.RealizedProfit)
	fmt.Fprintf(&b, "**Params**: rsi_buy %.1f, boll_buy %.2f, min_profit %.2f%%",
		params.RSIBuyThreshold, params.BollingerBuyRatio, params.MinProfitTarget*100)
	e.notifier.Notify("📊 Status report", b.String())
}

func (e *Engine) statusReportInterval() time.Duration {
	if e.cfg.Discord.StatusReportIntervalSec > 0 {
		return time.Duration(e.cfg.Discord.StatusReportIntervalSec) * time.Second
	}
	return time.Hour
}

func (e *Engine) pauseBetweenTrades(ctx context.Context) {
	pause := time.Duration(e.cfg.Trading.TradePauseSec) * time.Second
	if pause <= 0 {
		pause = 2 * time.Second
	}
	sleepSliced(ctx, pause)
}

func (e *Engine) candleInterval() int {
	if e.cfg.Trading.CandleIntervalMin > 0 {
		return e.cfg.Trading.CandleIntervalMin
	}
	return 5
}

func (e *Engine) candleCount() int {
	if e.cfg.Trading.CandleCount > 0 {
		return e.cfg.Trading.CandleCount
	}
	return 100
}

func (e *Engine) maxDailyTrades() int {
	if e.cfg.Trading.MaxDailyTrades > 0 {
		return e.cfg.Trading.MaxDailyTrades
	}
	return 50
}

func (e *Engine) commissionRate() float64 {
	if e.cfg.Trading.CommissionRate > 0 {
		return e.cfg.Trading.CommissionRate
	}
	return 0.0005
}

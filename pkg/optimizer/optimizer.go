// File: pkg/optimizer/optimizer.go
package optimizer

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/eogh234/auto-coin/utilities"

	"github.com/shirou/gopsutil/v4/mem"
)

// SellIntent asks the engine to close a position outside the normal signal
// path. Intents are advisory: the engine re-checks the position before acting.
type SellIntent struct {
	Market     string
	Reason     string
	ProfitRate float64
	HoldHours  float64
}

// SignalStats counts raised signals and their outcomes since the last take.
type SignalStats struct {
	Raised          int
	Executed        int
	BalanceFailures int
}

// PositionSource exposes the engine's open exposure for sweeping.
type PositionSource interface {
	OpenPositions() map[string]utilities.Position
	PositionProfitRate(ctx context.Context, pos utilities.Position) (float64, error)
}

// IntentSink receives sell intents for the engine to drain on its next cycle.
type IntentSink interface {
	QueueSellIntents(intents []SellIntent)
}

// StatsSource hands over and resets the engine's signal counters.
type StatsSource interface {
	TakeSignalStats() SignalStats
}

// Learner is the parameter side the optimizer drives.
type Learner interface {
	Params() utilities.AdaptiveParams
	MaybeLearn(now time.Time)
	ApplyBalancePressure() error
	ResetToBaseline() error
	ArchiveOldTrades(now time.Time) (int64, error)
}

// Optimizer runs four maintenance tiers on independent cadences: an urgent
// position sweep, a signal-efficiency analysis, the parameter optimization
// pass, and a long-horizon restructure check. A panic in one tier is logged
// and never takes down the others.
type Optimizer struct {
	cfg       utilities.OptimizerConfig
	tradCfg   utilities.TradingConfig
	logger    *utilities.Logger
	positions PositionSource
	intents   IntentSink
	stats     StatsSource
	learner   Learner

	mu         sync.Mutex
	efficiency []float64 // rolling window, newest last
	raisedAcc  int
	failedAcc  int
}

func New(cfg utilities.OptimizerConfig, tradCfg utilities.TradingConfig, logger *utilities.Logger,
	positions PositionSource, intents IntentSink, stats StatsSource, learner Learner) *Optimizer {
	return &Optimizer{
		cfg:       cfg,
		tradCfg:   tradCfg,
		logger:    logger,
		positions: positions,
		intents:   intents,
		stats:     stats,
		learner:   learner,
	}
}

// StartScheduled runs all tiers until the context is cancelled.
func (o *Optimizer) StartScheduled(ctx context.Context, wg *sync.WaitGroup) {
	sweepEvery := minutesOr(o.cfg.SweepIntervalMin, 2)
	analysisEvery := minutesOr(o.cfg.AnalysisIntervalMin, 30)
	optimizeEvery := hoursOr(o.cfg.OptimizeIntervalHours, 2)
	restructureEvery := hoursOr(o.cfg.RestructureIntervalHrs, 24)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepTicker := time.NewTicker(sweepEvery)
		analysisTicker := time.NewTicker(analysisEvery)
		optimizeTicker := time.NewTicker(optimizeEvery)
		restructureTicker := time.NewTicker(restructureEvery)
		defer sweepTicker.Stop()
		defer analysisTicker.Stop()
		defer optimizeTicker.Stop()
		defer restructureTicker.Stop()

		o.logger.LogInfo("Optimizer: scheduler started (sweep=%v analysis=%v optimize=%v restructure=%v)",
			sweepEvery, analysisEvery, optimizeEvery, restructureEvery)

		for {
			select {
			case <-ctx.Done():
				o.logger.LogInfo("Optimizer: scheduler stopping")
				return
			case <-sweepTicker.C:
				o.runTier(ctx, "sweep", o.sweepPositions)
			case <-analysisTicker.C:
				o.runTier(ctx, "analysis", o.analyzeEfficiency)
			case <-optimizeTicker.C:
				o.runTier(ctx, "optimize", o.optimizeParameters)
			case <-restructureTicker.C:
				o.runTier(ctx, "restructure", o.restructureCheck)
			}
		}
	}()
}

func (o *Optimizer) runTier(ctx context.Context, name string, tier func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.LogError("Optimizer: %s tier panicked: %v", name, r)
		}
	}()
	tier(ctx)
}

// sweepPositions flags stale or profit-ripe positions for closing. Sell when
// profit reaches twice the target, when the hold time is used up, or when a
// day-old position has already met the target.
func (o *Optimizer) sweepPositions(ctx context.Context) {
	params := o.learner.Params()
	maxHold := o.tradCfg.MaxHoldHours
	if maxHold <= 0 {
		maxHold = 72
	}

	var intents []SellIntent
	for market, pos := range o.positions.OpenPositions() {
		profitRate, err := o.positions.PositionProfitRate(ctx, pos)
		if err != nil {
			o.logger.LogWarn("Optimizer: sweep could not price %s: %v", market, err)
			continue
		}
		holdHours := time.Since(pos.EntryTimestamp).Hours()

		var reason string
		switch {
		case profitRate >= params.MinProfitTarget*2:
			reason = "high_profit"
		case holdHours >= maxHold:
			reason = "hold_expired"
		case profitRate >= params.MinProfitTarget && holdHours >= 24:
			reason = "profit_target_aged"
		default:
			continue
		}
		intents = append(intents, SellIntent{
			Market:     market,
			Reason:     reason,
			ProfitRate: profitRate,
			HoldHours:  holdHours,
		})
	}

	if len(intents) > 0 {
		o.logger.LogInfo("Optimizer: sweep queueing %d sell intent(s)", len(intents))
		o.intents.QueueSellIntents(intents)
	}
}

// analyzeEfficiency folds the engine's latest signal counters into the
// rolling efficiency window and reclaims memory when the system runs hot.
func (o *Optimizer) analyzeEfficiency(ctx context.Context) {
	stats := o.stats.TakeSignalStats()

	o.mu.Lock()
	if stats.Raised > 0 {
		// Sweep-driven sells can fail on balance without raising a signal,
		// so the raw ratio may fall outside the unit interval.
		eff := utilities.Clamp(float64(stats.Raised-stats.BalanceFailures)/float64(stats.Raised), 0, 1)
		o.efficiency = append(o.efficiency, eff)
		window := o.windowSize()
		if len(o.efficiency) > window {
			o.efficiency = o.efficiency[len(o.efficiency)-window:]
		}
		o.logger.LogDebug("Optimizer: efficiency sample %.2f (raised=%d failed=%d)", eff, stats.Raised, stats.BalanceFailures)
	}
	o.raisedAcc += stats.Raised
	o.failedAcc += stats.BalanceFailures
	o.mu.Unlock()

	limit := o.cfg.MemoryLimitPercent
	if limit <= 0 {
		limit = 85
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	if vm.UsedPercent > limit {
		o.logger.LogWarn("Optimizer: memory usage %.1f%% over %.0f%%, reclaiming", vm.UsedPercent, limit)
		runtime.GC()
		if _, err := o.learner.ArchiveOldTrades(time.Now()); err != nil {
			o.logger.LogError("Optimizer: trade archive failed: %v", err)
		}
	}
}

// optimizeParameters triggers the learning pass and applies balance pressure
// when most raised signals since the last pass failed on funds.
func (o *Optimizer) optimizeParameters(ctx context.Context) {
	o.learner.MaybeLearn(time.Now())

	o.mu.Lock()
	raised, failed := o.raisedAcc, o.failedAcc
	o.raisedAcc, o.failedAcc = 0, 0
	o.mu.Unlock()

	if raised > 10 && float64(failed)/float64(raised) > 0.8 {
		o.logger.LogWarn("Optimizer: %d/%d signals failed on balance, applying pressure", failed, raised)
		if err := o.learner.ApplyBalancePressure(); err != nil {
			o.logger.LogError("Optimizer: balance pressure failed: %v", err)
		}
	}
}

// restructureCheck resets the parameters to the conservative baseline when a
// full efficiency window averages below the floor.
func (o *Optimizer) restructureCheck(ctx context.Context) {
	floor := o.cfg.EfficiencyFloor
	if floor <= 0 {
		floor = 0.10
	}

	o.mu.Lock()
	window := o.windowSize()
	full := len(o.efficiency) >= window
	var avg float64
	if len(o.efficiency) > 0 {
		var sum float64
		for _, e := range o.efficiency {
			sum += e
		}
		avg = sum / float64(len(o.efficiency))
	}
	if full && avg < floor {
		o.efficiency = o.efficiency[:0]
	}
	o.mu.Unlock()

	if !full {
		return
	}
	if avg >= floor {
		o.logger.LogDebug("Optimizer: restructure check ok (avg efficiency %.2f)", avg)
		return
	}
	o.logger.LogWarn("Optimizer: avg efficiency %.2f below %.2f across full window, restructuring", avg, floor)
	if err := o.learner.ResetToBaseline(); err != nil {
		o.logger.LogError("Optimizer: baseline reset failed: %v", err)
	}
}

func (o *Optimizer) windowSize() int {
	if o.cfg.EfficiencyWindow > 0 {
		return o.cfg.EfficiencyWindow
	}
	return 50
}

func minutesOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Minute
}

func hoursOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Hour
}

// File: pkg/optimizer/optimizer_test.go
package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eogh234/auto-coin/utilities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePositions struct {
	positions map[string]utilities.Position
	profits   map[string]float64
	priceErr  map[string]error
}

func (f *fakePositions) OpenPositions() map[string]utilities.Position {
	return f.positions
}

func (f *fakePositions) PositionProfitRate(ctx context.Context, pos utilities.Position) (float64, error) {
	if err := f.priceErr[pos.Market]; err != nil {
		return 0, err
	}
	return f.profits[pos.Market], nil
}

type fakeSink struct {
	queued []SellIntent
}

func (f *fakeSink) QueueSellIntents(intents []SellIntent) {
	f.queued = append(f.queued, intents...)
}

type fakeStats struct {
	next SignalStats
}

func (f *fakeStats) TakeSignalStats() SignalStats {
	s := f.next
	f.next = SignalStats{}
	return s
}

type fakeLearner struct {
	params        utilities.AdaptiveParams
	learnCalls    int
	pressureCalls int
	baselineCalls int
	archiveCalls  int
}

func (f *fakeLearner) Params() utilities.AdaptiveParams { return f.params }
func (f *fakeLearner) MaybeLearn(now time.Time)         { f.learnCalls++ }
func (f *fakeLearner) ApplyBalancePressure() error      { f.pressureCalls++; return nil }
func (f *fakeLearner) ResetToBaseline() error           { f.baselineCalls++; return nil }
func (f *fakeLearner) ArchiveOldTrades(now time.Time) (int64, error) {
	f.archiveCalls++
	return 0, nil
}

func testOptimizer(positions *fakePositions, sink *fakeSink, stats *fakeStats, learner *fakeLearner, window int) *Optimizer {
	cfg := utilities.OptimizerConfig{
		EfficiencyFloor:  0.10,
		EfficiencyWindow: window,
	}
	tradCfg := utilities.TradingConfig{MaxHoldHours: 72}
	logger := utilities.NewLogger(utilities.Error)
	return New(cfg, tradCfg, logger, positions, sink, stats, learner)
}

func pos(market string, age time.Duration) utilities.Position {
	return utilities.Position{
		Market:         market,
		EntryPrice:     100,
		EntryTimestamp: time.Now().Add(-age),
		Volume:         1,
		InvestAmount:   100,
	}
}

func TestSweep_HighProfitTriggersSell(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()} // target 0.02
	positions := &fakePositions{
		positions: map[string]utilities.Position{"KRW-BTC": pos("KRW-BTC", time.Hour)},
		profits:   map[string]float64{"KRW-BTC": 0.05}, // >= 2x target
	}
	sink := &fakeSink{}
	o := testOptimizer(positions, sink, &fakeStats{}, learner, 50)

	o.sweepPositions(context.Background())

	require.Len(t, sink.queued, 1)
	assert.Equal(t, "KRW-BTC", sink.queued[0].Market)
	assert.Equal(t, "high_profit", sink.queued[0].Reason)
}

func TestSweep_ExpiredHoldTriggersSell(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	positions := &fakePositions{
		positions: map[string]utilities.Position{"KRW-ETH": pos("KRW-ETH", 73*time.Hour)},
		profits:   map[string]float64{"KRW-ETH": -0.01},
	}
	sink := &fakeSink{}
	o := testOptimizer(positions, sink, &fakeStats{}, learner, 50)

	o.sweepPositions(context.Background())

	require.Len(t, sink.queued, 1)
	assert.Equal(t, "hold_expired", sink.queued[0].Reason)
}

func TestSweep_AgedTargetTriggersSell(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	positions := &fakePositions{
		positions: map[string]utilities.Position{"KRW-XRP": pos("KRW-XRP", 25*time.Hour)},
		profits:   map[string]float64{"KRW-XRP": 0.025}, // target met, held > 24h
	}
	sink := &fakeSink{}
	o := testOptimizer(positions, sink, &fakeStats{}, learner, 50)

	o.sweepPositions(context.Background())

	require.Len(t, sink.queued, 1)
	assert.Equal(t, "profit_target_aged", sink.queued[0].Reason)
}

func TestSweep_YoungProfitableHoldStays(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	positions := &fakePositions{
		positions: map[string]utilities.Position{"KRW-BTC": pos("KRW-BTC", 2*time.Hour)},
		profits:   map[string]float64{"KRW-BTC": 0.025}, // target met but young
	}
	sink := &fakeSink{}
	o := testOptimizer(positions, sink, &fakeStats{}, learner, 50)

	o.sweepPositions(context.Background())

	assert.Empty(t, sink.queued)
}

func TestSweep_PricingErrorSkipsPositionOnly(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	positions := &fakePositions{
		positions: map[string]utilities.Position{
			"KRW-BTC": pos("KRW-BTC", time.Hour),
			"KRW-ETH": pos("KRW-ETH", 80*time.Hour),
		},
		profits:  map[string]float64{"KRW-ETH": 0},
		priceErr: map[string]error{"KRW-BTC": errors.New("ticker down")},
	}
	sink := &fakeSink{}
	o := testOptimizer(positions, sink, &fakeStats{}, learner, 50)

	o.sweepPositions(context.Background())

	require.Len(t, sink.queued, 1)
	assert.Equal(t, "KRW-ETH", sink.queued[0].Market)
}

func TestRestructure_ResetsBaselineOnFullLowWindow(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	stats := &fakeStats{}
	o := testOptimizer(&fakePositions{}, &fakeSink{}, stats, learner, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		stats.next = SignalStats{Raised: 20, BalanceFailures: 19} // efficiency 0.05
		o.analyzeEfficiency(ctx)
	}

	o.restructureCheck(ctx)
	assert.Equal(t, 1, learner.baselineCalls)

	// Window was cleared: the very next check does not reset again.
	o.restructureCheck(ctx)
	assert.Equal(t, 1, learner.baselineCalls)
}

func TestAnalyzeEfficiency_SampleClampedToUnitInterval(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	stats := &fakeStats{}
	o := testOptimizer(&fakePositions{}, &fakeSink{}, stats, learner, 3)

	// Sweep sells bump balance failures without raising a signal, so the
	// failure count can exceed the raised count.
	stats.next = SignalStats{Raised: 2, BalanceFailures: 5}
	o.analyzeEfficiency(context.Background())

	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.efficiency, 1)
	assert.Equal(t, 0.0, o.efficiency[0])
}

func TestRestructure_PartialWindowNeverResets(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	stats := &fakeStats{}
	o := testOptimizer(&fakePositions{}, &fakeSink{}, stats, learner, 3)

	ctx := context.Background()
	stats.next = SignalStats{Raised: 20, BalanceFailures: 20}
	o.analyzeEfficiency(ctx)

	o.restructureCheck(ctx)
	assert.Zero(t, learner.baselineCalls)
}

func TestRestructure_HealthyWindowKeepsParams(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	stats := &fakeStats{}
	o := testOptimizer(&fakePositions{}, &fakeSink{}, stats, learner, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		stats.next = SignalStats{Raised: 10, BalanceFailures: 1}
		o.analyzeEfficiency(ctx)
	}

	o.restructureCheck(ctx)
	assert.Zero(t, learner.baselineCalls)
}

func TestOptimize_BalancePressureOnMostlyFailedSignals(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	stats := &fakeStats{}
	o := testOptimizer(&fakePositions{}, &fakeSink{}, stats, learner, 50)

	ctx := context.Background()
	stats.next = SignalStats{Raised: 20, BalanceFailures: 18}
	o.analyzeEfficiency(ctx)

	o.optimizeParameters(ctx)
	assert.Equal(t, 1, learner.learnCalls)
	assert.Equal(t, 1, learner.pressureCalls)

	// Counters were consumed; a quiet follow-up applies no pressure.
	o.optimizeParameters(ctx)
	assert.Equal(t, 1, learner.pressureCalls)
}

func TestOptimize_NoPressureOnHealthySignals(t *testing.T) {
	learner := &fakeLearner{params: utilities.DefaultAdaptiveParams()}
	stats := &fakeStats{}
	o := testOptimizer(&fakePositions{}, &fakeSink{}, stats, learner, 50)

	ctx := context.Background()
	stats.next = SignalStats{Raised: 20, BalanceFailures: 2}
	o.analyzeEfficiency(ctx)

	o.optimizeParameters(ctx)
	assert.Equal(t, 1, learner.learnCalls)
	assert.Zero(t, learner.pressureCalls)
}

func TestRunTier_PanicIsContained(t *testing.T) {
	o := testOptimizer(&fakePositions{}, &fakeSink{}, &fakeStats{}, &fakeLearner{}, 50)

	assert.NotPanics(t, func() {
		o.runTier(context.Background(), "boom", func(context.Context) {
			panic("tier exploded")
		})
	})
}

// File: pkg/learning/learning.go
package learning

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/eogh234/auto-coin/utilities"

	"github.com/shirou/gopsutil/v4/mem"
)

// Store is the durable backing for trade history and parameter snapshots.
type Store interface {
	InsertTrade(t utilities.TradeRecord) (int64, error)
	FinalizeTrade(market string, success bool, profitRate float64, holdDurationMin int) error
	ClosedTradesSince(cutoff time.Time) ([]utilities.TradeRecord, error)
	ArchiveTradesBefore(cutoff time.Time) (int64, error)
	SaveParams(p utilities.AdaptiveParams) error
	LatestParams() (utilities.AdaptiveParams, bool, error)
}

// System owns the adaptive parameters and the feedback loop that nudges them
// toward the profile of recently profitable trades. Reads are cheap copies;
// the learning pass itself runs under a non-blocking lock so overlapping
// triggers collapse into one run.
type System struct {
	store  Store
	cfg    utilities.LearningConfig
	logger *utilities.Logger

	paramsMu sync.RWMutex
	params   utilities.AdaptiveParams

	runMu            sync.Mutex
	lastLearningTime time.Time
}

func NewSystem(store Store, cfg utilities.LearningConfig, logger *utilities.Logger) *System {
	s := &System{
		store:  store,
		cfg:    cfg,
		logger: logger,
		params: utilities.DefaultAdaptiveParams(),
	}
	if persisted, ok, err := store.LatestParams(); err != nil {
		logger.LogWarn("Learning: failed to load persisted params, using defaults: %v", err)
	} else if ok {
		s.params = persisted.Clamped()
		logger.LogInfo("Learning: restored adaptive params (rsi_buy=%.1f boll_buy=%.2f)", s.params.RSIBuyThreshold, s.params.BollingerBuyRatio)
	}
	return s
}

// Params returns a copy of the current adaptive parameters.
func (s *System) Params() utilities.AdaptiveParams {
	s.paramsMu.RLock()
	defer s.paramsMu.RUnlock()
	return s.params
}

// RecordTrade appends one row to the trade history.
func (s *System) RecordTrade(t utilities.TradeRecord) error {
	if _, err := s.store.InsertTrade(t); err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// FinalizeTrade closes out the open BUY row for a market and schedules a
// learning pass.
func (s *System) FinalizeTrade(market string, success bool, profitRate float64, holdDurationMin int) error {
	if err := s.store.FinalizeTrade(market, success, profitRate, holdDurationMin); err != nil {
		return err
	}
	s.MaybeLearn(time.Now())
	return nil
}

// MaybeLearn runs a learning pass if the interval has elapsed and memory
// headroom allows. It never blocks: a pass already in flight wins.
func (s *System) MaybeLearn(now time.Time) {
	interval := time.Duration(s.cfg.IntervalHours * float64(time.Hour))
	if interval <= 0 {
		interval = time.Hour
	}
	if !s.runMu.TryLock() {
		return
	}
	if now.Sub(s.lastLearningTime) < interval || !s.memoryHeadroomOK() {
		s.runMu.Unlock()
		return
	}
	go func() {
		defer s.runMu.Unlock()
		s.learn(now)
	}()
}

// StartScheduled triggers learning passes on the configured interval so the
// loop still runs during quiet stretches with no closing trades.
func (s *System) StartScheduled(ctx context.Context, wg *sync.WaitGroup) {
	interval := time.Duration(s.cfg.IntervalHours * float64(time.Hour))
	if interval <= 0 {
		interval = time.Hour
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.LogInfo("Learning: scheduler started (interval %v)", interval)
		for {
			select {
			case <-ctx.Done():
				s.logger.LogInfo("Learning: scheduler stopping")
				return
			case <-ticker.C:
				s.MaybeLearn(time.Now())
			}
		}
	}()
}

func (s *System) memoryHeadroomOK() bool {
	vm, err := mem.VirtualMemory()
	if err != nil {
		s.logger.LogWarn("Learning: memory stats unavailable, skipping pass: %v", err)
		return false
	}
	threshold := s.cfg.MemoryThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	if vm.UsedPercent/100 > threshold {
		s.logger.LogWarn("Learning: memory usage %.1f%% over threshold, deferring pass", vm.UsedPercent)
		return false
	}
	return true
}

// learn blends the current thresholds toward the averages observed on
// profitable closed trades. Each dimension moves independently and only when
// it has enough samples; unchanged parameters are not re-persisted.
func (s *System) learn(now time.Time) {
	s.logger.LogInfo("Learning: adaptive pass starting")

	lookback := s.cfg.LookbackDays
	if lookback <= 0 {
		lookback = 7
	}
	cutoff := now.AddDate(0, 0, -lookback)
	trades, err := s.store.ClosedTradesSince(cutoff)
	if err != nil {
		s.logger.LogError("Learning: failed to load closed trades: %v", err)
		return
	}

	minTrades := s.cfg.MinTrades
	if minTrades <= 0 {
		minTrades = 10
	}
	if len(trades) < minTrades {
		s.logger.LogInfo("Learning: %d closed trade(s) < %d minimum, skipping", len(trades), minTrades)
		s.lastLearningTime = now
		return
	}

	updated := s.Optimize(s.Params(), trades)

	if updated != s.Params() {
		s.paramsMu.Lock()
		s.params = updated
		s.paramsMu.Unlock()
		if err := s.store.SaveParams(updated); err != nil {
			s.logger.LogError("Learning: failed to persist updated params: %v", err)
		} else {
			s.logger.LogInfo("Learning: params updated (rsi_buy=%.1f boll_buy=%.2f)", updated.RSIBuyThreshold, updated.BollingerBuyRatio)
		}
	}

	s.lastLearningTime = now
	s.logger.LogInfo("Learning: adaptive pass complete (%d trade(s) analyzed)", len(trades))
}

// Optimize computes the blended parameter set from closed trades without
// touching system state. Exposed for the scheduled optimization tier.
func (s *System) Optimize(current utilities.AdaptiveParams, trades []utilities.TradeRecord) utilities.AdaptiveParams {
	minHits := s.cfg.MinDimensionHits
	if minHits <= 0 {
		minHits = 5
	}

	var rsiWins, bollWins []float64
	for _, t := range trades {
		if !t.Closed() || !*t.Success || t.ProfitRate == nil || *t.ProfitRate <= 0 {
			continue
		}
		if t.RSI > 0 {
			rsiWins = append(rsiWins, t.RSI)
		}
		if t.BollingerPosition > 0 {
			bollWins = append(bollWins, t.BollingerPosition)
		}
	}

	updated := current
	if len(rsiWins) >= minHits {
		blended := current.RSIBuyThreshold*0.8 + average(rsiWins)*0.2
		updated.RSIBuyThreshold = utilities.RoundTo(utilities.Clamp(blended, 20, 40), 1)
	}
	if len(bollWins) >= minHits {
		blended := current.BollingerBuyRatio*0.8 + average(bollWins)*0.2
		updated.BollingerBuyRatio = utilities.RoundTo(utilities.Clamp(blended, 0.1, 0.3), 2)
	}
	return updated
}

// ResetToBaseline replaces the params with the conservative baseline. Used by
// the restructure tier when trade efficiency stays below the floor.
func (s *System) ResetToBaseline() error {
	baseline := utilities.ConservativeBaseline()
	s.paramsMu.Lock()
	s.params = baseline
	s.paramsMu.Unlock()
	if err := s.store.SaveParams(baseline); err != nil {
		return fmt.Errorf("failed to persist baseline params: %w", err)
	}
	s.logger.LogWarn("Learning: params reset to conservative baseline")
	return nil
}

// ApplyBalancePressure loosens entry and lowers the profit target when most
// cycles are failing on insufficient quote balance.
func (s *System) ApplyBalancePressure() error {
	s.paramsMu.Lock()
	p := s.params
	p.RSIBuyThreshold = math.Min(35, p.RSIBuyThreshold+2)
	p.MinProfitTarget = math.Max(0.015, p.MinProfitTarget-0.002)
	p = p.Clamped()
	changed := p != s.params
	s.params = p
	s.paramsMu.Unlock()

	if !changed {
		return nil
	}
	if err := s.store.SaveParams(p); err != nil {
		return fmt.Errorf("failed to persist pressure-adjusted params: %w", err)
	}
	s.logger.LogInfo("Learning: balance pressure applied (rsi_buy=%.1f min_profit=%.3f)", p.RSIBuyThreshold, p.MinProfitTarget)
	return nil
}

// ArchiveOldTrades prunes finalized history older than the archive horizon.
func (s *System) ArchiveOldTrades(now time.Time) (int64, error) {
	days := s.cfg.ArchiveDays
	if days <= 0 {
		days = 90
	}
	removed, err := s.store.ArchiveTradesBefore(now.AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("failed to archive trades: %w", err)
	}
	if removed > 0 {
		s.logger.LogInfo("Learning: archived %d old trade row(s)", removed)
	}
	return removed, nil
}

// PerformanceReport summarizes closed trades over the report window.
type PerformanceReport struct {
	PeriodDays    int
	TotalTrades   int
	SuccessRate   float64
	AvgProfitRate float64
	BestTrade     float64
	WorstTrade    float64
	CurrentParams utilities.AdaptiveParams
	MemoryPercent float64
}

// Report builds a performance summary over the last days of closed trades.
func (s *System) Report(now time.Time, days int) (PerformanceReport, error) {
	if days <= 0 {
		days = 7
	}
	report := PerformanceReport{
		PeriodDays:    days,
		CurrentParams: s.Params(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemoryPercent = vm.UsedPercent
	}

	trades, err := s.store.ClosedTradesSince(now.AddDate(0, 0, -days))
	if err != nil {
		return report, fmt.Errorf("failed to load closed trades for report: %w", err)
	}
	if len(trades) == 0 {
		return report, nil
	}

	report.TotalTrades = len(trades)
	best := math.Inf(-1)
	worst := math.Inf(1)
	var wins int
	var profitSum float64
	for _, t := range trades {
		if *t.Success {
			wins++
		}
		rate := *t.ProfitRate
		profitSum += rate
		if rate > best {
			best = rate
		}
		if rate < worst {
			worst = rate
		}
	}
	report.SuccessRate = float64(wins) / float64(len(trades))
	report.AvgProfitRate = profitSum / float64(len(trades))
	report.BestTrade = best
	report.WorstTrade = worst
	return report, nil
}

func average(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// File: pkg/ledger/ledger.go
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/eogh234/auto-coin/utilities"
)

// Store is the durable backing the ledger writes through to.
type Store interface {
	LoadPositions() (map[string]*utilities.Position, error)
	SavePosition(pos *utilities.Position) error
	DeletePosition(market string) error
	LoadDailyCounters(day string) (utilities.DailyCounters, error)
	SaveDailyCounters(counters utilities.DailyCounters) error
}

// Ledger is the in-memory working copy of open positions and the day's
// counters. Every mutation writes through to the store before the in-memory
// state changes, so a crash can lose at most the mutation in flight.
type Ledger struct {
	mu        sync.RWMutex
	store     Store
	logger    *utilities.Logger
	positions map[string]*utilities.Position
	counters  utilities.DailyCounters
}

// NewLedger loads persisted state. Unreadable position state is treated as
// corrupt: the ledger starts empty and relies on the next exchange sync to
// surface any divergence.
func NewLedger(store Store, logger *utilities.Logger, now time.Time) (*Ledger, error) {
	l := &Ledger{
		store:     store,
		logger:    logger,
		positions: make(map[string]*utilities.Position),
	}

	positions, err := store.LoadPositions()
	if err != nil {
		logger.LogWarn("Ledger: position state unreadable, starting empty: %v", err)
	} else {
		l.positions = positions
	}

	day := utilities.DayKey(now)
	counters, err := store.LoadDailyCounters(day)
	if err != nil {
		logger.LogWarn("Ledger: daily counters unreadable for %s, starting at zero: %v", day, err)
		counters = utilities.DailyCounters{Day: day}
	}
	l.counters = counters

	logger.LogInfo("Ledger: loaded %d open position(s), %d trade(s) today", len(l.positions), counters.TradeCount)
	return l, nil
}

// Position returns a copy of the open position for a market, if any.
func (l *Ledger) Position(market string) (utilities.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[market]
	if !ok {
		return utilities.Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of every open position keyed by market.
func (l *Ledger) Positions() map[string]utilities.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]utilities.Position, len(l.positions))
	for market, pos := range l.positions {
		out[market] = *pos
	}
	return out
}

// OpenPositionCount returns the number of markets currently holding exposure.
func (l *Ledger) OpenPositionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// SetPosition persists and then records a new open position. A position that
// cannot be persisted is not held in memory either.
func (l *Ledger) SetPosition(pos utilities.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.SavePosition(&pos); err != nil {
		return fmt.Errorf("failed to persist position for %s: %w", pos.Market, err)
	}
	l.positions[pos.Market] = &pos
	return nil
}

// RemovePosition deletes a position durably and in memory.
func (l *Ledger) RemovePosition(market string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.DeletePosition(market); err != nil {
		return fmt.Errorf("failed to delete position for %s: %w", market, err)
	}
	delete(l.positions, market)
	return nil
}

// Counters returns the counters for the calendar day containing now,
// rolling over to a fresh zeroed day when the date has changed.
func (l *Ledger) Counters(now time.Time) utilities.DailyCounters {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)
	return l.counters
}

// RecordTrade bumps the day's trade count and realized profit, rolling the
// day over first when needed.
func (l *Ledger) RecordTrade(now time.Time, realizedProfit float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)
	updated := l.counters
	updated.TradeCount++
	updated.RealizedProfit += realizedProfit
	if err := l.store.SaveDailyCounters(updated); err != nil {
		return fmt.Errorf("failed to persist daily counters: %w", err)
	}
	l.counters = updated
	return nil
}

// CanTrade reports whether the daily trade cap still has room.
func (l *Ledger) CanTrade(now time.Time, maxDailyTrades int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)
	return l.counters.TradeCount < maxDailyTrades
}

func (l *Ledger) rolloverLocked(now time.Time) {
	day := utilities.DayKey(now)
	if l.counters.Day == day {
		return
	}
	l.logger.LogInfo("Ledger: day rollover %s -> %s (trades=%d profit=%.0f)",
		l.counters.Day, day, l.counters.TradeCount, l.counters.RealizedProfit)
	l.counters = utilities.DailyCounters{Day: day}
	if err := l.store.SaveDailyCounters(l.counters); err != nil {
		l.logger.LogWarn("Ledger: failed to persist rolled-over counters: %v", err)
	}
}

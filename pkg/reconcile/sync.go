// File: pkg/reconcile/sync.go
package reconcile

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/eogh234/auto-coin/pkg/broker"
	"github.com/eogh234/auto-coin/utilities"
)

// holdingsEpsilon absorbs float drift between local volume math and the
// exchange's string-decimal balances.
const holdingsEpsilon = 1e-6

// Store is the mirror side of reconciliation.
type Store interface {
	InsertOrderIfAbsent(o broker.Order) (bool, error)
	InsertTransferIfAbsent(t broker.Transfer) (bool, error)
	SaveBalanceSnapshot(takenAt time.Time, rows []utilities.BalanceSnapshotRow) error
	LatestBalanceSnapshot() (time.Time, []utilities.BalanceSnapshotRow, error)
	UpdateSyncStatus(kind string, at time.Time, result string) error
	LastSyncedAt(kind string) (time.Time, error)
	SumTransfers(kind, currency string) (float64, error)
	RealizedPnL() (float64, error)
	SavePerformance(p utilities.InvestmentPerformance) error
}

// PositionView exposes the ledger's open positions for validation.
type PositionView interface {
	Positions() map[string]utilities.Position
}

// Notifier carries validation findings out of band. May be nil.
type Notifier interface {
	Notify(title, message string)
}

// SyncManager pulls exchange history into the local mirror and validates the
// local ledger against exchange balances. The exchange is ground truth:
// divergence is reported, never papered over by rewriting local state.
type SyncManager struct {
	broker   broker.Broker
	store    Store
	ledger   PositionView
	notifier Notifier
	cfg      utilities.SyncConfig
	tradCfg  utilities.TradingConfig
	logger   *utilities.Logger
}

func NewSyncManager(b broker.Broker, store Store, ledger PositionView, notifier Notifier,
	cfg utilities.SyncConfig, tradCfg utilities.TradingConfig, logger *utilities.Logger) *SyncManager {
	return &SyncManager{
		broker:   b,
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		cfg:      cfg,
		tradCfg:  tradCfg,
		logger:   logger,
	}
}

// SyncAll runs one full mirror pass: closed orders per market, deposits,
// withdrawals, and a fresh balance snapshot. Each stream fails independently.
func (m *SyncManager) SyncAll(ctx context.Context) error {
	now := time.Now()
	var errs []string

	if err := m.syncOrders(ctx, now); err != nil {
		errs = append(errs, err.Error())
	}
	if err := m.syncTransfers(ctx, now); err != nil {
		errs = append(errs, err.Error())
	}
	if err := m.snapshotBalances(ctx, now); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("sync completed with errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m *SyncManager) syncOrders(ctx context.Context, now time.Time) error {
	since, err := m.store.LastSyncedAt("orders")
	if err != nil {
		m.logger.LogWarn("Sync: order cursor unreadable, pulling full pages: %v", err)
		since = time.Time{}
	}

	var inserted int
	for _, market := range m.tradCfg.Markets {
		orders, err := m.broker.ListClosedOrders(ctx, market, since)
		if err != nil {
			if serr := m.store.UpdateSyncStatus("orders", now, fmt.Sprintf("error: %v", err)); serr != nil {
				m.logger.LogWarn("Sync: order status write failed: %v", serr)
			}
			return fmt.Errorf("order sync for %s failed: %w", market, err)
		}
		for _, o := range orders {
			isNew, err := m.store.InsertOrderIfAbsent(o)
			if err != nil {
				return fmt.Errorf("order mirror write failed: %w", err)
			}
			if isNew {
				inserted++
			}
		}
	}

	m.logger.LogInfo("Sync: orders mirrored, %d new row(s)", inserted)
	return m.store.UpdateSyncStatus("orders", now, fmt.Sprintf("ok: %d new", inserted))
}

func (m *SyncManager) syncTransfers(ctx context.Context, now time.Time) error {
	since, err := m.store.LastSyncedAt("transfers")
	if err != nil {
		since = time.Time{}
	}

	deposits, err := m.broker.ListDeposits(ctx, since)
	if err != nil {
		if serr := m.store.UpdateSyncStatus("transfers", now, fmt.Sprintf("error: %v", err)); serr != nil {
			m.logger.LogWarn("Sync: transfer status write failed: %v", serr)
		}
		return fmt.Errorf("deposit sync failed: %w", err)
	}
	withdrawals, err := m.broker.ListWithdrawals(ctx, since)
	if err != nil {
		if serr := m.store.UpdateSyncStatus("transfers", now, fmt.Sprintf("error: %v", err)); serr != nil {
			m.logger.LogWarn("Sync: transfer status write failed: %v", serr)
		}
		return fmt.Errorf("withdrawal sync failed: %w", err)
	}

	var inserted int
	for _, t := range append(deposits, withdrawals...) {
		isNew, err := m.store.InsertTransferIfAbsent(t)
		if err != nil {
			return fmt.Errorf("transfer mirror write failed: %w", err)
		}
		if isNew {
			inserted++
		}
	}

	m.logger.LogInfo("Sync: transfers mirrored, %d new row(s)", inserted)
	return m.store.UpdateSyncStatus("transfers", now, fmt.Sprintf("ok: %d new", inserted))
}

func (m *SyncManager) snapshotBalances(ctx context.Context, now time.Time) error {
	balances, err := m.broker.GetAllBalances(ctx)
	if err != nil {
		if serr := m.store.UpdateSyncStatus("balances", now, fmt.Sprintf("error: %v", err)); serr != nil {
			m.logger.LogWarn("Sync: balance status write failed: %v", serr)
		}
		return fmt.Errorf("balance snapshot failed: %w", err)
	}

	quote := m.quoteCurrency()
	rows := make([]utilities.BalanceSnapshotRow, 0, len(balances))
	for _, b := range balances {
		row := utilities.BalanceSnapshotRow{
			Currency:    b.Currency,
			Balance:     b.Available,
			Locked:      b.Locked,
			AvgBuyPrice: b.AvgBuyPrice,
		}
		if b.Currency == quote {
			row.CurrentPrice = 1
			row.KRWValue = b.Total()
		} else {
			price, err := m.broker.GetCurrentPrice(ctx, quote+"-"+b.Currency)
			if err != nil {
				// Delisted dust still belongs in the snapshot, valued at zero.
				m.logger.LogWarn("Sync: no price for %s, valuing at zero: %v", b.Currency, err)
			} else {
				row.CurrentPrice = price
				row.KRWValue = b.Total() * price
			}
		}
		rows = append(rows, row)
	}

	if err := m.store.SaveBalanceSnapshot(now, rows); err != nil {
		return fmt.Errorf("snapshot write failed: %w", err)
	}
	m.logger.LogInfo("Sync: balance snapshot saved (%d currencies)", len(rows))
	return m.store.UpdateSyncStatus("balances", now, fmt.Sprintf("ok: %d rows", len(rows)))
}

// SnapshotNow takes an immediate balance snapshot outside the schedule. Used
// right after trade execution so the portfolio record reflects the fill.
func (m *SyncManager) SnapshotNow(ctx context.Context) error {
	return m.snapshotBalances(ctx, time.Now())
}

// ValidateHoldings compares every open ledger position against the exchange
// balance for its base currency and reports divergence.
func (m *SyncManager) ValidateHoldings(ctx context.Context) ([]string, error) {
	balances, err := m.broker.GetAllBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("validation balance fetch failed: %w", err)
	}
	held := make(map[string]float64, len(balances))
	for _, b := range balances {
		held[b.Currency] = b.Total()
	}

	quotePrefix := m.quoteCurrency() + "-"
	ledgerVol := make(map[string]float64)
	for market, pos := range m.ledger.Positions() {
		ledgerVol[strings.TrimPrefix(market, quotePrefix)] = pos.Volume
	}

	var mismatches []string
	for base, vol := range ledgerVol {
		holding := held[base]
		if math.Abs(holding-vol) > holdingsEpsilon {
			mismatches = append(mismatches,
				fmt.Sprintf("%s%s: exchange holds %.8f, ledger records %.8f", quotePrefix, base, holding, vol))
		}
	}
	// Holdings the ledger never recorded are drift too: a manual transfer,
	// or a fill whose position write failed after the order went through.
	for _, market := range m.tradCfg.Markets {
		base := strings.TrimPrefix(market, quotePrefix)
		if _, tracked := ledgerVol[base]; tracked {
			continue
		}
		if holding := held[base]; holding > holdingsEpsilon {
			mismatches = append(mismatches,
				fmt.Sprintf("%s: exchange holds %.8f with no ledger position", market, holding))
		}
	}

	now := time.Now()
	if len(mismatches) == 0 {
		m.logger.LogInfo("Sync: holdings validation clean")
		if err := m.store.UpdateSyncStatus("validation", now, "ok"); err != nil {
			m.logger.LogWarn("Sync: validation status write failed: %v", err)
		}
		return nil, nil
	}

	for _, msg := range mismatches {
		m.logger.LogWarn("Sync: holdings mismatch: %s", msg)
	}
	if m.notifier != nil {
		m.notifier.Notify("Holdings mismatch", strings.Join(mismatches, "\n"))
	}
	if err := m.store.UpdateSyncStatus("validation", now, fmt.Sprintf("mismatch: %d", len(mismatches))); err != nil {
		m.logger.LogWarn("Sync: validation status write failed: %v", err)
	}

	// Local state diverged, so re-derive the portfolio view from the
	// exchange: fresh snapshot, then a full performance recomputation.
	if err := m.snapshotBalances(ctx, now); err != nil {
		m.logger.LogWarn("Sync: post-mismatch snapshot failed: %v", err)
	} else if _, err := m.CalculatePerformance(ctx); err != nil {
		m.logger.LogWarn("Sync: post-mismatch performance recalculation failed: %v", err)
	}
	return mismatches, nil
}

// CalculatePerformance recomputes the investment performance record in full
// from the transfer mirror and the latest balance snapshot, and appends it.
func (m *SyncManager) CalculatePerformance(ctx context.Context) (utilities.InvestmentPerformance, error) {
	quote := m.quoteCurrency()

	deposits, err := m.store.SumTransfers("deposit", quote)
	if err != nil {
		return utilities.InvestmentPerformance{}, err
	}
	withdrawals, err := m.store.SumTransfers("withdraw", quote)
	if err != nil {
		return utilities.InvestmentPerformance{}, err
	}
	realized, err := m.store.RealizedPnL()
	if err != nil {
		return utilities.InvestmentPerformance{}, err
	}

	takenAt, rows, err := m.store.LatestBalanceSnapshot()
	if err != nil {
		return utilities.InvestmentPerformance{}, err
	}
	if takenAt.IsZero() {
		if err := m.snapshotBalances(ctx, time.Now()); err != nil {
			return utilities.InvestmentPerformance{}, err
		}
		_, rows, err = m.store.LatestBalanceSnapshot()
		if err != nil {
			return utilities.InvestmentPerformance{}, err
		}
	}

	var portfolioValue float64
	for _, r := range rows {
		portfolioValue += r.KRWValue
	}

	perf := utilities.InvestmentPerformance{
		CalculatedAt:     time.Now(),
		TotalDeposits:    deposits,
		TotalWithdrawals: withdrawals,
		NetInvestment:    deposits - withdrawals,
		PortfolioValue:   portfolioValue,
		RealizedPnL:      realized,
	}
	// Realized profit is already reflected in portfolio value, so the
	// unrealized figure against net investment is the total figure too.
	perf.UnrealizedPnL = portfolioValue - perf.NetInvestment
	perf.TotalPnL = perf.UnrealizedPnL
	if perf.NetInvestment > 0 {
		perf.ROIPercent = perf.TotalPnL / perf.NetInvestment * 100
	}

	if err := m.store.SavePerformance(perf); err != nil {
		return perf, fmt.Errorf("failed to append performance record: %w", err)
	}
	m.logger.LogInfo("Sync: performance recalculated (net=%.0f value=%.0f roi=%.2f%%)",
		perf.NetInvestment, perf.PortfolioValue, perf.ROIPercent)
	return perf, nil
}

// StartScheduled runs the mirror pass and the validation pass on independent
// cadences until the context is cancelled.
func (m *SyncManager) StartScheduled(ctx context.Context, wg *sync.WaitGroup) {
	syncEvery := time.Duration(m.cfg.IntervalMin) * time.Minute
	if syncEvery <= 0 {
		syncEvery = 30 * time.Minute
	}
	validateEvery := time.Duration(m.cfg.ValidationIntervalMin) * time.Minute
	if validateEvery <= 0 {
		validateEvery = time.Hour
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		syncTicker := time.NewTicker(syncEvery)
		validateTicker := time.NewTicker(validateEvery)
		defer syncTicker.Stop()
		defer validateTicker.Stop()

		m.logger.LogInfo("Sync: scheduler started (sync=%v validation=%v)", syncEvery, validateEvery)
		for {
			select {
			case <-ctx.Done():
				m.logger.LogInfo("Sync: scheduler stopping")
				return
			case <-syncTicker.C:
				if err := m.SyncAll(ctx); err != nil {
					m.logger.LogError("Sync: scheduled pass failed: %v", err)
				} else if _, err := m.CalculatePerformance(ctx); err != nil {
					m.logger.LogError("Sync: performance recalculation failed: %v", err)
				}
			case <-validateTicker.C:
				if _, err := m.ValidateHoldings(ctx); err != nil {
					m.logger.LogError("Sync: scheduled validation failed: %v", err)
				}
			}
		}
	}()
}

func (m *SyncManager) quoteCurrency() string {
	if m.tradCfg.QuoteCurrency != "" {
		return m.tradCfg.QuoteCurrency
	}
	return "KRW"
}

// File: pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eogh234/auto-coin/notification/discord"
	"github.com/eogh234/auto-coin/pkg/broker/upbit"
	"github.com/eogh234/auto-coin/pkg/ledger"
	"github.com/eogh234/auto-coin/pkg/learning"
	"github.com/eogh234/auto-coin/pkg/optimizer"
	"github.com/eogh234/auto-coin/pkg/reconcile"
	"github.com/eogh234/auto-coin/store"
	"github.com/eogh234/auto-coin/utilities"
)

// Run wires every component and drives the trading loop until the context is
// cancelled. Background schedulers are joined before it returns.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	db, err := store.NewSQLiteStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer db.Close()

	adapter, err := upbit.NewAdapter(&cfg.Upbit, logger)
	if err != nil {
		return fmt.Errorf("failed to build exchange adapter: %w", err)
	}

	led, err := ledger.NewLedger(db, logger, time.Now())
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	learn := learning.NewSystem(db, cfg.Learning, logger)
	notifier := discord.NewClient(cfg.Discord, logger)

	syncMgr := reconcile.NewSyncManager(adapter, db, led, notifier, cfg.Sync, cfg.Trading, logger)
	engine := NewEngine(cfg, logger, adapter, led, learn, notifier)
	engine.SetAfterTradeHook(func(ctx context.Context) {
		if err := syncMgr.SnapshotNow(ctx); err != nil {
			logger.LogWarn("App: post-trade balance snapshot failed: %v", err)
		}
	})
	opt := optimizer.New(cfg.Optimizer, cfg.Trading, logger, engine, engine, engine, learn)

	// Reconcile against the exchange before trading on local state.
	if err := syncMgr.SyncAll(ctx); err != nil {
		logger.LogWarn("App: initial exchange sync incomplete: %v", err)
	}
	if mismatches, err := syncMgr.ValidateHoldings(ctx); err != nil {
		logger.LogWarn("App: initial holdings validation failed: %v", err)
	} else if len(mismatches) > 0 {
		logger.LogWarn("App: starting with %d holdings mismatch(es), exchange is authoritative", len(mismatches))
	}

	var wg sync.WaitGroup
	syncMgr.StartScheduled(ctx, &wg)
	opt.StartScheduled(ctx, &wg)
	learn.StartScheduled(ctx, &wg)

	notifier.SendMessage(fmt.Sprintf("🚀 **auto-coin starting** — markets: %v, open positions: %d",
		cfg.Trading.Markets, led.OpenPositionCount()))

	engine.Run(ctx)

	wg.Wait()
	sendShutdownSummary(led, learn, notifier, logger)
	return nil
}

func sendShutdownSummary(led *ledger.Ledger, learn *learning.System, notifier *discord.Client, logger *utilities.Logger) {
	counters := led.Counters(time.Now())
	summary := fmt.Sprintf("Trades today: %d\nRealized profit: %+.0f KRW", counters.TradeCount, counters.RealizedProfit)
	if report, err := learn.Report(time.Now(), 1); err == nil && report.TotalTrades > 0 {
		summary += fmt.Sprintf("\nClosed trades analyzed: %d (win rate %.0f%%)", report.TotalTrades, report.SuccessRate*100)
	}
	notifier.NotifyColored("⏹️ Trading bot stopped", summary, discord.ColorOrange)
	logger.LogInfo("App: shutdown complete")
}

// RunSyncOnce performs a single reconciliation pass and prints nothing: the
// log is the output. Used by the sync subcommand.
func RunSyncOnce(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	db, err := store.NewSQLiteStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer db.Close()

	adapter, err := upbit.NewAdapter(&cfg.Upbit, logger)
	if err != nil {
		return fmt.Errorf("failed to build exchange adapter: %w", err)
	}
	led, err := ledger.NewLedger(db, logger, time.Now())
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	syncMgr := reconcile.NewSyncManager(adapter, db, led, nil, cfg.Sync, cfg.Trading, logger)
	if err := syncMgr.SyncAll(ctx); err != nil {
		return err
	}
	if _, err := syncMgr.ValidateHoldings(ctx); err != nil {
		return err
	}
	perf, err := syncMgr.CalculatePerformance(ctx)
	if err != nil {
		return err
	}
	logger.LogInfo("App: sync pass complete (net=%.0f value=%.0f total=%+.0f roi=%.2f%%)",
		perf.NetInvestment, perf.PortfolioValue, perf.TotalPnL, perf.ROIPercent)
	return nil
}

// BuildReport loads the stores and produces the trade report plus the latest
// investment performance record for the report subcommand. hasPerf is false
// when no reconciliation pass has run yet.
func BuildReport(cfg *utilities.AppConfig, logger *utilities.Logger, days int) (learning.PerformanceReport, utilities.InvestmentPerformance, bool, error) {
	db, err := store.NewSQLiteStore(cfg.DB)
	if err != nil {
		return learning.PerformanceReport{}, utilities.InvestmentPerformance{}, false, fmt.Errorf("failed to open state store: %w", err)
	}
	defer db.Close()

	learn := learning.NewSystem(db, cfg.Learning, logger)
	report, err := learn.Report(time.Now(), days)
	if err != nil {
		return report, utilities.InvestmentPerformance{}, false, err
	}
	perf, hasPerf, err := db.LatestPerformance()
	if err != nil {
		logger.LogWarn("App: latest performance record unreadable: %v", err)
		return report, utilities.InvestmentPerformance{}, false, nil
	}
	return report, perf, hasPerf, nil
}

// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eogh234/auto-coin/pkg/app"
	"github.com/eogh234/auto-coin/utilities"
)

var (
	cfgFile    string
	cfg        utilities.AppConfig
	logger     *utilities.Logger
	reportDays int
)

// rootCmd runs the trading loop until interrupted.
var rootCmd = &cobra.Command{
	Use:   "auto-coin",
	Short: "Adaptive KRW trading bot for Upbit",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setConfigDefaults()

		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("json")
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		level, err := utilities.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger = utilities.NewLogger(level)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			logger.LogWarn("Received signal: %v, initiating graceful shutdown.", sig)
			cancel()
		}()

		if err := app.Run(ctx, &cfg, logger); err != nil {
			logger.LogFatal("App: %v", err)
		}
		return nil
	},
}

// syncCmd runs one full reconciliation pass and exits.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one exchange reconciliation pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunSyncOnce(context.Background(), &cfg, logger)
	},
}

// reportCmd prints the recent performance summary.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the recent trading performance report",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, perf, hasPerf, err := app.BuildReport(&cfg, logger, reportDays)
		if err != nil {
			return err
		}
		fmt.Printf("Performance over the last %d day(s)\n", report.PeriodDays)
		fmt.Printf("  Closed trades : %d\n", report.TotalTrades)
		fmt.Printf("  Win rate      : %.1f%%\n", report.SuccessRate*100)
		fmt.Printf("  Avg profit    : %.2f%%\n", report.AvgProfitRate*100)
		fmt.Printf("  Best / worst  : %.2f%% / %.2f%%\n", report.BestTrade*100, report.WorstTrade*100)
		fmt.Printf("  Memory usage  : %.1f%%\n", report.MemoryPercent)
		p := report.CurrentParams
		fmt.Printf("Current parameters\n")
		fmt.Printf("  rsi buy/sell  : %.1f / %.1f\n", p.RSIBuyThreshold, p.RSISellThreshold)
		fmt.Printf("  band buy/sell : %.2f / %.2f\n", p.BollingerBuyRatio, p.BollingerSellRatio)
		fmt.Printf("  profit target : %.1f%%  stop loss: %.1f%%\n", p.MinProfitTarget*100, p.StopLossThreshold*100)
		if hasPerf {
			fmt.Printf("Investment (as of %s)\n", perf.CalculatedAt.Format("2006-01-02 15:04"))
			fmt.Printf("  net invested  : %.0f KRW\n", perf.NetInvestment)
			fmt.Printf("  portfolio     : %.0f KRW\n", perf.PortfolioValue)
			fmt.Printf("  total p&l     : %+.0f KRW (roi %.2f%%)\n", perf.TotalPnL, perf.ROIPercent)
		}
		return nil
	},
}

func setConfigDefaults() {
	viper.SetDefault("app_name", "auto-coin")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("database.database_path", "data/auto-coin.db")

	viper.SetDefault("upbit.base_url", "https://api.upbit.com")
	viper.SetDefault("upbit.request_timeout_sec", 15)
	viper.SetDefault("upbit.max_retries", 2)
	viper.SetDefault("upbit.retry_delay_sec", 2)
	viper.SetDefault("upbit.rate_limit_per_sec", 8)
	viper.SetDefault("upbit.rate_limit_burst", 5)

	viper.SetDefault("trading.markets", []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"})
	viper.SetDefault("trading.quote_currency", "KRW")
	viper.SetDefault("trading.max_daily_trades", 50)
	viper.SetDefault("trading.min_quote_balance", 50000)
	viper.SetDefault("trading.investment_ratio", 0.1)
	viper.SetDefault("trading.commission_rate", 0.0005)
	viper.SetDefault("trading.candle_interval_min", 5)
	viper.SetDefault("trading.candle_count", 100)
	viper.SetDefault("trading.cycle_target_sec", 60)
	viper.SetDefault("trading.cycle_floor_sec", 30)
	viper.SetDefault("trading.trade_pause_sec", 2)
	viper.SetDefault("trading.max_hold_hours", 72)

	viper.SetDefault("learning.learning_interval_hours", 1)
	viper.SetDefault("learning.memory_threshold", 0.85)
	viper.SetDefault("learning.min_trades_for_learning", 10)
	viper.SetDefault("learning.min_samples_per_dimension", 5)
	viper.SetDefault("learning.lookback_days", 7)
	viper.SetDefault("learning.archive_days", 90)

	viper.SetDefault("sync.interval_min", 30)
	viper.SetDefault("sync.validation_interval_min", 60)
	viper.SetDefault("sync.order_page_limit", 100)
	viper.SetDefault("sync.transfer_page_limit", 100)

	viper.SetDefault("optimizer.sweep_interval_min", 2)
	viper.SetDefault("optimizer.analysis_interval_min", 30)
	viper.SetDefault("optimizer.optimize_interval_hours", 2)
	viper.SetDefault("optimizer.restructure_interval_hours", 24)
	viper.SetDefault("optimizer.efficiency_floor", 0.10)
	viper.SetDefault("optimizer.efficiency_window", 50)
	viper.SetDefault("optimizer.memory_limit_percent", 85)

	viper.SetDefault("discord.notification_cooldown_sec", 60)
	viper.SetDefault("discord.status_report_interval_sec", 3600)
}

// Execute runs the root command.
func Execute() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.json", "config file path")
	reportCmd.Flags().IntVar(&reportDays, "days", 7, "report window in days")
	rootCmd.AddCommand(syncCmd, reportCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package utilities

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[auto-coin] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// ParseLogLevel converts a string log level to the LogLevel type.
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level string: %s", levelStr)
	}
}

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName     string          `mapstructure:"app_name"`
	Version     string          `mapstructure:"version"`
	Environment string          `mapstructure:"environment"`
	Upbit       UpbitConfig     `mapstructure:"upbit"`
	Discord     DiscordConfig   `mapstructure:"discord"`
	DB          DatabaseConfig  `mapstructure:"database"`
	Trading     TradingConfig   `mapstructure:"trading"`
	Learning    LearningConfig  `mapstructure:"learning"`
	Sync        SyncConfig      `mapstructure:"sync"`
	Optimizer   OptimizerConfig `mapstructure:"optimizer"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// UpbitConfig holds all settings for the Upbit exchange integration.
type UpbitConfig struct {
	AccessKey         string     `mapstructure:"access_key"`
	SecretKey         string     `mapstructure:"secret_key"`
	BaseURL           string     `mapstructure:"base_url"`
	RequestTimeoutSec int        `mapstructure:"request_timeout_sec"`
	MaxRetries        int        `mapstructure:"max_retries"`
	RetryDelaySec     int        `mapstructure:"retry_delay_sec"`
	RateLimitPerSec   rate.Limit `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst    int        `mapstructure:"rate_limit_burst"`
}

// DiscordConfig holds settings for sending notifications via Discord.
type DiscordConfig struct {
	WebhookURL              string `mapstructure:"webhook_url"`
	NotificationCooldownSec int    `mapstructure:"notification_cooldown_sec"`
	StatusReportIntervalSec int    `mapstructure:"status_report_interval_sec"`
}

// DatabaseConfig holds settings for database connections.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// TradingConfig holds general trading parameters.
type TradingConfig struct {
	Markets           []string `mapstructure:"markets"`
	QuoteCurrency     string   `mapstructure:"quote_currency"`
	MaxDailyTrades    int      `mapstructure:"max_daily_trades"`
	MinQuoteBalance   float64  `mapstructure:"min_quote_balance"`
	InvestmentRatio   float64  `mapstructure:"investment_ratio"`
	CommissionRate    float64  `mapstructure:"commission_rate"`
	CandleIntervalMin int      `mapstructure:"candle_interval_min"`
	CandleCount       int      `mapstructure:"candle_count"`
	CycleTargetSec    int      `mapstructure:"cycle_target_sec"`
	CycleFloorSec     int      `mapstructure:"cycle_floor_sec"`
	TradePauseSec     int      `mapstructure:"trade_pause_sec"`
	MaxHoldHours      float64  `mapstructure:"max_hold_hours"`
}

// LearningConfig holds settings for the adaptive parameter feedback loop.
type LearningConfig struct {
	IntervalHours    float64 `mapstructure:"learning_interval_hours"`
	MemoryThreshold  float64 `mapstructure:"memory_threshold"`
	MinTrades        int     `mapstructure:"min_trades_for_learning"`
	MinDimensionHits int     `mapstructure:"min_samples_per_dimension"`
	LookbackDays     int     `mapstructure:"lookback_days"`
	ArchiveDays      int     `mapstructure:"archive_days"`
}

// SyncConfig holds settings for exchange reconciliation.
type SyncConfig struct {
	IntervalMin           int `mapstructure:"interval_min"`
	ValidationIntervalMin int `mapstructure:"validation_interval_min"`
	OrderPageLimit        int `mapstructure:"order_page_limit"`
	TransferPageLimit     int `mapstructure:"transfer_page_limit"`
}

// OptimizerConfig holds the tiered optimization scheduler cadences.
type OptimizerConfig struct {
	SweepIntervalMin       int     `mapstructure:"sweep_interval_min"`
	AnalysisIntervalMin    int     `mapstructure:"analysis_interval_min"`
	OptimizeIntervalHours  int     `mapstructure:"optimize_interval_hours"`
	RestructureIntervalHrs int     `mapstructure:"restructure_interval_hours"`
	EfficiencyFloor        float64 `mapstructure:"efficiency_floor"`
	EfficiencyWindow       int     `mapstructure:"efficiency_window"`
	MemoryLimitPercent     float64 `mapstructure:"memory_limit_percent"`
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// --- Standalone Functions ---

// Clamp bounds v to the inclusive range [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

// DayKey renders the calendar day of t for use as a persistence key.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// DoJSONRequest performs an HTTP request, retries on transient errors, and unmarshals a JSON response.
func DoJSONRequest(client *http.Client, req *http.Request, maxRetries int, retryDelay time.Duration, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		r := req
		if attempt > 0 && req.GetBody != nil {
			bodyReader, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("retry %d: could not reset request body: %w", attempt, err)
			}
			r = req.Clone(req.Context())
			r.Body = bodyReader
		}

		resp, err := client.Do(r)
		if err != nil {
			lastErr = err
			time.Sleep(retryDelay)
			continue
		}

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("server error %d %s", resp.StatusCode, resp.Status)
			time.Sleep(retryDelay)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("http %d: %s", resp.StatusCode, string(snippet))
		}

		if result == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(result)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode JSON response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("all retries failed: %w", lastErr)
}

// File: store/store.go
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eogh234/auto-coin/pkg/broker"
	"github.com/eogh234/auto-coin/utilities"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the single durable home for bot state: open positions, the
// trade ledger, parameter snapshots, and the local mirror of exchange history.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(cfg utilities.DatabaseConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS open_positions (
		market TEXT PRIMARY KEY,
		entry_price REAL NOT NULL,
		entry_timestamp INTEGER NOT NULL,
		volume REAL NOT NULL,
		invest_amount REAL NOT NULL,
		signal_type TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_counters (
		day TEXT PRIMARY KEY,
		trade_count INTEGER NOT NULL,
		realized_profit REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		market TEXT NOT NULL,
		action TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		price REAL NOT NULL,
		volume REAL NOT NULL,
		market_state TEXT NOT NULL,
		rsi REAL NOT NULL,
		bollinger_position REAL NOT NULL,
		success INTEGER,
		profit_rate REAL,
		hold_duration_min INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_trades_market_ts ON trades (market, timestamp);

	CREATE TABLE IF NOT EXISTS adaptive_params (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		saved_at INTEGER NOT NULL,
		params TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchange_orders (
		uuid TEXT PRIMARY KEY,
		market TEXT NOT NULL,
		side TEXT NOT NULL,
		ord_type TEXT NOT NULL,
		state TEXT NOT NULL,
		price REAL NOT NULL,
		volume REAL NOT NULL,
		executed_volume REAL NOT NULL,
		paid_fee REAL NOT NULL,
		trades_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_market_created ON exchange_orders (market, created_at);

	CREATE TABLE IF NOT EXISTS exchange_transfers (
		txid TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount REAL NOT NULL,
		fee REAL NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		done_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at INTEGER NOT NULL,
		currency TEXT NOT NULL,
		balance REAL NOT NULL,
		locked REAL NOT NULL,
		avg_buy_price REAL NOT NULL,
		current_price REAL NOT NULL,
		krw_value REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON balance_snapshots (taken_at);

	CREATE TABLE IF NOT EXISTS sync_status (
		kind TEXT PRIMARY KEY,
		last_synced_at INTEGER NOT NULL,
		last_result TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS investment_performance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		calculated_at INTEGER NOT NULL,
		total_deposits REAL NOT NULL,
		total_withdrawals REAL NOT NULL,
		net_investment REAL NOT NULL,
		portfolio_value REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		total_pnl REAL NOT NULL,
		roi_percent REAL NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Open Positions ---

func (s *SQLiteStore) LoadPositions() (map[string]*utilities.Position, error) {
	rows, err := s.db.Query(`SELECT market, entry_price, entry_timestamp, volume, invest_amount, signal_type FROM open_positions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]*utilities.Position)
	for rows.Next() {
		var pos utilities.Position
		var ts int64
		if err := rows.Scan(&pos.Market, &pos.EntryPrice, &ts, &pos.Volume, &pos.InvestAmount, &pos.SignalType); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		pos.EntryTimestamp = time.Unix(ts, 0)
		positions[pos.Market] = &pos
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) SavePosition(pos *utilities.Position) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO open_positions (market, entry_price, entry_timestamp, volume, invest_amount, signal_type) VALUES (?, ?, ?, ?, ?, ?)`,
		pos.Market, pos.EntryPrice, pos.EntryTimestamp.Unix(), pos.Volume, pos.InvestAmount, pos.SignalType)
	return err
}

func (s *SQLiteStore) DeletePosition(market string) error {
	_, err := s.db.Exec(`DELETE FROM open_positions WHERE market = ?`, market)
	return err
}

// --- Daily Counters ---

func (s *SQLiteStore) LoadDailyCounters(day string) (utilities.DailyCounters, error) {
	counters := utilities.DailyCounters{Day: day}
	err := s.db.QueryRow(`SELECT trade_count, realized_profit FROM daily_counters WHERE day = ?`, day).
		Scan(&counters.TradeCount, &counters.RealizedProfit)
	if err == sql.ErrNoRows {
		return counters, nil
	}
	if err != nil {
		return counters, fmt.Errorf("failed to load daily counters for %s: %w", day, err)
	}
	return counters, nil
}

func (s *SQLiteStore) SaveDailyCounters(counters utilities.DailyCounters) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO daily_counters (day, trade_count, realized_profit) VALUES (?, ?, ?)`,
		counters.Day, counters.TradeCount, counters.RealizedProfit)
	return err
}

// --- Trade History ---

// InsertTrade appends one history row and returns its id for later finalization.
func (s *SQLiteStore) InsertTrade(t utilities.TradeRecord) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO trades (timestamp, market, action, signal_type, price, volume, market_state, rsi, bollinger_position, success, profit_rate, hold_duration_min)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Timestamp.Unix(), t.Market, t.Action, t.SignalType, t.Price, t.Volume, t.MarketState, t.RSI, t.BollingerPosition,
		boolPtrToInt(t.Success), t.ProfitRate, t.HoldDurationMin)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}
	return res.LastInsertId()
}

// FinalizeTrade writes the outcome onto the oldest still-open BUY row for a
// market. It is a no-op when no open row exists.
func (s *SQLiteStore) FinalizeTrade(market string, success bool, profitRate float64, holdDurationMin int) error {
	_, err := s.db.Exec(`UPDATE trades SET success = ?, profit_rate = ?, hold_duration_min = ?
		WHERE id = (SELECT id FROM trades WHERE market = ? AND action = 'BUY' AND success IS NULL ORDER BY timestamp ASC LIMIT 1)`,
		boolToInt(success), profitRate, holdDurationMin, market)
	if err != nil {
		return fmt.Errorf("failed to finalize trade for %s: %w", market, err)
	}
	return nil
}

// ClosedTradesSince returns finalized BUY rows newer than the cutoff,
// oldest first.
func (s *SQLiteStore) ClosedTradesSince(cutoff time.Time) ([]utilities.TradeRecord, error) {
	rows, err := s.db.Query(`SELECT timestamp, market, action, signal_type, price, volume, market_state, rsi, bollinger_position, success, profit_rate, hold_duration_min
		FROM trades WHERE action = 'BUY' AND success IS NOT NULL AND timestamp >= ? ORDER BY timestamp ASC`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ArchiveTradesBefore deletes finalized rows older than the cutoff and returns
// the number removed. Rows with no outcome are never archived.
func (s *SQLiteStore) ArchiveTradesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM trades WHERE timestamp < ? AND success IS NOT NULL`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to archive trades: %w", err)
	}
	return res.RowsAffected()
}

func scanTrades(rows *sql.Rows) ([]utilities.TradeRecord, error) {
	var trades []utilities.TradeRecord
	for rows.Next() {
		var t utilities.TradeRecord
		var ts int64
		var success sql.NullInt64
		var profitRate sql.NullFloat64
		var holdMin sql.NullInt64
		if err := rows.Scan(&ts, &t.Market, &t.Action, &t.SignalType, &t.Price, &t.Volume, &t.MarketState, &t.RSI, &t.BollingerPosition, &success, &profitRate, &holdMin); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Timestamp = time.Unix(ts, 0)
		if success.Valid {
			v := success.Int64 != 0
			t.Success = &v
		}
		if profitRate.Valid {
			v := profitRate.Float64
			t.ProfitRate = &v
		}
		if holdMin.Valid {
			v := int(holdMin.Int64)
			t.HoldDurationMin = &v
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Adaptive Parameters ---

// SaveParams appends a new immutable parameter snapshot.
func (s *SQLiteStore) SaveParams(p utilities.AdaptiveParams) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO adaptive_params (saved_at, params) VALUES (?, ?)`, time.Now().Unix(), string(blob))
	return err
}

// LatestParams returns the newest snapshot, or (zero, false) when none exists
// or the stored blob cannot be decoded.
func (s *SQLiteStore) LatestParams() (utilities.AdaptiveParams, bool, error) {
	var blob string
	err := s.db.QueryRow(`SELECT params FROM adaptive_params ORDER BY id DESC LIMIT 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return utilities.AdaptiveParams{}, false, nil
	}
	if err != nil {
		return utilities.AdaptiveParams{}, false, fmt.Errorf("failed to load latest params: %w", err)
	}
	var p utilities.AdaptiveParams
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return utilities.AdaptiveParams{}, false, nil
	}
	return p, true, nil
}

// --- Exchange Mirror ---

// InsertOrderIfAbsent mirrors one exchange order, keyed by uuid. It reports
// whether the row was newly inserted.
func (s *SQLiteStore) InsertOrderIfAbsent(o broker.Order) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO exchange_orders (uuid, market, side, ord_type, state, price, volume, executed_volume, paid_fee, trades_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.UUID, o.Market, o.Side, o.OrdType, o.State, o.Price, o.Volume, o.ExecutedVolume, o.PaidFee, o.TradesCount, o.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to mirror order %s: %w", o.UUID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertTransferIfAbsent mirrors one deposit or withdrawal, keyed by txid.
func (s *SQLiteStore) InsertTransferIfAbsent(t broker.Transfer) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO exchange_transfers (txid, kind, currency, amount, fee, state, created_at, done_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TxID, t.Kind, t.Currency, t.Amount, t.Fee, t.State, t.CreatedAt.Unix(), t.DoneAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to mirror transfer %s: %w", t.TxID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SumTransfers returns the total mirrored amount for one transfer kind,
// counted in the quote currency only.
func (s *SQLiteStore) SumTransfers(kind, currency string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(amount) FROM exchange_transfers WHERE kind = ? AND currency = ?`, kind, currency).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum %s transfers: %w", kind, err)
	}
	return total.Float64, nil
}

// RealizedPnL derives realized profit from the mirrored done orders: ask
// proceeds minus bid cost, fees included.
func (s *SQLiteStore) RealizedPnL() (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(
		CASE
			WHEN side = 'ask' THEN price - paid_fee
			WHEN side = 'bid' THEN -(price + paid_fee)
			ELSE 0
		END
	) FROM exchange_orders WHERE state = 'done' AND executed_volume > 0`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total.Float64, nil
}

// --- Balance Snapshots ---

func (s *SQLiteStore) SaveBalanceSnapshot(takenAt time.Time, rowsIn []utilities.BalanceSnapshotRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO balance_snapshots (taken_at, currency, balance, locked, avg_buy_price, current_price, krw_value) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()
	for _, row := range rowsIn {
		if _, err := stmt.Exec(takenAt.Unix(), row.Currency, row.Balance, row.Locked, row.AvgBuyPrice, row.CurrentPrice, row.KRWValue); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert snapshot row for %s: %w", row.Currency, err)
		}
	}
	return tx.Commit()
}

// LatestBalanceSnapshot returns the most recent snapshot as a full row set.
func (s *SQLiteStore) LatestBalanceSnapshot() (time.Time, []utilities.BalanceSnapshotRow, error) {
	var takenAt sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(taken_at) FROM balance_snapshots`).Scan(&takenAt); err != nil {
		return time.Time{}, nil, fmt.Errorf("failed to locate latest snapshot: %w", err)
	}
	if !takenAt.Valid {
		return time.Time{}, nil, nil
	}
	rows, err := s.db.Query(`SELECT currency, balance, locked, avg_buy_price, current_price, krw_value FROM balance_snapshots WHERE taken_at = ?`, takenAt.Int64)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("failed to query snapshot rows: %w", err)
	}
	defer rows.Close()
	var out []utilities.BalanceSnapshotRow
	for rows.Next() {
		var r utilities.BalanceSnapshotRow
		if err := rows.Scan(&r.Currency, &r.Balance, &r.Locked, &r.AvgBuyPrice, &r.CurrentPrice, &r.KRWValue); err != nil {
			return time.Time{}, nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, r)
	}
	return time.Unix(takenAt.Int64, 0), out, rows.Err()
}

// --- Sync Status ---

func (s *SQLiteStore) UpdateSyncStatus(kind string, at time.Time, result string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sync_status (kind, last_synced_at, last_result) VALUES (?, ?, ?)`,
		kind, at.Unix(), result)
	return err
}

func (s *SQLiteStore) LastSyncedAt(kind string) (time.Time, error) {
	var ts int64
	err := s.db.QueryRow(`SELECT last_synced_at FROM sync_status WHERE kind = ?`, kind).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load sync status for %s: %w", kind, err)
	}
	return time.Unix(ts, 0), nil
}

// --- Investment Performance ---

func (s *SQLiteStore) SavePerformance(p utilities.InvestmentPerformance) error {
	_, err := s.db.Exec(`INSERT INTO investment_performance (calculated_at, total_deposits, total_withdrawals, net_investment, portfolio_value, unrealized_pnl, realized_pnl, total_pnl, roi_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.CalculatedAt.Unix(), p.TotalDeposits, p.TotalWithdrawals, p.NetInvestment, p.PortfolioValue, p.UnrealizedPnL, p.RealizedPnL, p.TotalPnL, p.ROIPercent)
	return err
}

func (s *SQLiteStore) LatestPerformance() (utilities.InvestmentPerformance, bool, error) {
	var p utilities.InvestmentPerformance
	var ts int64
	err := s.db.QueryRow(`SELECT calculated_at, total_deposits, total_withdrawals, net_investment, portfolio_value, unrealized_pnl, realized_pnl, total_pnl, roi_percent
		FROM investment_performance ORDER BY id DESC LIMIT 1`).
		Scan(&ts, &p.TotalDeposits, &p.TotalWithdrawals, &p.NetInvestment, &p.PortfolioValue, &p.UnrealizedPnL, &p.RealizedPnL, &p.TotalPnL, &p.ROIPercent)
	if err == sql.ErrNoRows {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("failed to load latest performance: %w", err)
	}
	p.CalculatedAt = time.Unix(ts, 0)
	return p, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolPtrToInt(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

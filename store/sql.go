package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists to SQLite by default and PostgreSQL when a
// connection string is configured. The schema is identical up to
// dialect differences handled at open time.
type SQLStore struct {
	db         *sql.DB
	isPostgres bool
}

// Open creates the store and its schema. backend is "sqlite" or
// "postgres"; dsn is the database file path or connection string.
func Open(backend, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
		pg  bool
	)
	switch backend {
	case "sqlite":
		db, err = sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	case "postgres":
		pg = true
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unknown store backend '%s'", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", backend, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s store: %w", backend, err)
	}

	s := &SQLStore{db: db, isPostgres: pg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.isPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trades (
			id %s,
			timestamp TEXT NOT NULL,
			cycle_number INTEGER NOT NULL,
			instrument TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			signal TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			leverage INTEGER NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			profit_target DOUBLE PRECISION NOT NULL,
			order_id BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			status_note TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT ''
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS account_snapshots (
			id %s,
			timestamp TEXT NOT NULL,
			cycle_number INTEGER NOT NULL,
			account_value DOUBLE PRECISION NOT NULL,
			wallet_balance DOUBLE PRECISION NOT NULL,
			unrealized_pnl DOUBLE PRECISION NOT NULL,
			btc_price DOUBLE PRECISION NOT NULL,
			return_pct DOUBLE PRECISION NOT NULL,
			sharpe_ratio DOUBLE PRECISION NOT NULL
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rejections (
			id %s,
			timestamp TEXT NOT NULL,
			cycle_number INTEGER NOT NULL,
			instrument TEXT NOT NULL,
			signal TEXT NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT ''
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_cycle ON trades(cycle_number)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON account_snapshots(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_timestamp ON rejections(timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// AppendTrade inserts a trade record and fills its ID.
func (s *SQLStore) AppendTrade(ctx context.Context, record *TradeRecord) error {
	query := s.rebind(`INSERT INTO trades (
		timestamp, cycle_number, instrument, symbol, side, signal,
		quantity, leverage, entry_price, stop_loss, profit_target,
		order_id, status, status_note, reasoning
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	args := []any{
		formatTime(record.Timestamp), record.CycleNumber, record.Instrument,
		record.Symbol, record.Side, record.Signal, record.Quantity,
		record.Leverage, record.EntryPrice, record.StopLoss, record.ProfitTarget,
		record.OrderID, string(record.Status), record.StatusNote, record.Reasoning,
	}

	if s.isPostgres {
		return s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&record.ID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	record.ID, err = res.LastInsertId()
	return err
}

// UpdateTradeStatus moves a pending record to its terminal status.
// Terminal records are never touched again.
func (s *SQLStore) UpdateTradeStatus(ctx context.Context, id int64, status ExecutionStatus, note string) error {
	query := s.rebind(`UPDATE trades SET status = ?, status_note = ? WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), note, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to update trade %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("trade %d is not pending", id)
	}
	return nil
}

// AppendAccountSnapshot inserts one point of the account series.
func (s *SQLStore) AppendAccountSnapshot(ctx context.Context, snap *AccountSnapshot) error {
	query := s.rebind(`INSERT INTO account_snapshots (
		timestamp, cycle_number, account_value, wallet_balance,
		unrealized_pnl, btc_price, return_pct, sharpe_ratio
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	args := []any{
		formatTime(snap.Timestamp), snap.CycleNumber, snap.AccountValue,
		snap.WalletBalance, snap.UnrealizedPnL, snap.BTCPrice,
		snap.ReturnPct, snap.SharpeRatio,
	}

	if s.isPostgres {
		return s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&snap.ID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to append account snapshot: %w", err)
	}
	snap.ID, err = res.LastInsertId()
	return err
}

// AppendRejection records a risk rejection with its reasoning.
func (s *SQLStore) AppendRejection(ctx context.Context, rejection *RejectionRecord) error {
	query := s.rebind(`INSERT INTO rejections (
		timestamp, cycle_number, instrument, signal, reason, detail, reasoning
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	args := []any{
		formatTime(rejection.Timestamp), rejection.CycleNumber, rejection.Instrument,
		rejection.Signal, rejection.Reason, rejection.Detail, rejection.Reasoning,
	}

	if s.isPostgres {
		return s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&rejection.ID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to append rejection: %w", err)
	}
	rejection.ID, err = res.LastInsertId()
	return err
}

// TradesSince returns trades at or after the given time, oldest first.
func (s *SQLStore) TradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error) {
	query := s.rebind(`SELECT id, timestamp, cycle_number, instrument, symbol, side,
		signal, quantity, leverage, entry_price, stop_loss, profit_target,
		order_id, status, status_note, reasoning
		FROM trades WHERE timestamp >= ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var r TradeRecord
		var ts, status string
		if err := rows.Scan(&r.ID, &ts, &r.CycleNumber, &r.Instrument, &r.Symbol,
			&r.Side, &r.Signal, &r.Quantity, &r.Leverage, &r.EntryPrice,
			&r.StopLoss, &r.ProfitTarget, &r.OrderID, &status, &r.StatusNote,
			&r.Reasoning); err != nil {
			return nil, err
		}
		r.Timestamp = parseTime(ts)
		r.Status = ExecutionStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SnapshotsSince returns account snapshots at or after the given time.
func (s *SQLStore) SnapshotsSince(ctx context.Context, since time.Time) ([]AccountSnapshot, error) {
	query := s.rebind(`SELECT id, timestamp, cycle_number, account_value,
		wallet_balance, unrealized_pnl, btc_price, return_pct, sharpe_ratio
		FROM account_snapshots WHERE timestamp >= ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query account snapshots: %w", err)
	}
	defer rows.Close()

	var out []AccountSnapshot
	for rows.Next() {
		var snap AccountSnapshot
		var ts string
		if err := rows.Scan(&snap.ID, &ts, &snap.CycleNumber, &snap.AccountValue,
			&snap.WalletBalance, &snap.UnrealizedPnL, &snap.BTCPrice,
			&snap.ReturnPct, &snap.SharpeRatio); err != nil {
			return nil, err
		}
		snap.Timestamp = parseTime(ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// RejectionsSince returns rejections at or after the given time.
func (s *SQLStore) RejectionsSince(ctx context.Context, since time.Time) ([]RejectionRecord, error) {
	query := s.rebind(`SELECT id, timestamp, cycle_number, instrument, signal,
		reason, detail, reasoning
		FROM rejections WHERE timestamp >= ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query rejections: %w", err)
	}
	defer rows.Close()

	var out []RejectionRecord
	for rows.Next() {
		var r RejectionRecord
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.CycleNumber, &r.Instrument,
			&r.Signal, &r.Reason, &r.Detail, &r.Reasoning); err != nil {
			return nil, err
		}
		r.Timestamp = parseTime(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastCycleNumber restores the cycle counter after a restart.
func (s *SQLStore) LastCycleNumber(ctx context.Context) (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(cycle_number) FROM account_snapshots`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to restore cycle number: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// FirstAccountValue anchors return percentage across restarts.
func (s *SQLStore) FirstAccountValue(ctx context.Context) (float64, error) {
	var value sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT account_value FROM account_snapshots ORDER BY id LIMIT 1`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read first account value: %w", err)
	}
	if !value.Valid {
		return 0, nil
	}
	return value.Float64, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

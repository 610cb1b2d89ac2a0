package store

import (
	"context"
	"time"
)

// ExecutionStatus of a trade record. Records move pending -> terminal
// exactly once and never mutate afterwards.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// TradeRecord is the append-only record of one execution attempt.
type TradeRecord struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	CycleNumber  int             `json:"cycle_number"`
	Instrument   string          `json:"instrument"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Signal       string          `json:"signal"`
	Quantity     float64         `json:"quantity"`
	Leverage     int             `json:"leverage"`
	EntryPrice   float64         `json:"entry_price"`
	StopLoss     float64         `json:"stop_loss"`
	ProfitTarget float64         `json:"profit_target"`
	OrderID      int64           `json:"order_id"`
	Status       ExecutionStatus `json:"status"`
	StatusNote   string          `json:"status_note"` // venue reason or unwind outcome
	Reasoning    string          `json:"reasoning"`   // oracle reasoning, preserved verbatim
}

// AccountSnapshot is one point of the account-value time series,
// appended once per cycle whether or not anything traded.
type AccountSnapshot struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CycleNumber   int       `json:"cycle_number"`
	AccountValue  float64   `json:"account_value"`
	WalletBalance float64   `json:"wallet_balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	BTCPrice      float64   `json:"btc_price"`
	ReturnPct     float64   `json:"return_pct"`
	SharpeRatio   float64   `json:"sharpe_ratio"`
}

// RejectionRecord preserves a risk rejection with its reasoning.
// Rejections are normal outcomes and are never silently dropped.
type RejectionRecord struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	CycleNumber int       `json:"cycle_number"`
	Instrument  string    `json:"instrument"`
	Signal      string    `json:"signal"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail"`
	Reasoning   string    `json:"reasoning"`
}

// Store is the durable boundary the pipeline writes through.
type Store interface {
	AppendTrade(ctx context.Context, record *TradeRecord) error
	UpdateTradeStatus(ctx context.Context, id int64, status ExecutionStatus, note string) error
	AppendAccountSnapshot(ctx context.Context, snapshot *AccountSnapshot) error
	AppendRejection(ctx context.Context, rejection *RejectionRecord) error

	TradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error)
	SnapshotsSince(ctx context.Context, since time.Time) ([]AccountSnapshot, error)
	RejectionsSince(ctx context.Context, since time.Time) ([]RejectionRecord, error)

	// LastCycleNumber restores the cycle counter across restarts.
	LastCycleNumber(ctx context.Context) (int, error)
	// FirstAccountValue returns the earliest recorded account value,
	// anchoring return percentage across restarts. Zero when empty.
	FirstAccountValue(ctx context.Context) (float64, error)

	Close() error
}

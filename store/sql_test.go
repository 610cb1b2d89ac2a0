package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestTradeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	record := &TradeRecord{
		Timestamp:    time.Now(),
		CycleNumber:  1,
		Instrument:   "BTC",
		Symbol:       "BTCUSDT",
		Side:         "long",
		Signal:       "buy_to_enter",
		Quantity:     0.02,
		Leverage:     5,
		EntryPrice:   50000,
		StopLoss:     49000,
		ProfitTarget: 53000,
		Status:       StatusPending,
		Reasoning:    "breakout above resistance",
	}
	require.NoError(t, s.AppendTrade(ctx, record))
	require.NotZero(t, record.ID)

	require.NoError(t, s.UpdateTradeStatus(ctx, record.ID, StatusSuccess, "filled"))

	trades, err := s.TradesSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, StatusSuccess, trades[0].Status)
	assert.Equal(t, "filled", trades[0].StatusNote)
	assert.Equal(t, "breakout above resistance", trades[0].Reasoning)
	assert.InDelta(t, 0.02, trades[0].Quantity, 1e-9)

	// terminal records never transition again
	err = s.UpdateTradeStatus(ctx, record.ID, StatusFailed, "late update")
	assert.ErrorContains(t, err, "not pending")
}

func TestAccountSnapshotSeries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	values := []float64{1000, 1050, 950}
	for i, v := range values {
		require.NoError(t, s.AppendAccountSnapshot(ctx, &AccountSnapshot{
			Timestamp:    base.Add(time.Duration(i) * 3 * time.Minute),
			CycleNumber:  i + 1,
			AccountValue: v,
			ReturnPct:    (v - 1000) / 1000 * 100,
			BTCPrice:     50000,
		}))
	}

	snaps, err := s.SnapshotsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.InDelta(t, 0, snaps[0].ReturnPct, 1e-9)
	assert.InDelta(t, 5, snaps[1].ReturnPct, 1e-9)
	assert.InDelta(t, -5, snaps[2].ReturnPct, 1e-9)

	// since filter drops the first point
	snaps, err = s.SnapshotsSince(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	first, err := s.FirstAccountValue(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000, first, 1e-9)

	cycle, err := s.LastCycleNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cycle)
}

func TestEmptyStoreDefaults(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cycle, err := s.LastCycleNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, cycle)

	first, err := s.FirstAccountValue(ctx)
	require.NoError(t, err)
	assert.Zero(t, first)

	trades, err := s.TradesSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestRejectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.AppendRejection(ctx, &RejectionRecord{
		Timestamp:   time.Now(),
		CycleNumber: 4,
		Instrument:  "ETH",
		Signal:      "close",
		Reason:      "NoPositionToClose",
		Detail:      "no open position on ETH",
		Reasoning:   "invalidation condition hit",
	}))

	rejections, err := s.RejectionsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, "NoPositionToClose", rejections[0].Reason)
	assert.Equal(t, "invalidation condition hit", rejections[0].Reasoning)
}

func TestRebind(t *testing.T) {
	s := &SQLStore{isPostgres: true}
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", s.rebind("INSERT INTO t (a, b) VALUES (?, ?)"))

	s.isPostgres = false
	assert.Equal(t, "SELECT ?", s.rebind("SELECT ?"))
}

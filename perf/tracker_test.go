package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/exchange"
	"pilot/store"
)

func balance(wallet, unrealized float64) exchange.Balance {
	return exchange.Balance{WalletBalance: wallet, UnrealizedPnL: unrealized}
}

func TestReturnPctSequence(t *testing.T) {
	tracker := New(0)
	now := time.Now()

	// account value sequence [1000, 1050, 950] against fixed initial 1000
	snap := tracker.Observe(1, balance(1000, 0), 50000, now)
	assert.InDelta(t, 0, snap.ReturnPct, 1e-9)

	snap = tracker.Observe(2, balance(1000, 50), 50000, now)
	assert.InDelta(t, 5, snap.ReturnPct, 1e-9)

	snap = tracker.Observe(3, balance(950, 0), 50000, now)
	assert.InDelta(t, -5, snap.ReturnPct, 1e-9)

	assert.InDelta(t, 1000, tracker.InitialValue(), 1e-9)
}

func TestInitialValueFixedAtFirstObservation(t *testing.T) {
	tracker := New(0)
	now := time.Now()

	tracker.Observe(1, balance(800, 0), 0, now)
	snap := tracker.Observe(2, balance(880, 0), 0, now)

	// anchored at 800, not any configured value
	assert.InDelta(t, 10, snap.ReturnPct, 1e-9)
}

func TestPresetInitialValue(t *testing.T) {
	tracker := New(1000)
	snap := tracker.Observe(1, balance(1100, 0), 0, time.Now())
	assert.InDelta(t, 10, snap.ReturnPct, 1e-9)
}

func TestSnapshotEmittedEveryCycle(t *testing.T) {
	tracker := New(1000)
	now := time.Now()

	// flat cycles still produce snapshots with fields filled
	snap := tracker.Observe(7, balance(990, 10), 51234.5, now)
	assert.Equal(t, 7, snap.CycleNumber)
	assert.InDelta(t, 1000, snap.AccountValue, 1e-9)
	assert.InDelta(t, 990, snap.WalletBalance, 1e-9)
	assert.InDelta(t, 10, snap.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 51234.5, snap.BTCPrice, 1e-9)
}

func TestSharpe(t *testing.T) {
	tracker := New(1000)
	now := time.Now()

	// too few cycles: no dispersion to measure
	tracker.Observe(1, balance(1010, 0), 0, now)
	assert.Zero(t, tracker.Sharpe())

	tracker.Observe(2, balance(1030, 0), 0, now)
	tracker.Observe(3, balance(1020, 0), 0, now)

	// three cycle returns of mixed sign give a finite ratio
	sharpe := tracker.Sharpe()
	assert.NotZero(t, sharpe)
	assert.False(t, sharpe > 10 || sharpe < -10, "sharpe %f out of plausible range", sharpe)
}

func TestSharpeZeroOnConstantValue(t *testing.T) {
	tracker := New(1000)
	now := time.Now()
	for i := 1; i <= 5; i++ {
		tracker.Observe(i, balance(1000, 0), 0, now)
	}
	assert.Zero(t, tracker.Sharpe())
}

func TestRestoreFromHistory(t *testing.T) {
	history := []store.AccountSnapshot{
		{AccountValue: 1000},
		{AccountValue: 1050},
		{AccountValue: 950},
	}
	tracker := Restore(0, history)

	require.InDelta(t, 1000, tracker.InitialValue(), 1e-9)
	// next observation continues the persisted series
	snap := tracker.Observe(4, balance(1100, 0), 0, time.Now())
	assert.InDelta(t, 10, snap.ReturnPct, 1e-9)
	assert.NotZero(t, tracker.Sharpe())
}

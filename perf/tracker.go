package perf

import (
	"math"
	"sync"
	"time"

	"pilot/exchange"
	"pilot/store"
)

// Tracker recomputes account value and risk-adjusted metrics after
// every cycle. The initial account value is fixed at the first
// successful observation of the process's (or the persisted history's)
// lifetime and anchors return percentage from then on.
type Tracker struct {
	mu sync.Mutex

	initialValue float64
	initialSet   bool
	lastValue    float64
	hasLast      bool

	// per-cycle percentage changes, feeding the Sharpe ratio
	cycleReturns []float64
}

// New creates a tracker. initialValue zero means "not yet observed";
// the first Observe fixes it.
func New(initialValue float64) *Tracker {
	t := &Tracker{}
	if initialValue > 0 {
		t.initialValue = initialValue
		t.initialSet = true
		t.lastValue = initialValue
		t.hasLast = true
	}
	return t
}

// Restore seeds the tracker from persisted account snapshots so
// metrics survive restarts.
func Restore(initialValue float64, history []store.AccountSnapshot) *Tracker {
	t := New(initialValue)
	for _, snap := range history {
		if t.hasLast && t.lastValue > 0 {
			t.cycleReturns = append(t.cycleReturns, (snap.AccountValue-t.lastValue)/t.lastValue*100)
		}
		if !t.initialSet && snap.AccountValue > 0 {
			t.initialValue = snap.AccountValue
			t.initialSet = true
		}
		t.lastValue = snap.AccountValue
		t.hasLast = true
	}
	return t
}

// Observe folds one cycle's balance into the series and returns the
// AccountSnapshot to persist. Called exactly once per cycle, whether
// or not anything traded.
func (t *Tracker) Observe(cycleNumber int, balance exchange.Balance, btcPrice float64, now time.Time) store.AccountSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	value := balance.TotalEquity()
	if !t.initialSet && value > 0 {
		t.initialValue = value
		t.initialSet = true
	}

	if t.hasLast && t.lastValue > 0 {
		t.cycleReturns = append(t.cycleReturns, (value-t.lastValue)/t.lastValue*100)
	}
	t.lastValue = value
	t.hasLast = true

	return store.AccountSnapshot{
		Timestamp:     now.UTC(),
		CycleNumber:   cycleNumber,
		AccountValue:  value,
		WalletBalance: balance.WalletBalance,
		UnrealizedPnL: balance.UnrealizedPnL,
		BTCPrice:      btcPrice,
		ReturnPct:     t.returnPctLocked(value),
		SharpeRatio:   t.sharpeLocked(),
	}
}

// ReturnPct is the cumulative return against the fixed initial value.
func (t *Tracker) ReturnPct() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.returnPctLocked(t.lastValue)
}

func (t *Tracker) returnPctLocked(value float64) float64 {
	if !t.initialSet || t.initialValue == 0 {
		return 0
	}
	return (value - t.initialValue) / t.initialValue * 100
}

// Sharpe is the mean of per-cycle returns over their sample standard
// deviation. Zero until enough cycles exist to measure dispersion.
func (t *Tracker) Sharpe() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sharpeLocked()
}

func (t *Tracker) sharpeLocked() float64 {
	std := stdDev(t.cycleReturns)
	if std == 0 {
		return 0
	}
	return avg(t.cycleReturns) / std
}

// InitialValue returns the fixed anchor, zero before first observation.
func (t *Tracker) InitialValue() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialValue
}

func avg(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

// stdDev is the sample standard deviation (n-1).
func stdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	mean := avg(data)
	sumSq := 0.0
	for _, v := range data {
		sumSq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sumSq / float64(len(data)-1))
}

package engine

import (
	"sync"
	"time"

	"pilot/exchange"
	"pilot/market"
	"pilot/store"
)

// State is the orchestrator-owned rolling cache backing the dashboard.
// It is explicit threaded state, not a package singleton, so tests can
// reset it freely.
type State struct {
	mu sync.RWMutex

	startedAt       time.Time
	latestSnapshots map[market.Instrument]market.Snapshot
	balance         exchange.Balance
	positions       []exchange.Position
	recentDecisions []DecisionView
	recentTrades    []store.TradeRecord
	lastAccount     store.AccountSnapshot
}

func (s *State) update(snapshots map[market.Instrument]market.Snapshot,
	balance exchange.Balance, positions []exchange.Position,
	views []DecisionView, trades []store.TradeRecord, accountSnap store.AccountSnapshot) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startedAt.IsZero() {
		s.startedAt = time.Now().UTC()
	}
	if s.latestSnapshots == nil {
		s.latestSnapshots = make(map[market.Instrument]market.Snapshot)
	}
	for instrument, snap := range snapshots {
		s.latestSnapshots[instrument] = snap
	}
	s.balance = balance
	s.positions = positions
	s.recentDecisions = appendBounded(s.recentDecisions, views, recentCacheSize)
	s.recentTrades = appendBounded(s.recentTrades, trades, recentCacheSize)
	s.lastAccount = accountSnap
}

// trim bounds memory growth over long-running operation: the rolling
// lists shrink to the most recent entries, the latest snapshots stay
// for the ticker display.
func (s *State) trim() {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := recentCacheSize / 2
	if len(s.recentDecisions) > keep {
		s.recentDecisions = append([]DecisionView(nil), s.recentDecisions[len(s.recentDecisions)-keep:]...)
	}
	if len(s.recentTrades) > keep {
		s.recentTrades = append([]store.TradeRecord(nil), s.recentTrades[len(s.recentTrades)-keep:]...)
	}
}

func appendBounded[T any](dst, src []T, limit int) []T {
	dst = append(dst, src...)
	if len(dst) > limit {
		dst = dst[len(dst)-limit:]
	}
	return dst
}

// StartedAt reports when the first cycle completed.
func (o *Orchestrator) StartedAt() time.Time {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	return o.state.startedAt
}

// LatestSnapshots returns the latest per-instrument market snapshots.
func (o *Orchestrator) LatestSnapshots() []market.Snapshot {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	out := make([]market.Snapshot, 0, len(o.state.latestSnapshots))
	for _, snap := range o.state.latestSnapshots {
		out = append(out, snap)
	}
	return out
}

// LatestBalance returns the balance observed at the end of the last cycle.
func (o *Orchestrator) LatestBalance() exchange.Balance {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	return o.state.balance
}

// LatestPositions returns the open positions from the last cycle.
func (o *Orchestrator) LatestPositions() []exchange.Position {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	out := make([]exchange.Position, len(o.state.positions))
	copy(out, o.state.positions)
	return out
}

// RecentDecisions returns the rolling decision cache, oldest first.
func (o *Orchestrator) RecentDecisions() []DecisionView {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	out := make([]DecisionView, len(o.state.recentDecisions))
	copy(out, o.state.recentDecisions)
	return out
}

// RecentTrades returns the rolling trade cache, oldest first.
func (o *Orchestrator) RecentTrades() []store.TradeRecord {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	out := make([]store.TradeRecord, len(o.state.recentTrades))
	copy(out, o.state.recentTrades)
	return out
}

// LastAccountSnapshot returns the most recent performance point.
func (o *Orchestrator) LastAccountSnapshot() store.AccountSnapshot {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	return o.state.lastAccount
}

package engine

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"pilot/decision"
	"pilot/exchange"
	"pilot/market"
	"pilot/perf"
	"pilot/risk"
	"pilot/store"
)

// SnapshotProvider is the market-data boundary the orchestrator drives.
type SnapshotProvider interface {
	FetchAll(ctx context.Context) (map[market.Instrument]market.Snapshot, map[market.Instrument]error)
	BenchmarkPrice() float64
}

// DecisionOracle produces one candidate decision per instrument.
type DecisionOracle interface {
	Decide(ctx context.Context, snapshots map[market.Instrument]market.Snapshot, account decision.AccountContext) ([]decision.TradingDecision, error)
}

// IntentExecutor submits approved intents to the venue.
type IntentExecutor interface {
	Execute(ctx context.Context, intent *risk.ValidatedIntent, cycleNumber int) (*store.TradeRecord, error)
}

// Broadcaster pushes cycle updates to the dashboard layer. The
// pipeline never depends on a consumer being connected.
type Broadcaster interface {
	Broadcast(v any)
}

// DecisionView is a decision plus its validation outcome, kept in the
// rolling cache for the dashboard.
type DecisionView struct {
	Timestamp time.Time                `json:"timestamp"`
	Cycle     int                      `json:"cycle"`
	Decision  decision.TradingDecision `json:"decision"`
	Outcome   string                   `json:"outcome"` // approved | rejected | hold
	Reason    string                   `json:"reason,omitempty"`
}

// CycleUpdate is the structured update broadcast after every cycle.
type CycleUpdate struct {
	Cycle       int                         `json:"cycle"`
	Timestamp   time.Time                   `json:"timestamp"`
	Prices      map[string]float64          `json:"prices"`
	Balance     exchange.Balance            `json:"balance"`
	Positions   []exchange.Position         `json:"positions"`
	Decisions   []DecisionView              `json:"decisions"`
	Trades      []store.TradeRecord         `json:"trades"`
	AccountSnap store.AccountSnapshot       `json:"account_snapshot"`
}

// PositionLimitReached is the orchestrator-level filter reason: the
// decision passed every risk rule but the account already holds the
// configured maximum of concurrent positions.
const PositionLimitReached = "PositionLimitReached"

const recentCacheSize = 50

// Options configure the cycle cadence and cache lifecycle.
type Options struct {
	Interval         time.Duration
	CacheClearCycles int
	MaxPositions     int
}

// Orchestrator drives the full pipeline once per tick: snapshot,
// decide, validate, execute, track. Per-instrument failures never
// abort the cycle for other instruments.
type Orchestrator struct {
	provider  SnapshotProvider
	oracle    DecisionOracle
	validator *risk.Validator
	executor  IntentExecutor
	client    exchange.Client
	store     store.Store
	tracker   *perf.Tracker
	broadcast Broadcaster
	opts      Options
	log       *logrus.Entry

	state State
	cycle int
}

// New wires the pipeline components together.
func New(provider SnapshotProvider, oracle DecisionOracle, validator *risk.Validator,
	executor IntentExecutor, client exchange.Client, st store.Store,
	tracker *perf.Tracker, broadcast Broadcaster, opts Options, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		oracle:    oracle,
		validator: validator,
		executor:  executor,
		client:    client,
		store:     st,
		tracker:   tracker,
		broadcast: broadcast,
		opts:      opts,
		log:       log.WithField("component", "engine"),
	}
}

// RestoreCycle seeds the cycle counter from persisted history.
func (o *Orchestrator) RestoreCycle(ctx context.Context) error {
	last, err := o.store.LastCycleNumber(ctx)
	if err != nil {
		return err
	}
	o.cycle = last
	if last > 0 {
		o.log.WithField("cycle", last).Info("resuming from persisted cycle number")
	}
	return nil
}

// Run executes cycles until the context is canceled. The first cycle
// starts immediately; an in-flight cycle finishes its execution step
// (including any fail-safe unwind) before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	o.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.log.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle drives one full iteration over all instruments.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	o.cycle++
	cycleLog := o.log.WithField("cycle", o.cycle)
	started := time.Now()

	cctx, cancel := context.WithTimeout(ctx, o.opts.Interval)
	defer cancel()

	snapshots, failures := o.provider.FetchAll(cctx)
	for instrument, err := range failures {
		cycleLog.WithError(err).WithField("instrument", instrument).Warn("skipping instrument, market data unavailable")
	}

	balance, err := o.client.Balance(cctx)
	if err != nil {
		cycleLog.WithError(err).Error("balance fetch failed, skipping cycle")
		return
	}
	positions, err := o.client.Positions(cctx)
	if err != nil {
		cycleLog.WithError(err).Error("position fetch failed, skipping cycle")
		return
	}
	o.attachPositions(snapshots, positions)

	var decided []decision.TradingDecision
	if len(snapshots) > 0 {
		account := decision.AccountContext{
			Equity:           balance.TotalEquity(),
			AvailableBalance: balance.AvailableBalance,
			ReturnPct:        o.tracker.ReturnPct(),
			SharpeRatio:      o.tracker.Sharpe(),
			Positions:        positions,
			RecentTrades:     o.RecentTrades(),
		}
		decided, err = o.oracle.Decide(cctx, snapshots, account)
		if err != nil {
			cycleLog.WithError(err).Warn("oracle failed, no decisions this cycle")
		}
	}

	views, trades := o.processDecisions(cctx, cycleLog, decided, snapshots, positions, balance)

	// track after execution so the snapshot reflects this cycle's trades
	balance, err = o.client.Balance(context.WithoutCancel(cctx))
	if err != nil {
		cycleLog.WithError(err).Warn("post-execution balance refresh failed, using stale balance")
	}
	accountSnap := o.tracker.Observe(o.cycle, balance, o.provider.BenchmarkPrice(), time.Now())
	if err := o.store.AppendAccountSnapshot(context.WithoutCancel(cctx), &accountSnap); err != nil {
		cycleLog.WithError(err).Error("failed to persist account snapshot")
	}

	positions, _ = o.client.Positions(context.WithoutCancel(cctx))
	o.state.update(snapshots, balance, positions, views, trades, accountSnap)

	if o.broadcast != nil {
		o.broadcast.Broadcast(o.buildUpdate(snapshots, balance, positions, views, trades, accountSnap))
	}

	if o.opts.CacheClearCycles > 0 && o.cycle%o.opts.CacheClearCycles == 0 {
		o.state.trim()
		cycleLog.Debug("trimmed rolling caches")
	}

	cycleLog.WithFields(logrus.Fields{
		"instruments": len(snapshots),
		"decisions":   len(decided),
		"trades":      len(trades),
		"equity":      accountSnap.AccountValue,
		"return_pct":  accountSnap.ReturnPct,
		"elapsed":     time.Since(started).Round(time.Millisecond).String(),
	}).Info("cycle complete")
}

// processDecisions validates and executes each decision sequentially,
// closes before entries so freed margin and slots are available.
func (o *Orchestrator) processDecisions(ctx context.Context, cycleLog *logrus.Entry,
	decisions []decision.TradingDecision, snapshots map[market.Instrument]market.Snapshot,
	positions []exchange.Position, balance exchange.Balance) ([]DecisionView, []store.TradeRecord) {

	sortClosesFirst(decisions)

	bySymbol := make(map[string]*exchange.Position, len(positions))
	for i := range positions {
		bySymbol[positions[i].Symbol] = &positions[i]
	}
	openCount := len(positions)

	var views []DecisionView
	var trades []store.TradeRecord

	for _, d := range decisions {
		snap, ok := snapshots[d.Instrument]
		if !ok {
			continue
		}
		view := DecisionView{Timestamp: time.Now().UTC(), Cycle: o.cycle, Decision: d}
		position := bySymbol[d.Instrument.Symbol()]

		markPrice := snap.MarkPrice
		if markPrice == 0 {
			markPrice = snap.LastPrice
		}

		intent, rejection := o.validator.Validate(d, markPrice, balance.TotalEquity(), position)
		switch {
		case rejection != nil:
			view.Outcome = "rejected"
			view.Reason = string(rejection.Reason)
			o.recordRejection(ctx, cycleLog, rejection)

		case intent == nil:
			view.Outcome = "hold"

		case !intent.CloseIntent() && o.opts.MaxPositions > 0 && openCount >= o.opts.MaxPositions:
			view.Outcome = "rejected"
			view.Reason = PositionLimitReached
			o.recordRejection(ctx, cycleLog, &risk.Rejection{
				Decision: d,
				Reason:   risk.Reason(PositionLimitReached),
				Detail:   "maximum concurrent positions reached",
			})

		default:
			view.Outcome = "approved"
			record, err := o.executor.Execute(ctx, intent, o.cycle)
			if err != nil {
				cycleLog.WithError(err).WithField("instrument", d.Instrument).Error("execution failed")
			}
			if record != nil {
				trades = append(trades, *record)
				if record.Status == store.StatusSuccess {
					if intent.CloseIntent() {
						openCount--
						delete(bySymbol, intent.Symbol)
					} else {
						openCount++
						bySymbol[intent.Symbol] = &exchange.Position{
							Symbol: intent.Symbol, Side: intent.Side,
							Size: intent.Quantity, Leverage: intent.Leverage,
						}
					}
				}
			}
		}
		views = append(views, view)
	}
	return views, trades
}

func (o *Orchestrator) recordRejection(ctx context.Context, cycleLog *logrus.Entry, rejection *risk.Rejection) {
	cycleLog.WithFields(logrus.Fields{
		"instrument": rejection.Decision.Instrument,
		"signal":     rejection.Decision.Signal,
		"reason":     rejection.Reason,
	}).Info("decision rejected")

	err := o.store.AppendRejection(ctx, &store.RejectionRecord{
		Timestamp:   time.Now().UTC(),
		CycleNumber: o.cycle,
		Instrument:  string(rejection.Decision.Instrument),
		Signal:      string(rejection.Decision.Signal),
		Reason:      string(rejection.Reason),
		Detail:      rejection.Detail,
		Reasoning:   rejection.Decision.Reasoning,
	})
	if err != nil {
		cycleLog.WithError(err).Error("failed to persist rejection")
	}
}

func (o *Orchestrator) attachPositions(snapshots map[market.Instrument]market.Snapshot, positions []exchange.Position) {
	for instrument, snap := range snapshots {
		for i := range positions {
			if positions[i].Symbol == instrument.Symbol() {
				snap.Position = &positions[i]
				snapshots[instrument] = snap
				break
			}
		}
	}
}

func (o *Orchestrator) buildUpdate(snapshots map[market.Instrument]market.Snapshot,
	balance exchange.Balance, positions []exchange.Position,
	views []DecisionView, trades []store.TradeRecord, accountSnap store.AccountSnapshot) CycleUpdate {

	prices := make(map[string]float64, len(snapshots))
	for instrument, snap := range snapshots {
		prices[string(instrument)] = snap.LastPrice
	}
	return CycleUpdate{
		Cycle:       o.cycle,
		Timestamp:   time.Now().UTC(),
		Prices:      prices,
		Balance:     balance,
		Positions:   positions,
		Decisions:   views,
		Trades:      trades,
		AccountSnap: accountSnap,
	}
}

// sortClosesFirst orders close signals ahead of entries; among equals
// the original oracle order is kept.
func sortClosesFirst(decisions []decision.TradingDecision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		return rank(decisions[i].Signal) < rank(decisions[j].Signal)
	})
}

func rank(s decision.Signal) int {
	switch s {
	case decision.SignalClose:
		return 0
	case decision.SignalBuyToEnter, decision.SignalSellToEnter:
		return 1
	default:
		return 2
	}
}

// Cycle returns the current cycle number.
func (o *Orchestrator) Cycle() int {
	return o.cycle
}

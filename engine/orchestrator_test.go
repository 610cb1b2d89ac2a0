package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/config"
	"pilot/decision"
	"pilot/exchange"
	"pilot/market"
	"pilot/perf"
	"pilot/risk"
	"pilot/store"
)

type fakeProvider struct {
	snapshots map[market.Instrument]market.Snapshot
	failures  map[market.Instrument]error
	benchmark float64
}

func (f *fakeProvider) FetchAll(context.Context) (map[market.Instrument]market.Snapshot, map[market.Instrument]error) {
	return f.snapshots, f.failures
}

func (f *fakeProvider) BenchmarkPrice() float64 { return f.benchmark }

type fakeOracle struct {
	decisions  []decision.TradingDecision
	err        error
	gotBatch   map[market.Instrument]market.Snapshot
	gotAccount decision.AccountContext
}

func (f *fakeOracle) Decide(_ context.Context, snapshots map[market.Instrument]market.Snapshot, account decision.AccountContext) ([]decision.TradingDecision, error) {
	f.gotBatch = snapshots
	f.gotAccount = account
	return f.decisions, f.err
}

type fakeExecutor struct {
	executed []risk.ValidatedIntent
	fail     bool
}

func (f *fakeExecutor) Execute(_ context.Context, intent *risk.ValidatedIntent, cycle int) (*store.TradeRecord, error) {
	f.executed = append(f.executed, *intent)
	record := &store.TradeRecord{
		Timestamp:   time.Now().UTC(),
		CycleNumber: cycle,
		Instrument:  string(intent.Decision.Instrument),
		Symbol:      intent.Symbol,
		Signal:      string(intent.Decision.Signal),
		Status:      store.StatusSuccess,
	}
	if f.fail {
		record.Status = store.StatusFailed
		return record, errors.New("venue down")
	}
	return record, nil
}

type fakeAccount struct {
	balance   exchange.Balance
	positions []exchange.Position
}

func (f *fakeAccount) Balance(context.Context) (exchange.Balance, error) { return f.balance, nil }
func (f *fakeAccount) Positions(context.Context) ([]exchange.Position, error) {
	return f.positions, nil
}
func (f *fakeAccount) Position(_ context.Context, symbol string) (*exchange.Position, error) {
	for i := range f.positions {
		if f.positions[i].Symbol == symbol {
			return &f.positions[i], nil
		}
	}
	return nil, nil
}
func (f *fakeAccount) MarkPrice(context.Context, string) (float64, error) { return 0, nil }
func (f *fakeAccount) SetLeverage(context.Context, string, int) error     { return nil }
func (f *fakeAccount) MarketOpen(context.Context, string, exchange.Side, float64) (*exchange.Order, error) {
	return nil, errors.New("not used")
}
func (f *fakeAccount) MarketClose(context.Context, string, exchange.Side, float64) (*exchange.Order, error) {
	return nil, errors.New("not used")
}
func (f *fakeAccount) PlaceStopLoss(context.Context, string, exchange.Side, float64) error {
	return nil
}
func (f *fakeAccount) PlaceTakeProfit(context.Context, string, exchange.Side, float64) error {
	return nil
}
func (f *fakeAccount) CancelAllOrders(context.Context, string) error { return nil }
func (f *fakeAccount) FormatQuantity(context.Context, string, float64) (string, error) {
	return "", nil
}

type captureBroadcaster struct {
	updates []CycleUpdate
}

func (c *captureBroadcaster) Broadcast(v any) {
	if update, ok := v.(CycleUpdate); ok {
		c.updates = append(c.updates, update)
	}
}

type fixture struct {
	orch      *Orchestrator
	provider  *fakeProvider
	oracle    *fakeOracle
	executor  *fakeExecutor
	account   *fakeAccount
	store     *store.SQLStore
	broadcast *captureBroadcaster
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := &fakeProvider{
		snapshots: map[market.Instrument]market.Snapshot{
			"BTC": {Instrument: "BTC", LastPrice: 50000, MarkPrice: 50000},
			"ETH": {Instrument: "ETH", LastPrice: 2000, MarkPrice: 2000},
		},
		benchmark: 50000,
	}
	oracle := &fakeOracle{}
	executor := &fakeExecutor{}
	account := &fakeAccount{balance: exchange.Balance{WalletBalance: 1000, AvailableBalance: 1000}}
	broadcast := &captureBroadcaster{}

	validator := risk.New(config.RiskPolicy{
		MinLeverage: 1, MaxLeverage: 20,
		MinLiquidationDistance: 0.15, MaxRiskFraction: 0.03,
		MaintenanceMarginRatio: 0.005,
	})

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	orch := New(provider, oracle, validator, executor, account, st, perf.New(0), broadcast, opts, log)
	return &fixture{orch: orch, provider: provider, oracle: oracle, executor: executor,
		account: account, store: st, broadcast: broadcast}
}

func TestCycleExecutesApprovedEntry(t *testing.T) {
	f := newFixture(t, Options{})
	f.oracle.decisions = []decision.TradingDecision{{
		Instrument: "BTC", Signal: decision.SignalBuyToEnter,
		Quantity: 0.02, Leverage: 5, ProfitTarget: 53000, StopLoss: 49000,
		Confidence: 0.7, Reasoning: "breakout",
	}}

	f.orch.RunCycle(context.Background())

	require.Len(t, f.executor.executed, 1)
	assert.Equal(t, "BTCUSDT", f.executor.executed[0].Symbol)
	assert.Equal(t, exchange.SideLong, f.executor.executed[0].Side)

	// exactly one account snapshot per cycle
	snaps, err := f.store.SnapshotsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].CycleNumber)
	assert.InDelta(t, 1000, snaps[0].AccountValue, 1e-9)
	assert.InDelta(t, 50000, snaps[0].BTCPrice, 1e-9)

	// and one broadcast carrying the executed trade
	require.Len(t, f.broadcast.updates, 1)
	assert.Len(t, f.broadcast.updates[0].Trades, 1)
	assert.Equal(t, "approved", f.broadcast.updates[0].Decisions[0].Outcome)
}

func TestOracleSeesPriorTradeOutcomes(t *testing.T) {
	f := newFixture(t, Options{})
	f.oracle.decisions = []decision.TradingDecision{{
		Instrument: "BTC", Signal: decision.SignalBuyToEnter,
		Quantity: 0.02, Leverage: 5, ProfitTarget: 53000, StopLoss: 49000,
	}}

	f.orch.RunCycle(context.Background())
	assert.Empty(t, f.oracle.gotAccount.RecentTrades, "nothing traded before the first cycle")

	f.oracle.decisions = nil
	f.orch.RunCycle(context.Background())

	require.Len(t, f.oracle.gotAccount.RecentTrades, 1)
	assert.Equal(t, "BTCUSDT", f.oracle.gotAccount.RecentTrades[0].Symbol)
	assert.Equal(t, store.StatusSuccess, f.oracle.gotAccount.RecentTrades[0].Status)
}

func TestCycleRecordsRejection(t *testing.T) {
	f := newFixture(t, Options{})
	f.oracle.decisions = []decision.TradingDecision{{
		Instrument: "BTC", Signal: decision.SignalBuyToEnter,
		Quantity: 0.02, Leverage: 25, ProfitTarget: 53000, StopLoss: 49000,
		Reasoning: "overleveraged idea",
	}}

	f.orch.RunCycle(context.Background())

	assert.Empty(t, f.executor.executed)

	rejections, err := f.store.RejectionsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, string(risk.LeverageOutOfBounds), rejections[0].Reason)
	assert.Equal(t, "overleveraged idea", rejections[0].Reasoning)

	require.Len(t, f.broadcast.updates, 1)
	assert.Equal(t, "rejected", f.broadcast.updates[0].Decisions[0].Outcome)
}

func TestCycleHoldProducesNoTrade(t *testing.T) {
	f := newFixture(t, Options{})
	f.oracle.decisions = []decision.TradingDecision{
		{Instrument: "BTC", Signal: decision.SignalHold},
		{Instrument: "ETH", Signal: decision.SignalHold},
	}

	f.orch.RunCycle(context.Background())

	assert.Empty(t, f.executor.executed)
	snaps, err := f.store.SnapshotsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1) // snapshot still emitted
}

func TestCyclePartialMarketDataFailure(t *testing.T) {
	f := newFixture(t, Options{})
	delete(f.provider.snapshots, "ETH")
	f.provider.failures = map[market.Instrument]error{"ETH": market.ErrMarketData}
	f.oracle.decisions = []decision.TradingDecision{{
		Instrument: "BTC", Signal: decision.SignalBuyToEnter,
		Quantity: 0.02, Leverage: 5, ProfitTarget: 53000, StopLoss: 49000,
	}}

	f.orch.RunCycle(context.Background())

	// BTC still trades even though ETH's data failed
	require.Len(t, f.executor.executed, 1)
	// the oracle only saw the surviving instrument
	assert.Len(t, f.oracle.gotBatch, 1)
}

func TestCycleOracleFailureSkipsAllInstruments(t *testing.T) {
	f := newFixture(t, Options{})
	f.oracle.err = &decision.DecisionError{Reason: "schema violation"}

	f.orch.RunCycle(context.Background())

	assert.Empty(t, f.executor.executed)
	snaps, err := f.store.SnapshotsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestCycleClosesBeforeEntries(t *testing.T) {
	f := newFixture(t, Options{})
	f.account.positions = []exchange.Position{{
		Symbol: "ETHUSDT", Side: exchange.SideShort, Size: 0.4, Leverage: 3, MarkPrice: 2000,
	}}
	f.oracle.decisions = []decision.TradingDecision{
		{Instrument: "BTC", Signal: decision.SignalBuyToEnter,
			Quantity: 0.02, Leverage: 5, ProfitTarget: 53000, StopLoss: 49000},
		{Instrument: "ETH", Signal: decision.SignalClose},
	}

	f.orch.RunCycle(context.Background())

	require.Len(t, f.executor.executed, 2)
	assert.Equal(t, "ETHUSDT", f.executor.executed[0].Symbol, "close must run first")
	assert.True(t, f.executor.executed[0].CloseIntent())
	assert.Equal(t, "BTCUSDT", f.executor.executed[1].Symbol)
}

func TestCyclePositionLimit(t *testing.T) {
	f := newFixture(t, Options{MaxPositions: 1})
	f.account.positions = []exchange.Position{{
		Symbol: "ETHUSDT", Side: exchange.SideLong, Size: 0.4, Leverage: 3,
	}}
	f.oracle.decisions = []decision.TradingDecision{{
		Instrument: "BTC", Signal: decision.SignalBuyToEnter,
		Quantity: 0.02, Leverage: 5, ProfitTarget: 53000, StopLoss: 49000,
	}}

	f.orch.RunCycle(context.Background())

	assert.Empty(t, f.executor.executed)
	rejections, err := f.store.RejectionsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, PositionLimitReached, rejections[0].Reason)
}

func TestCycleCloseWithoutPosition(t *testing.T) {
	f := newFixture(t, Options{})
	f.oracle.decisions = []decision.TradingDecision{{Instrument: "ETH", Signal: decision.SignalClose}}

	f.orch.RunCycle(context.Background())

	assert.Empty(t, f.executor.executed)
	rejections, err := f.store.RejectionsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, string(risk.NoPositionToClose), rejections[0].Reason)
}

func TestCacheTrim(t *testing.T) {
	f := newFixture(t, Options{CacheClearCycles: 2})
	f.oracle.decisions = []decision.TradingDecision{
		{Instrument: "BTC", Signal: decision.SignalHold},
		{Instrument: "ETH", Signal: decision.SignalHold},
	}

	for i := 0; i < 60; i++ {
		f.orch.RunCycle(context.Background())
	}

	// rolling caches stay bounded over long runs
	assert.LessOrEqual(t, len(f.orch.RecentDecisions()), recentCacheSize)
	assert.Equal(t, 60, f.orch.Cycle())
}

func TestRestoreCycle(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.AppendAccountSnapshot(context.Background(), &store.AccountSnapshot{
		Timestamp: time.Now(), CycleNumber: 41, AccountValue: 1200,
	}))

	require.NoError(t, f.orch.RestoreCycle(context.Background()))
	f.orch.RunCycle(context.Background())
	assert.Equal(t, 42, f.orch.Cycle())
}

func TestCanceledContextSkipsCycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.orch.RunCycle(ctx)
	assert.Zero(t, f.orch.Cycle())
	assert.Empty(t, f.broadcast.updates)
}

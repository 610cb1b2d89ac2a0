package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pilot/exchange"
	"pilot/risk"
	"pilot/store"
)

// ExecutionError is a venue-level failure. When a position was opened
// before the failure, the engine has already attempted its fail-safe
// unwind by the time this is returned.
type ExecutionError struct {
	Symbol string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on %s during %s: %v", e.Symbol, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Engine submits approved intents to the venue and tracks their
// records. One engine instance serves all instruments; the caller
// serializes calls per instrument.
type Engine struct {
	client exchange.Client
	store  store.Store
	log    *logrus.Entry
}

// New creates an execution engine.
func New(client exchange.Client, st store.Store, log *logrus.Logger) *Engine {
	return &Engine{
		client: client,
		store:  st,
		log:    log.WithField("component", "executor"),
	}
}

// Execute submits one validated intent. The trade record is appended
// pending before submission and moved to exactly one terminal status.
// An entered position is never left without the protective orders it
// was supposed to have: if attaching them fails, the engine closes the
// position before reporting failure.
func (e *Engine) Execute(ctx context.Context, intent *risk.ValidatedIntent, cycleNumber int) (*store.TradeRecord, error) {
	record := &store.TradeRecord{
		Timestamp:    time.Now().UTC(),
		CycleNumber:  cycleNumber,
		Instrument:   string(intent.Decision.Instrument),
		Symbol:       intent.Symbol,
		Side:         string(intent.Side),
		Signal:       string(intent.Decision.Signal),
		Quantity:     intent.Quantity,
		Leverage:     intent.Leverage,
		EntryPrice:   intent.EntryPrice,
		StopLoss:     intent.StopLoss,
		ProfitTarget: intent.ProfitTarget,
		Status:       store.StatusPending,
		Reasoning:    intent.Decision.Reasoning,
	}
	if err := e.store.AppendTrade(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}

	var err error
	if intent.CloseIntent() {
		err = e.executeClose(ctx, intent, record)
	} else {
		err = e.executeEntry(ctx, intent, record)
	}

	if err != nil {
		e.finish(ctx, record, store.StatusFailed, err.Error())
		return record, &ExecutionError{Symbol: intent.Symbol, Op: string(intent.Decision.Signal), Err: err}
	}
	e.finish(ctx, record, store.StatusSuccess, record.StatusNote)
	return record, nil
}

func (e *Engine) finish(ctx context.Context, record *store.TradeRecord, status store.ExecutionStatus, note string) {
	record.Status = status
	record.StatusNote = note
	// the terminal transition must land even when the cycle context is gone
	if err := e.store.UpdateTradeStatus(context.WithoutCancel(ctx), record.ID, status, note); err != nil {
		e.log.WithError(err).WithField("trade_id", record.ID).Error("failed to persist trade status")
	}
}

func (e *Engine) executeEntry(ctx context.Context, intent *risk.ValidatedIntent, record *store.TradeRecord) error {
	if err := e.client.SetLeverage(ctx, intent.Symbol, intent.Leverage); err != nil {
		return err
	}

	order, err := e.submitEntry(ctx, intent)
	if err != nil {
		return err
	}
	record.OrderID = order.ID

	e.log.WithFields(logrus.Fields{
		"symbol":   intent.Symbol,
		"side":     intent.Side,
		"quantity": intent.Quantity,
		"leverage": intent.Leverage,
		"order_id": order.ID,
	}).Info("entry filled, attaching protective orders")

	if err := e.attachProtectiveOrders(ctx, intent); err != nil {
		unwindNote := e.failSafeUnwind(ctx, intent)
		return fmt.Errorf("protective orders failed (%v); %s", err, unwindNote)
	}
	return nil
}

// submitEntry places the market entry, retrying once on a timeout with
// an idempotency re-check so a filled first attempt is never doubled.
func (e *Engine) submitEntry(ctx context.Context, intent *risk.ValidatedIntent) (*exchange.Order, error) {
	order, err := e.client.MarketOpen(ctx, intent.Symbol, intent.Side, intent.Quantity)
	if err == nil {
		return order, nil
	}
	if !isTimeout(err) {
		return nil, err
	}

	e.log.WithError(err).WithField("symbol", intent.Symbol).Warn("entry timed out, re-checking position before resubmit")

	pos, posErr := e.client.Position(ctx, intent.Symbol)
	if posErr == nil && pos != nil && pos.Side == intent.Side {
		// the first attempt landed after all
		return &exchange.Order{Symbol: intent.Symbol, Status: "FILLED"}, nil
	}
	return e.client.MarketOpen(ctx, intent.Symbol, intent.Side, intent.Quantity)
}

func (e *Engine) attachProtectiveOrders(ctx context.Context, intent *risk.ValidatedIntent) error {
	if err := e.client.PlaceStopLoss(ctx, intent.Symbol, intent.Side, intent.StopLoss); err != nil {
		return err
	}
	if err := e.client.PlaceTakeProfit(ctx, intent.Symbol, intent.Side, intent.ProfitTarget); err != nil {
		return err
	}
	return nil
}

// failSafeUnwind closes a freshly opened position whose protective
// orders could not be attached. It runs detached from the cycle
// context so shutdown cannot interrupt it.
func (e *Engine) failSafeUnwind(ctx context.Context, intent *risk.ValidatedIntent) string {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	e.log.WithField("symbol", intent.Symbol).Warn("unwinding unprotected position")

	_, err := e.client.MarketClose(uctx, intent.Symbol, intent.Side, intent.Quantity)
	if err != nil {
		// one more attempt before declaring the position orphaned
		_, err = e.client.MarketClose(uctx, intent.Symbol, intent.Side, intent.Quantity)
	}
	if err != nil {
		e.log.WithError(err).WithField("symbol", intent.Symbol).Error("fail-safe unwind FAILED, position is unprotected")
		return fmt.Sprintf("fail-safe unwind failed, position unprotected: %v", err)
	}

	if err := e.client.CancelAllOrders(uctx, intent.Symbol); err != nil {
		e.log.WithError(err).WithField("symbol", intent.Symbol).Warn("failed to cancel leftover orders after unwind")
	}
	return "position unwound by fail-safe close"
}

func (e *Engine) executeClose(ctx context.Context, intent *risk.ValidatedIntent, record *store.TradeRecord) error {
	order, err := e.client.MarketClose(ctx, intent.Symbol, intent.Side, intent.Quantity)
	if err != nil && isTimeout(err) {
		pos, posErr := e.client.Position(ctx, intent.Symbol)
		if posErr == nil && pos == nil {
			// position already gone, the close landed
			err = nil
			order = &exchange.Order{Symbol: intent.Symbol, Status: "FILLED"}
		} else {
			order, err = e.client.MarketClose(ctx, intent.Symbol, intent.Side, intent.Quantity)
		}
	}
	if err != nil {
		return err
	}
	record.OrderID = order.ID

	// clear the now-pointless conditional orders
	if err := e.client.CancelAllOrders(ctx, intent.Symbol); err != nil {
		e.log.WithError(err).WithField("symbol", intent.Symbol).Warn("failed to cancel conditional orders after close")
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

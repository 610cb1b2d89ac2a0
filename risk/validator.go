package risk

import (
	"fmt"
	"math"

	"pilot/config"
	"pilot/decision"
	"pilot/exchange"
)

// Reason identifies which rule rejected a decision. Rules apply in a
// fixed order; the first failing rule wins, so reasons are mutually
// exclusive and deterministic.
type Reason string

const (
	LeverageOutOfBounds   Reason = "LeverageOutOfBounds"
	MissingOrInvalidStops Reason = "MissingOrInvalidStops"
	LiquidationTooClose   Reason = "LiquidationTooClose"
	RiskBudgetExceeded    Reason = "RiskBudgetExceeded"
	DuplicatePosition     Reason = "DuplicatePosition"
	NoPositionToClose     Reason = "NoPositionToClose"
)

// Rejection is a normal control-flow outcome, not an error. It is
// recorded with the decision's reasoning and never submitted.
type Rejection struct {
	Decision decision.TradingDecision `json:"decision"`
	Reason   Reason                   `json:"reason"`
	Detail   string                   `json:"detail"`
}

// ValidatedIntent is an approved decision plus the exact order plan to
// submit. It exists only between validation and submission.
type ValidatedIntent struct {
	Decision decision.TradingDecision `json:"decision"`

	Symbol       string        `json:"symbol"`
	Side         exchange.Side `json:"side"`
	Quantity     float64       `json:"quantity"`
	Leverage     int           `json:"leverage"`
	EntryPrice   float64       `json:"entry_price"` // mark price at validation
	StopLoss     float64       `json:"stop_loss"`
	ProfitTarget float64       `json:"profit_target"`

	// derived at validation time
	LiquidationDistance float64 `json:"liquidation_distance"` // fraction of mark price
	RiskFraction        float64 `json:"risk_fraction"`        // fraction of account equity
}

// CloseIntent reports whether the intent unwinds an existing position
// rather than opening one.
func (vi *ValidatedIntent) CloseIntent() bool {
	return vi.Decision.Signal == decision.SignalClose
}

// Validator applies the hard risk rules to each candidate decision.
// Thresholds come from configuration; they are policy, not mechanism.
type Validator struct {
	policy config.RiskPolicy
}

// New creates a validator with the given policy.
func New(policy config.RiskPolicy) *Validator {
	return &Validator{policy: policy}
}

// Validate runs the rule chain for one decision. Exactly one of the
// returns is non-nil, except for hold, which produces neither an
// intent nor a rejection.
func (v *Validator) Validate(d decision.TradingDecision, markPrice, equity float64, position *exchange.Position) (*ValidatedIntent, *Rejection) {
	switch d.Signal {
	case decision.SignalHold:
		return nil, nil

	case decision.SignalClose:
		if position == nil {
			return nil, &Rejection{
				Decision: d,
				Reason:   NoPositionToClose,
				Detail:   fmt.Sprintf("no open position on %s", d.Instrument),
			}
		}
		return &ValidatedIntent{
			Decision:   d,
			Symbol:     d.Instrument.Symbol(),
			Side:       position.Side,
			Quantity:   position.Size,
			Leverage:   position.Leverage,
			EntryPrice: markPrice,
		}, nil
	}

	return v.validateEntry(d, markPrice, equity, position)
}

func (v *Validator) validateEntry(d decision.TradingDecision, markPrice, equity float64, position *exchange.Position) (*ValidatedIntent, *Rejection) {
	side := exchange.SideLong
	if d.Signal == decision.SignalSellToEnter {
		side = exchange.SideShort
	}

	// rule 1: leverage bound
	if d.Leverage < v.policy.MinLeverage || d.Leverage > v.policy.MaxLeverage {
		return nil, &Rejection{
			Decision: d,
			Reason:   LeverageOutOfBounds,
			Detail:   fmt.Sprintf("leverage %dx outside [%d, %d]", d.Leverage, v.policy.MinLeverage, v.policy.MaxLeverage),
		}
	}

	// rule 2: both protective prices present, on the correct side
	if detail, ok := checkStops(side, markPrice, d.StopLoss, d.ProfitTarget); !ok {
		return nil, &Rejection{Decision: d, Reason: MissingOrInvalidStops, Detail: detail}
	}

	// rule 3: estimated liquidation price far enough from mark
	liqPrice := v.estimateLiquidation(side, markPrice, d.Leverage)
	liqDistance := math.Abs(markPrice-liqPrice) / markPrice
	if liqDistance < v.policy.MinLiquidationDistance {
		return nil, &Rejection{
			Decision: d,
			Reason:   LiquidationTooClose,
			Detail: fmt.Sprintf("estimated liquidation %.4f is %.1f%% from mark %.4f, minimum %.1f%%",
				liqPrice, liqDistance*100, markPrice, v.policy.MinLiquidationDistance*100),
		}
	}

	// rule 4: loss at the stop within the risk budget
	riskUSD := d.Quantity * math.Abs(markPrice-d.StopLoss)
	riskFraction := 1.0
	if equity > 0 {
		riskFraction = riskUSD / equity
	}
	if riskFraction > v.policy.MaxRiskFraction {
		return nil, &Rejection{
			Decision: d,
			Reason:   RiskBudgetExceeded,
			Detail: fmt.Sprintf("stop-out loss %.2f USDT is %.2f%% of equity %.2f, budget %.2f%%",
				riskUSD, riskFraction*100, equity, v.policy.MaxRiskFraction*100),
		}
	}

	// rule 5: one position per instrument
	if position != nil {
		return nil, &Rejection{
			Decision: d,
			Reason:   DuplicatePosition,
			Detail:   fmt.Sprintf("%s already holds a %s position, close it first", d.Instrument, position.Side),
		}
	}

	return &ValidatedIntent{
		Decision:            d,
		Symbol:              d.Instrument.Symbol(),
		Side:                side,
		Quantity:            d.Quantity,
		Leverage:            d.Leverage,
		EntryPrice:          markPrice,
		StopLoss:            d.StopLoss,
		ProfitTarget:        d.ProfitTarget,
		LiquidationDistance: liqDistance,
		RiskFraction:        riskFraction,
	}, nil
}

func checkStops(side exchange.Side, markPrice, stopLoss, profitTarget float64) (string, bool) {
	if stopLoss <= 0 || profitTarget <= 0 {
		return "entering decision must carry both stop_loss and profit_target", false
	}
	if side == exchange.SideLong {
		if stopLoss >= markPrice {
			return fmt.Sprintf("long stop_loss %.4f must be below mark price %.4f", stopLoss, markPrice), false
		}
		if profitTarget <= markPrice {
			return fmt.Sprintf("long profit_target %.4f must be above mark price %.4f", profitTarget, markPrice), false
		}
	} else {
		if stopLoss <= markPrice {
			return fmt.Sprintf("short stop_loss %.4f must be above mark price %.4f", stopLoss, markPrice), false
		}
		if profitTarget >= markPrice {
			return fmt.Sprintf("short profit_target %.4f must be below mark price %.4f", profitTarget, markPrice), false
		}
	}
	return "", true
}

// estimateLiquidation uses the isolated-margin approximation: the
// position liquidates when the adverse move consumes the initial
// margin, less the maintenance margin buffer.
func (v *Validator) estimateLiquidation(side exchange.Side, entry float64, leverage int) float64 {
	move := entry * (1.0/float64(leverage) - v.policy.MaintenanceMarginRatio)
	if side == exchange.SideLong {
		return entry - move
	}
	return entry + move
}

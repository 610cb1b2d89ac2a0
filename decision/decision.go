package decision

import (
	"fmt"

	"pilot/market"
)

// Signal is the categorical action proposed by the oracle.
type Signal string

const (
	SignalBuyToEnter  Signal = "buy_to_enter"
	SignalSellToEnter Signal = "sell_to_enter"
	SignalHold        Signal = "hold"
	SignalClose       Signal = "close"
)

// IsEntering reports whether the signal opens a new position.
func (s Signal) IsEntering() bool {
	return s == SignalBuyToEnter || s == SignalSellToEnter
}

func (s Signal) valid() bool {
	switch s {
	case SignalBuyToEnter, SignalSellToEnter, SignalHold, SignalClose:
		return true
	}
	return false
}

// TradingDecision is one oracle decision for one instrument in one
// cycle. Immutable once emitted; consumed exactly once by validation.
type TradingDecision struct {
	Instrument   market.Instrument `json:"coin"`
	Signal       Signal            `json:"signal"`
	Quantity     float64           `json:"quantity"`
	Leverage     int               `json:"leverage"`
	ProfitTarget float64           `json:"profit_target"`
	StopLoss     float64           `json:"stop_loss"`
	Confidence   float64           `json:"confidence"`
	Reasoning    string            `json:"reasoning"`
}

// DecisionError marks an oracle failure or schema violation. The
// instrument's cycle is skipped; other instruments are unaffected.
type DecisionError struct {
	Instrument market.Instrument
	Reason     string
	Err        error
}

func (e *DecisionError) Error() string {
	if e.Instrument != "" {
		return fmt.Sprintf("decision error for %s: %s", e.Instrument, e.Reason)
	}
	return fmt.Sprintf("decision error: %s", e.Reason)
}

func (e *DecisionError) Unwrap() error { return e.Err }

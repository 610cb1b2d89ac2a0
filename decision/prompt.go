package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"pilot/exchange"
	"pilot/market"
	"pilot/store"
)

// promptTradeLimit caps how many recent trades the oracle sees.
const promptTradeLimit = 10

// AccountContext is the account-side state handed to the oracle
// alongside the market snapshots.
type AccountContext struct {
	Equity           float64             `json:"equity"`
	AvailableBalance float64             `json:"available_balance"`
	ReturnPct        float64             `json:"return_pct"`
	SharpeRatio      float64             `json:"sharpe_ratio"`
	Positions        []exchange.Position `json:"positions"`
	RecentTrades     []store.TradeRecord `json:"recent_trades"`
}

// PromptPolicy is the subset of the risk policy the oracle is told
// about, so it proposes decisions the validator will accept.
type PromptPolicy struct {
	MinLeverage            int
	MaxLeverage            int
	MinLiquidationDistance float64
	MaxRiskFraction        float64
}

func buildSystemPrompt(instruments []market.Instrument, policy PromptPolicy) string {
	var b strings.Builder

	b.WriteString("You are an autonomous crypto futures trading agent. ")
	b.WriteString("Each cycle you receive market snapshots and account state, and you respond with exactly one decision per instrument.\n\n")

	b.WriteString("Instruments under management: ")
	for i, inst := range instruments {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(inst))
	}
	b.WriteString("\n\n")

	b.WriteString("Signals:\n")
	b.WriteString("- buy_to_enter: open a long position\n")
	b.WriteString("- sell_to_enter: open a short position\n")
	b.WriteString("- close: fully close the existing position\n")
	b.WriteString("- hold: do nothing this cycle\n\n")

	b.WriteString("Hard risk rules (violations are rejected without execution):\n")
	fmt.Fprintf(&b, "- leverage must be an integer between %d and %d\n", policy.MinLeverage, policy.MaxLeverage)
	b.WriteString("- every entering decision must include both stop_loss and profit_target, on the correct side of the current price\n")
	fmt.Fprintf(&b, "- estimated liquidation price must be at least %.0f%% away from the mark price\n", policy.MinLiquidationDistance*100)
	fmt.Fprintf(&b, "- the amount lost if the stop triggers must not exceed %.1f%% of account equity\n", policy.MaxRiskFraction*100)
	b.WriteString("- never enter on an instrument that already has an open position; close it first\n\n")

	b.WriteString("Respond with a single JSON object, no prose outside it:\n")
	b.WriteString(`{"decisions": [{"coin": "BTC", "signal": "buy_to_enter", "quantity": 0.01, "leverage": 5, "profit_target": 53000, "stop_loss": 49000, "confidence": 0.7, "reasoning": "..."}]}`)
	b.WriteString("\n")
	b.WriteString("For hold and close, set quantity to 0, leverage to 1, and profit_target/stop_loss to 0.\n")

	return b.String()
}

func buildUserPrompt(snapshots map[market.Instrument]market.Snapshot, account AccountContext) string {
	var b strings.Builder

	b.WriteString("## Account\n")
	fmt.Fprintf(&b, "equity: %.2f USDT, available: %.2f USDT, return: %.2f%%, sharpe: %.3f\n\n",
		account.Equity, account.AvailableBalance, account.ReturnPct, account.SharpeRatio)

	b.WriteString("## Open positions\n")
	if len(account.Positions) == 0 {
		b.WriteString("none\n")
	} else {
		for _, pos := range account.Positions {
			fmt.Fprintf(&b, "%s %s size=%.6f entry=%.4f mark=%.4f pnl=%.2f leverage=%dx liq=%.4f\n",
				pos.Symbol, pos.Side, pos.Size, pos.EntryPrice, pos.MarkPrice,
				pos.UnrealizedPnL, pos.Leverage, pos.LiquidationPrice)
		}
	}
	b.WriteString("\n## Recent trades\n")
	trades := account.RecentTrades
	if len(trades) > promptTradeLimit {
		trades = trades[len(trades)-promptTradeLimit:]
	}
	if len(trades) == 0 {
		b.WriteString("none\n")
	} else {
		for _, tr := range trades {
			fmt.Fprintf(&b, "%s %s %s %s qty=%.6f entry=%.4f leverage=%dx status=%s",
				tr.Timestamp.Format("2006-01-02 15:04"), tr.Symbol, tr.Signal, tr.Side,
				tr.Quantity, tr.EntryPrice, tr.Leverage, tr.Status)
			if tr.StatusNote != "" {
				fmt.Fprintf(&b, " (%s)", tr.StatusNote)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Market snapshots\n")

	for _, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n", snap.Instrument, payload)
	}

	b.WriteString("\nReturn one decision per instrument listed above.\n")
	return b.String()
}

package decision

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pilot/market"
	"pilot/store"
)

func TestUserPromptIncludesRecentTrades(t *testing.T) {
	account := AccountContext{
		Equity: 1000,
		RecentTrades: []store.TradeRecord{
			{
				Timestamp: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
				Symbol:    "BTCUSDT",
				Signal:    "buy_to_enter",
				Side:      "long",
				Quantity:  0.02,
				Leverage:  5,
				Status:    store.StatusSuccess,
			},
			{
				Timestamp:  time.Date(2026, 8, 31, 12, 3, 0, 0, time.UTC),
				Symbol:     "ETHUSDT",
				Signal:     "buy_to_enter",
				Side:       "long",
				Quantity:   0.5,
				Leverage:   10,
				Status:     store.StatusFailed,
				StatusNote: "insufficient margin",
			},
		},
	}

	prompt := buildUserPrompt(map[market.Instrument]market.Snapshot{}, account)

	assert.Contains(t, prompt, "## Recent trades")
	assert.Contains(t, prompt, "BTCUSDT buy_to_enter long")
	assert.Contains(t, prompt, "status=success")
	assert.Contains(t, prompt, "status=failed (insufficient margin)")
}

func TestUserPromptNoTrades(t *testing.T) {
	prompt := buildUserPrompt(map[market.Instrument]market.Snapshot{}, AccountContext{})
	assert.Contains(t, prompt, "## Recent trades\nnone")
}

func TestUserPromptCapsTradeHistory(t *testing.T) {
	account := AccountContext{}
	for i := 0; i < promptTradeLimit+5; i++ {
		account.RecentTrades = append(account.RecentTrades, store.TradeRecord{
			Symbol: fmt.Sprintf("T%dUSDT", i),
			Signal: "buy_to_enter",
			Side:   "long",
			Status: store.StatusSuccess,
		})
	}

	prompt := buildUserPrompt(map[market.Instrument]market.Snapshot{}, account)

	// only the newest promptTradeLimit entries survive
	assert.NotContains(t, prompt, "T0USDT")
	assert.NotContains(t, prompt, "T4USDT")
	assert.Contains(t, prompt, "T5USDT")
	assert.Contains(t, prompt, fmt.Sprintf("T%dUSDT", promptTradeLimit+4))
	assert.Equal(t, promptTradeLimit, strings.Count(prompt, "status="))
}

package market

import (
	"errors"
	"time"

	"pilot/exchange"
)

// Instrument is a configured base symbol, e.g. "BTC". The configured
// set is fixed for the process lifetime.
type Instrument string

// Symbol returns the venue symbol for the USDT-margined contract.
func (i Instrument) Symbol() string {
	return string(i) + "USDT"
}

// ErrMarketData marks transient market-data failures. Callers retry,
// then skip the instrument's cycle.
var ErrMarketData = errors.New("market data unavailable")

// Indicators are the technical values computed from recent klines.
// The EMA/MACD/RSI/ATR values come from the intraday interval; the
// Trend values come from the 4h interval.
type Indicators struct {
	EMA20  float64 `json:"ema_20"`
	EMA50  float64 `json:"ema_50"`
	MACD   float64 `json:"macd"`
	RSI7   float64 `json:"rsi_7"`
	RSI14  float64 `json:"rsi_14"`
	ATR14  float64 `json:"atr_14"`

	TrendEMA20 float64 `json:"trend_ema_20"`
	TrendEMA50 float64 `json:"trend_ema_50"`

	// recent series for the oracle prompt, oldest first
	Prices []float64 `json:"prices"`
	MACDs  []float64 `json:"macd_series"`
	RSI14s []float64 `json:"rsi_14_series"`
}

// Snapshot is the per-instrument market state for one cycle. Created
// fresh each cycle; only the latest per instrument is cached for the
// dashboard ticker.
type Snapshot struct {
	Instrument  Instrument         `json:"instrument"`
	Timestamp   time.Time          `json:"timestamp"`
	LastPrice   float64            `json:"last_price"`
	MarkPrice   float64            `json:"mark_price"`
	Change24h   float64            `json:"change_24h"` // percent
	FundingRate float64            `json:"funding_rate"`
	Indicators  Indicators         `json:"indicators"`
	Position    *exchange.Position `json:"position,omitempty"`
}

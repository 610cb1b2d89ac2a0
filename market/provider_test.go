package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestProvider scripts the per-instrument fetch and shrinks the
// retry backoff so tests run fast.
func newTestProvider(t *testing.T, instruments []string, fetch func(ctx context.Context, instrument Instrument) (Snapshot, error)) *Provider {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	p := NewProvider(instruments, log)
	p.fetch = fetch
	p.retryMin = time.Millisecond
	p.retryMax = 5 * time.Millisecond
	return p
}

func TestInstrumentSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Instrument("BTC").Symbol())
	assert.Equal(t, "ETHUSDT", Instrument("ETH").Symbol())
}

func TestParseKlines(t *testing.T) {
	klines := []*futures.Kline{
		{High: "101.5", Low: "99.0", Close: "100.0"},
		{High: "103.0", Low: "100.5", Close: "102.5"},
	}
	high, low, closes := parseKlines(klines)
	assert.Equal(t, []float64{101.5, 103.0}, high)
	assert.Equal(t, []float64{99.0, 100.5}, low)
	assert.Equal(t, []float64{100.0, 102.5}, closes)
}

func TestComputeIndicatorsSeriesBounds(t *testing.T) {
	high := make([]float64, 100)
	low := make([]float64, 100)
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
		high[i] = closes[i] + 1
		low[i] = closes[i] - 1
	}

	ind := computeIndicators(high, low, closes)

	require.Len(t, ind.Prices, seriesLength)
	require.Len(t, ind.MACDs, seriesLength)
	require.Len(t, ind.RSI14s, seriesLength)
	assert.NotZero(t, ind.EMA20)
	assert.NotZero(t, ind.EMA50)
	assert.NotZero(t, ind.ATR14)
	// RSI stays within its bounds
	assert.GreaterOrEqual(t, ind.RSI14, 0.0)
	assert.LessOrEqual(t, ind.RSI14, 100.0)
	// series ends with the latest close
	assert.Equal(t, closes[len(closes)-1], ind.Prices[len(ind.Prices)-1])
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	attempts := 0
	p := newTestProvider(t, []string{"BTC"}, func(ctx context.Context, instrument Instrument) (Snapshot, error) {
		attempts++
		if attempts < 2 {
			return Snapshot{}, errors.New("connection reset")
		}
		return Snapshot{Instrument: instrument, LastPrice: 50000}, nil
	})

	snap, err := p.Fetch(context.Background(), Instrument("BTC"))
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 50000.0, snap.LastPrice)
	// successful benchmark fetch updates the cached price
	assert.Equal(t, 50000.0, p.BenchmarkPrice())
}

func TestFetchExhaustionFailsInstrument(t *testing.T) {
	attempts := 0
	p := newTestProvider(t, []string{"BTC"}, func(ctx context.Context, instrument Instrument) (Snapshot, error) {
		attempts++
		return Snapshot{}, errors.New("service unavailable")
	})

	_, err := p.Fetch(context.Background(), Instrument("BTC"))
	require.Error(t, err)
	assert.Equal(t, fetchAttempts, attempts)
	assert.ErrorIs(t, err, ErrMarketData)
	assert.Contains(t, err.Error(), "service unavailable")
	assert.Zero(t, p.BenchmarkPrice())
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	p := newTestProvider(t, []string{"BTC", "ETH"}, func(ctx context.Context, instrument Instrument) (Snapshot, error) {
		if instrument == "ETH" {
			return Snapshot{}, errors.New("service unavailable")
		}
		return Snapshot{Instrument: instrument, LastPrice: 50000}, nil
	})

	snapshots, failures := p.FetchAll(context.Background())
	require.Len(t, snapshots, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, 50000.0, snapshots["BTC"].LastPrice)
	assert.ErrorIs(t, failures["ETH"], ErrMarketData)
}

func TestComputeIndicatorsTooFewPoints(t *testing.T) {
	ind := computeIndicators([]float64{101}, []float64{99}, []float64{100})
	assert.Equal(t, []float64{100}, ind.Prices)
	assert.Zero(t, ind.EMA20)
}

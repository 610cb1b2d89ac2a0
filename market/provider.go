package market

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/cinar/indicator"
	"github.com/jpillora/backoff"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	klineInterval = "3m"
	trendInterval = "4h"
	klineLimit    = 100 // long enough for EMA50
	seriesLength  = 30
	fetchAttempts = 3

	benchmarkInstrument = Instrument("BTC")
)

// Provider fetches per-instrument market snapshots from Binance
// futures market-data endpoints. Market data needs no API keys.
type Provider struct {
	client      *futures.Client
	instruments []Instrument
	log         *logrus.Entry

	// fetch is swappable for tests
	fetch              func(ctx context.Context, instrument Instrument) (Snapshot, error)
	retryMin, retryMax time.Duration

	// last successfully fetched benchmark price, display fallback only
	benchmarkMu sync.RWMutex
	benchmark   float64
}

// NewProvider creates a market data provider for the configured instruments.
func NewProvider(instruments []string, log *logrus.Logger) *Provider {
	p := &Provider{
		client:      futures.NewClient("", ""),
		instruments: lo.Map(instruments, func(s string, _ int) Instrument { return Instrument(s) }),
		log:         log.WithField("component", "market"),
		retryMin:    time.Second,
		retryMax:    10 * time.Second,
	}
	p.fetch = p.fetchOnce
	return p
}

// Instruments returns the configured instrument set.
func (p *Provider) Instruments() []Instrument {
	return p.instruments
}

// Fetch builds a snapshot for one instrument. Transient failures are
// retried with exponential backoff; exhaustion fails only this
// instrument's cycle.
func (p *Provider) Fetch(ctx context.Context, instrument Instrument) (Snapshot, error) {
	b := &backoff.Backoff{Min: p.retryMin, Max: p.retryMax, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		snap, err := p.fetch(ctx, instrument)
		if err == nil {
			if instrument == benchmarkInstrument {
				p.benchmarkMu.Lock()
				p.benchmark = snap.LastPrice
				p.benchmarkMu.Unlock()
			}
			return snap, nil
		}
		lastErr = err
		if attempt < fetchAttempts {
			p.log.WithError(err).WithFields(logrus.Fields{
				"instrument": instrument,
				"attempt":    attempt,
			}).Warn("snapshot fetch failed, retrying")
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			}
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrMarketData, instrument, fetchAttempts, lastErr)
}

// FetchAll fetches every configured instrument concurrently. Failed
// instruments are reported in the error map, never aborting siblings.
func (p *Provider) FetchAll(ctx context.Context) (map[Instrument]Snapshot, map[Instrument]error) {
	var (
		mu        sync.Mutex
		snapshots = make(map[Instrument]Snapshot, len(p.instruments))
		failures  = make(map[Instrument]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(p.instruments))
	for _, instrument := range p.instruments {
		g.Go(func() error {
			snap, err := p.Fetch(gctx, instrument)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[instrument] = err
				return nil
			}
			snapshots[instrument] = snap
			return nil
		})
	}
	_ = g.Wait()
	return snapshots, failures
}

// BenchmarkPrice returns the last good BTC price, for display fallback.
func (p *Provider) BenchmarkPrice() float64 {
	p.benchmarkMu.RLock()
	defer p.benchmarkMu.RUnlock()
	return p.benchmark
}

func (p *Provider) fetchOnce(ctx context.Context, instrument Instrument) (Snapshot, error) {
	symbol := instrument.Symbol()
	snap := Snapshot{Instrument: instrument, Timestamp: time.Now().UTC()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := p.client.NewPremiumIndexService().Symbol(symbol).Do(gctx)
		if err != nil {
			return fmt.Errorf("premium index for %s: %w", symbol, err)
		}
		for _, r := range res {
			if r.Symbol == symbol {
				if mark, err := strconv.ParseFloat(r.MarkPrice, 64); err == nil {
					snap.MarkPrice = mark
				}
				if rate, err := strconv.ParseFloat(r.LastFundingRate, 64); err == nil {
					snap.FundingRate = rate
				}
				return nil
			}
		}
		return fmt.Errorf("premium index missing symbol %s", symbol)
	})

	g.Go(func() error {
		stats, err := p.client.NewListPriceChangeStatsService().Symbol(symbol).Do(gctx)
		if err != nil {
			return fmt.Errorf("24h stats for %s: %w", symbol, err)
		}
		for _, s := range stats {
			if s.Symbol == symbol {
				if last, err := strconv.ParseFloat(s.LastPrice, 64); err == nil {
					snap.LastPrice = last
				}
				if pct, err := strconv.ParseFloat(s.PriceChangePercent, 64); err == nil {
					snap.Change24h = pct
				}
				return nil
			}
		}
		return fmt.Errorf("24h stats missing symbol %s", symbol)
	})

	g.Go(func() error {
		klines, err := p.client.NewKlinesService().
			Symbol(symbol).
			Interval(klineInterval).
			Limit(klineLimit).
			Do(gctx)
		if err != nil {
			return fmt.Errorf("klines for %s: %w", symbol, err)
		}
		high, low, closes := parseKlines(klines)
		snap.Indicators = computeIndicators(high, low, closes)
		return nil
	})

	var trendEMA20, trendEMA50 float64
	g.Go(func() error {
		klines, err := p.client.NewKlinesService().
			Symbol(symbol).
			Interval(trendInterval).
			Limit(klineLimit).
			Do(gctx)
		if err != nil {
			return fmt.Errorf("trend klines for %s: %w", symbol, err)
		}
		_, _, closes := parseKlines(klines)
		if len(closes) < 2 {
			return nil
		}
		trendEMA20 = lo.LastOrEmpty(indicator.Ema(20, closes))
		trendEMA50 = lo.LastOrEmpty(indicator.Ema(50, closes))
		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	snap.Indicators.TrendEMA20 = trendEMA20
	snap.Indicators.TrendEMA50 = trendEMA50
	if snap.LastPrice == 0 {
		snap.LastPrice = snap.MarkPrice
	}
	return snap, nil
}

func parseKlines(klines []*futures.Kline) (high, low, closes []float64) {
	high = make([]float64, len(klines))
	low = make([]float64, len(klines))
	closes = make([]float64, len(klines))
	for i, k := range klines {
		high[i], _ = strconv.ParseFloat(k.High, 64)
		low[i], _ = strconv.ParseFloat(k.Low, 64)
		closes[i], _ = strconv.ParseFloat(k.Close, 64)
	}
	return high, low, closes
}

func computeIndicators(high, low, closes []float64) Indicators {
	if len(closes) < 2 {
		return Indicators{Prices: closes}
	}

	ema20 := indicator.Ema(20, closes)
	ema50 := indicator.Ema(50, closes)
	macd, _ := indicator.Macd(closes)
	_, rsi7 := indicator.RsiPeriod(7, closes)
	_, rsi14 := indicator.RsiPeriod(14, closes)
	_, atr14 := indicator.Atr(14, high, low, closes)

	return Indicators{
		EMA20:  lo.LastOrEmpty(ema20),
		EMA50:  lo.LastOrEmpty(ema50),
		MACD:   lo.LastOrEmpty(macd),
		RSI7:   lo.LastOrEmpty(rsi7),
		RSI14:  lo.LastOrEmpty(rsi14),
		ATR14:  lo.LastOrEmpty(atr14),
		Prices: lo.Subset(closes, -seriesLength, uint(seriesLength)),
		MACDs:  lo.Subset(macd, -seriesLength, uint(seriesLength)),
		RSI14s: lo.Subset(rsi14, -seriesLength, uint(seriesLength)),
	}
}

package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Binance implements Client against Binance USDT-M futures.
//
// Balance and position reads are cached for a short TTL; every mutating
// call invalidates both caches so the next read reflects the venue.
type Binance struct {
	client *futures.Client
	log    *logrus.Entry

	// shared limiter for read endpoints
	readLimiter *rate.Limiter

	cacheTTL time.Duration

	balanceMu    sync.RWMutex
	balance      *Balance
	balanceTime  time.Time
	positionsMu  sync.RWMutex
	positions    []Position
	positionsTim time.Time

	// symbol -> LOT_SIZE step, filled lazily from exchange info
	stepMu sync.Mutex
	steps  map[string]decimal.Decimal

	// per-symbol last leverage to skip redundant changes
	levMu     sync.Mutex
	leverages map[string]int

	timeSyncMu   sync.Mutex
	lastTimeSync time.Time
}

// NewBinance creates a futures client. Testnet switches the endpoint
// globally in go-binance, so it must be decided before the first client.
func NewBinance(apiKey, secretKey string, testnet bool, log *logrus.Logger) *Binance {
	futures.UseTestnet = testnet
	b := &Binance{
		client:      futures.NewClient(apiKey, secretKey),
		log:         log.WithField("component", "binance"),
		readLimiter: rate.NewLimiter(rate.Limit(8), 16),
		cacheTTL:    15 * time.Second,
		steps:       make(map[string]decimal.Decimal),
		leverages:   make(map[string]int),
	}
	b.syncServerTime(context.Background())
	return b
}

func (b *Binance) syncServerTime(ctx context.Context) {
	serverTime, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		b.log.WithError(err).Warn("failed to fetch server time, continuing without sync")
		return
	}
	offset := serverTime - time.Now().UnixMilli()
	if offset > 1000 || offset < -1000 {
		b.log.WithField("offset_ms", offset).Warn("local clock drifts from venue server time")
	}
}

// isTimestampError matches the -1021 "Timestamp for this request" rejection.
func isTimestampError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "-1021") || strings.Contains(err.Error(), "Timestamp for this request"))
}

// resyncAndRetry re-syncs server time (at most once per minute) so the
// retried call on the caller side has a fresh clock reference.
func (b *Binance) resyncAndRetry(ctx context.Context) {
	b.timeSyncMu.Lock()
	defer b.timeSyncMu.Unlock()
	if time.Since(b.lastTimeSync) < time.Minute {
		return
	}
	b.syncServerTime(ctx)
	b.lastTimeSync = time.Now()
}

func (b *Binance) invalidateCaches() {
	b.balanceMu.Lock()
	b.balance = nil
	b.balanceMu.Unlock()
	b.positionsMu.Lock()
	b.positions = nil
	b.positionsMu.Unlock()
}

// Balance returns wallet balance, available balance and unrealized P&L.
func (b *Binance) Balance(ctx context.Context) (Balance, error) {
	b.balanceMu.RLock()
	if b.balance != nil && time.Since(b.balanceTime) < b.cacheTTL {
		bal := *b.balance
		b.balanceMu.RUnlock()
		return bal, nil
	}
	b.balanceMu.RUnlock()

	if err := b.readLimiter.Wait(ctx); err != nil {
		return Balance{}, err
	}
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil && isTimestampError(err) {
		b.resyncAndRetry(ctx)
		account, err = b.client.NewGetAccountService().Do(ctx)
	}
	if err != nil {
		return Balance{}, fmt.Errorf("failed to fetch account: %w", err)
	}

	wallet, _ := strconv.ParseFloat(account.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(account.AvailableBalance, 64)
	unrealized, _ := strconv.ParseFloat(account.TotalUnrealizedProfit, 64)
	bal := Balance{WalletBalance: wallet, AvailableBalance: available, UnrealizedPnL: unrealized}

	b.balanceMu.Lock()
	b.balance = &bal
	b.balanceTime = time.Now()
	b.balanceMu.Unlock()
	return bal, nil
}

// Positions returns all open positions (non-zero position amount).
func (b *Binance) Positions(ctx context.Context) ([]Position, error) {
	b.positionsMu.RLock()
	if b.positions != nil && time.Since(b.positionsTim) < b.cacheTTL {
		out := make([]Position, len(b.positions))
		copy(out, b.positions)
		b.positionsMu.RUnlock()
		return out, nil
	}
	b.positionsMu.RUnlock()

	if err := b.readLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil && isTimestampError(err) {
		b.resyncAndRetry(ctx)
		risks, err = b.client.NewGetPositionRiskService().Do(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position risk: %w", err)
	}

	var positions []Position
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		liq, _ := strconv.ParseFloat(r.LiquidationPrice, 64)
		lev, _ := strconv.Atoi(r.Leverage)

		side := SideLong
		size := amt
		if amt < 0 {
			side = SideShort
			size = -amt
		}
		positions = append(positions, Position{
			Symbol:           r.Symbol,
			Side:             side,
			Size:             size,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedPnL:    pnl,
			Leverage:         lev,
			LiquidationPrice: liq,
		})
	}

	b.positionsMu.Lock()
	b.positions = positions
	b.positionsTim = time.Now()
	b.positionsMu.Unlock()
	return positions, nil
}

// Position returns the open position for a symbol, or nil.
func (b *Binance) Position(ctx context.Context, symbol string) (*Position, error) {
	positions, err := b.Positions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// MarkPrice returns the current mark price from the premium index.
func (b *Binance) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.readLimiter.Wait(ctx); err != nil {
		return 0, err
	}
	res, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch premium index for %s: %w", symbol, err)
	}
	for _, r := range res {
		if r.Symbol == symbol {
			return strconv.ParseFloat(r.MarkPrice, 64)
		}
	}
	return 0, fmt.Errorf("no mark price returned for %s", symbol)
}

// SetLeverage changes the symbol leverage, skipping the call when the
// last applied value matches.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	b.levMu.Lock()
	if b.leverages[symbol] == leverage {
		b.levMu.Unlock()
		return nil
	}
	b.levMu.Unlock()

	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil && isTimestampError(err) {
		b.resyncAndRetry(ctx)
		_, err = b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to set leverage %dx on %s: %w", leverage, symbol, err)
	}

	b.levMu.Lock()
	b.leverages[symbol] = leverage
	b.levMu.Unlock()
	return nil
}

func entrySide(side Side) futures.SideType {
	if side == SideLong {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func exitSide(side Side) futures.SideType {
	if side == SideLong {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// MarketOpen submits a market entry.
func (b *Binance) MarketOpen(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error) {
	qty, err := b.FormatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, err
	}

	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(entrySide(side)).
		PositionSide(futures.PositionSideTypeBoth).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("market %s entry on %s failed: %w", side, symbol, err)
	}
	b.invalidateCaches()
	return &Order{ID: res.OrderID, Symbol: symbol, Status: string(res.Status)}, nil
}

// MarketClose submits a reduce-only market order against the position.
func (b *Binance) MarketClose(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error) {
	qty, err := b.FormatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, err
	}

	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide(side)).
		PositionSide(futures.PositionSideTypeBoth).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("market close on %s failed: %w", symbol, err)
	}
	b.invalidateCaches()
	return &Order{ID: res.OrderID, Symbol: symbol, Status: string(res.Status)}, nil
}

// PlaceStopLoss attaches a close-position STOP_MARKET order.
func (b *Binance) PlaceStopLoss(ctx context.Context, symbol string, side Side, stopPrice float64) error {
	_, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide(side)).
		PositionSide(futures.PositionSideTypeBoth).
		Type(futures.OrderTypeStopMarket).
		StopPrice(formatPrice(stopPrice)).
		WorkingType(futures.WorkingTypeMarkPrice).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to place stop loss on %s at %s: %w", symbol, formatPrice(stopPrice), err)
	}
	return nil
}

// PlaceTakeProfit attaches a close-position TAKE_PROFIT_MARKET order.
func (b *Binance) PlaceTakeProfit(ctx context.Context, symbol string, side Side, targetPrice float64) error {
	_, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide(side)).
		PositionSide(futures.PositionSideTypeBoth).
		Type(futures.OrderTypeTakeProfitMarket).
		StopPrice(formatPrice(targetPrice)).
		WorkingType(futures.WorkingTypeMarkPrice).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to place take profit on %s at %s: %w", symbol, formatPrice(targetPrice), err)
	}
	return nil
}

// CancelAllOrders cancels every open order on the symbol, including
// leftover conditional orders after a close.
func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel open orders on %s: %w", symbol, err)
	}
	return nil
}

// FormatQuantity rounds quantity down to the symbol's LOT_SIZE step.
func (b *Binance) FormatQuantity(ctx context.Context, symbol string, quantity float64) (string, error) {
	step, err := b.lotStep(ctx, symbol)
	if err != nil {
		return "", err
	}
	q := decimal.NewFromFloat(quantity)
	rounded := q.Div(step).Floor().Mul(step)
	if rounded.IsZero() {
		return "", fmt.Errorf("quantity %.10f on %s rounds to zero at step %s", quantity, symbol, step)
	}
	return rounded.String(), nil
}

func (b *Binance) lotStep(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.stepMu.Lock()
	if step, ok := b.steps[symbol]; ok {
		b.stepMu.Unlock()
		return step, nil
	}
	b.stepMu.Unlock()

	if err := b.readLimiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch exchange info: %w", err)
	}

	b.stepMu.Lock()
	defer b.stepMu.Unlock()
	for _, s := range info.Symbols {
		for _, filter := range s.Filters {
			if filter["filterType"] == "LOT_SIZE" {
				raw, ok := filter["stepSize"].(string)
				if !ok {
					continue
				}
				if step, err := decimal.NewFromString(raw); err == nil && !step.IsZero() {
					b.steps[s.Symbol] = step
				}
			}
		}
	}
	if step, ok := b.steps[symbol]; ok {
		return step, nil
	}
	return decimal.Zero, fmt.Errorf("no LOT_SIZE filter found for %s", symbol)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

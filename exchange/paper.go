package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Quoter supplies mark prices for the paper venue. Usually a keyless
// Binance client; tests use a static map.
type Quoter interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

type paperPosition struct {
	Position
	margin     float64
	stopLoss   float64 // 0 when not set
	takeProfit float64
}

// Paper is an in-memory venue simulator. Fills happen at the quoted
// mark price; conditional orders trigger on the next mark-to-market.
type Paper struct {
	quoter Quoter
	log    *logrus.Entry

	mu        sync.Mutex
	wallet    float64
	positions map[string]*paperPosition
	leverages map[string]int
	orderSeq  atomic.Int64
}

// NewPaper creates a paper venue with the given starting balance.
func NewPaper(initialBalance float64, quoter Quoter, log *logrus.Logger) *Paper {
	return &Paper{
		quoter:    quoter,
		log:       log.WithField("component", "paper"),
		wallet:    initialBalance,
		positions: make(map[string]*paperPosition),
		leverages: make(map[string]int),
	}
}

// markToMarket refreshes mark prices and fires any crossed conditional
// orders. Callers hold p.mu.
func (p *Paper) markToMarket(ctx context.Context) error {
	for symbol, pos := range p.positions {
		mark, err := p.quoter.MarkPrice(ctx, symbol)
		if err != nil {
			continue // stale mark is tolerable between cycles
		}
		pos.MarkPrice = mark
		pos.UnrealizedPnL = pnl(pos.Side, pos.EntryPrice, mark, pos.Size)

		if trigger, ok := crossedTrigger(pos, mark); ok {
			p.log.WithFields(logrus.Fields{
				"symbol":  symbol,
				"trigger": trigger,
				"mark":    mark,
			}).Info("conditional order triggered, closing simulated position")
			p.settle(symbol, pos, trigger)
		}
	}
	return nil
}

func crossedTrigger(pos *paperPosition, mark float64) (float64, bool) {
	if pos.Side == SideLong {
		if pos.stopLoss > 0 && mark <= pos.stopLoss {
			return pos.stopLoss, true
		}
		if pos.takeProfit > 0 && mark >= pos.takeProfit {
			return pos.takeProfit, true
		}
	} else {
		if pos.stopLoss > 0 && mark >= pos.stopLoss {
			return pos.stopLoss, true
		}
		if pos.takeProfit > 0 && mark <= pos.takeProfit {
			return pos.takeProfit, true
		}
	}
	return 0, false
}

func pnl(side Side, entry, mark, size float64) float64 {
	if side == SideLong {
		return (mark - entry) * size
	}
	return (entry - mark) * size
}

// settle realizes a position at the given price and frees its margin.
// Callers hold p.mu.
func (p *Paper) settle(symbol string, pos *paperPosition, price float64) {
	p.wallet += pnl(pos.Side, pos.EntryPrice, price, pos.Size)
	delete(p.positions, symbol)
}

func (p *Paper) Balance(ctx context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.markToMarket(ctx); err != nil {
		return Balance{}, err
	}

	var unrealized, margin float64
	for _, pos := range p.positions {
		unrealized += pos.UnrealizedPnL
		margin += pos.margin
	}
	available := p.wallet + unrealized - margin
	if available < 0 {
		available = 0
	}
	return Balance{
		WalletBalance:    p.wallet,
		AvailableBalance: available,
		UnrealizedPnL:    unrealized,
	}, nil
}

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.markToMarket(ctx); err != nil {
		return nil, err
	}

	var out []Position
	for _, pos := range p.positions {
		out = append(out, pos.Position)
	}
	return out, nil
}

func (p *Paper) Position(ctx context.Context, symbol string) (*Position, error) {
	positions, err := p.Positions(ctx)
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

func (p *Paper) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return p.quoter.MarkPrice(ctx, symbol)
}

func (p *Paper) SetLeverage(_ context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverages[symbol] = leverage
	return nil
}

func (p *Paper) MarketOpen(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error) {
	mark, err := p.quoter.MarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to quote %s: %w", symbol, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.positions[symbol]; exists {
		return nil, fmt.Errorf("position already open on %s", symbol)
	}

	leverage := p.leverages[symbol]
	if leverage <= 0 {
		leverage = 1
	}
	margin := quantity * mark / float64(leverage)
	margin = math.Floor(margin*100) / 100

	var held float64
	for _, pos := range p.positions {
		held += pos.margin
	}
	// small tolerance absorbs float drift between quote and fill
	if margin > p.wallet-held+0.1 {
		return nil, fmt.Errorf("insufficient available balance: need %.2f, have %.2f", margin, p.wallet-held)
	}

	liq := liquidationEstimate(side, mark, leverage)
	p.positions[symbol] = &paperPosition{
		Position: Position{
			Symbol:           symbol,
			Side:             side,
			Size:             quantity,
			EntryPrice:       mark,
			MarkPrice:        mark,
			Leverage:         leverage,
			LiquidationPrice: liq,
		},
		margin: margin,
	}
	return &Order{ID: p.orderSeq.Add(1), Symbol: symbol, Status: "FILLED"}, nil
}

func liquidationEstimate(side Side, entry float64, leverage int) float64 {
	move := entry / float64(leverage)
	if side == SideLong {
		return entry - move
	}
	return entry + move
}

func (p *Paper) MarketClose(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error) {
	mark, err := p.quoter.MarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to quote %s: %w", symbol, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, exists := p.positions[symbol]
	if !exists {
		return nil, fmt.Errorf("no open position on %s", symbol)
	}
	if pos.Side != side {
		return nil, fmt.Errorf("position on %s is %s, not %s", symbol, pos.Side, side)
	}

	if quantity >= pos.Size {
		p.settle(symbol, pos, mark)
	} else {
		p.wallet += pnl(pos.Side, pos.EntryPrice, mark, quantity)
		ratio := (pos.Size - quantity) / pos.Size
		pos.Size -= quantity
		pos.margin *= ratio
	}
	return &Order{ID: p.orderSeq.Add(1), Symbol: symbol, Status: "FILLED"}, nil
}

func (p *Paper) PlaceStopLoss(_ context.Context, symbol string, side Side, stopPrice float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, exists := p.positions[symbol]
	if !exists || pos.Side != side {
		return fmt.Errorf("no %s position on %s to protect", side, symbol)
	}
	pos.stopLoss = stopPrice
	return nil
}

func (p *Paper) PlaceTakeProfit(_ context.Context, symbol string, side Side, targetPrice float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, exists := p.positions[symbol]
	if !exists || pos.Side != side {
		return fmt.Errorf("no %s position on %s to protect", side, symbol)
	}
	pos.takeProfit = targetPrice
	return nil
}

func (p *Paper) CancelAllOrders(_ context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, exists := p.positions[symbol]; exists {
		pos.stopLoss = 0
		pos.takeProfit = 0
	}
	return nil
}

// FormatQuantity mirrors the live venue's step rounding with a fixed
// 0.001 step, enough for the simulator.
func (p *Paper) FormatQuantity(_ context.Context, _ string, quantity float64) (string, error) {
	step := decimal.NewFromFloat(0.001)
	rounded := decimal.NewFromFloat(quantity).Div(step).Floor().Mul(step)
	if rounded.IsZero() {
		return "", fmt.Errorf("quantity %.10f rounds to zero", quantity)
	}
	return rounded.String(), nil
}

package exchange

import "context"

// Side of a position or entry order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the side that closes this one.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Balance is the account balance as reported by the venue.
type Balance struct {
	WalletBalance    float64 `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
}

// TotalEquity is wallet balance plus unrealized P&L across all positions.
func (b Balance) TotalEquity() float64 {
	return b.WalletBalance + b.UnrealizedPnL
}

// Position is an open futures position. The venue owns it; callers hold
// a read-through view refreshed after every mutating call. At most one
// position per symbol is ever open.
type Position struct {
	Symbol           string  `json:"symbol"` // venue symbol, e.g. BTCUSDT
	Side             Side    `json:"side"`
	Size             float64 `json:"size"` // contracts, always positive
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// Order is the venue's acknowledgement of a submitted order.
type Order struct {
	ID     int64
	Symbol string
	Status string
}

// Client is the venue boundary: account reads, mark prices, and order
// management. Read calls may run concurrently; mutating calls for one
// symbol must be serialized by the caller.
type Client interface {
	Balance(ctx context.Context) (Balance, error)
	Positions(ctx context.Context) ([]Position, error)
	Position(ctx context.Context, symbol string) (*Position, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// MarketOpen submits a market entry establishing a position on the given side.
	MarketOpen(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error)
	// MarketClose submits a reduce-only market order against the existing position.
	MarketClose(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error)
	// PlaceStopLoss attaches a close-position stop-market order triggered at stopPrice.
	PlaceStopLoss(ctx context.Context, symbol string, side Side, stopPrice float64) error
	// PlaceTakeProfit attaches a close-position take-profit-market order triggered at targetPrice.
	PlaceTakeProfit(ctx context.Context, symbol string, side Side, targetPrice float64) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// FormatQuantity rounds a quantity down to the symbol's lot step size.
	FormatQuantity(ctx context.Context, symbol string, quantity float64) (string, error)
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Broker is the leg-level brokerage surface the strategy needs.
// Multi-leg orders are never used: every leg is its own order.
type Broker interface {
	// Market data
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	GetMarketClock(ctx context.Context) (*MarketClock, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID int) error
	GetOrder(ctx context.Context, orderID int) (*Order, error)
	// GetOrderFill looks an order up in the account activity; used when GetOrder
	// no longer knows the order.
	GetOrderFill(ctx context.Context, orderID int) (*Fill, error)

	// Account
	GetPositions(ctx context.Context) ([]Position, error)
}

var (
	// ErrOrderNotFound is returned when the broker no longer reports an order.
	ErrOrderNotFound = errors.New("order not found")
	// ErrFillNotFound is returned when no fill is recorded for an order (yet).
	ErrFillNotFound = errors.New("fill not found")
	// ErrNoQuote is returned when the broker has no quote for a symbol.
	ErrNoQuote = errors.New("no quote")
	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("broker circuit breaker open")
)

// QuantityEpsilon defines the precision tolerance for quantity comparisons
const QuantityEpsilon = 1e-6

// APIError represents an API error with status code and response body
type APIError struct {
	Status     int
	Body       string
	RetryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsRateLimited reports whether err is an HTTP 429 from the broker.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 429
}

// isPermanentAPIError checks if an error is a client-side rejection rather than an outage
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 400, 404, 409, 422:
			return true
		}
	}
	return false
}

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// OrderSide carries the open/close intent of an option order.
type OrderSide string

const (
	SideBuyToOpen   OrderSide = "buy_to_open"
	SideSellToOpen  OrderSide = "sell_to_open"
	SideBuyToClose  OrderSide = "buy_to_close"
	SideSellToClose OrderSide = "sell_to_close"
)

// IsBuy reports whether the side pays premium.
func (s OrderSide) IsBuy() bool {
	return s == SideBuyToOpen || s == SideBuyToClose
}

// OrderType is limit or market.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderRequest is a single-leg option order.
type OrderRequest struct {
	Symbol   string // OCC option symbol
	Side     OrderSide
	Type     OrderType
	Quantity int
	Price    float64 // limit price, ignored for market orders
	Tag      string
}

// Validate rejects malformed requests before they reach the broker.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order symbol is required")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", r.Quantity)
	}
	switch r.Side {
	case SideBuyToOpen, SideSellToOpen, SideBuyToClose, SideSellToClose:
	default:
		return fmt.Errorf("invalid order side %q", r.Side)
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.Price <= 0 || math.IsNaN(r.Price) || math.IsInf(r.Price, 0) {
			return fmt.Errorf("invalid limit price %.4f", r.Price)
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	return nil
}

// Order is the broker's view of one order.
type Order struct {
	CreatedAt         time.Time
	Symbol            string
	Side              OrderSide
	Type              OrderType
	Status            string
	Tag               string
	ID                int
	Quantity          float64
	ExecQuantity      float64
	RemainingQuantity float64
	AvgFillPrice      float64
	Price             float64
}

// IsFilled compares executed against requested quantity; a "partial" status with
// everything executed still counts as filled.
func (o *Order) IsFilled() bool {
	if o == nil || o.Quantity <= 0 {
		return false
	}
	return o.ExecQuantity >= o.Quantity-QuantityEpsilon && o.AvgFillPrice > 0
}

// IsTerminal reports whether the order can no longer fill.
func (o *Order) IsTerminal() bool {
	if o == nil {
		return false
	}
	switch strings.ToLower(o.Status) {
	case "filled", "canceled", "cancelled", "rejected", "expired":
		return true
	}
	return false
}

// Fill is an execution taken from account activity.
type Fill struct {
	Time     time.Time
	Symbol   string
	OrderID  int
	Quantity float64
	Price    float64
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Time   time.Time
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// Mid returns the bid/ask midpoint, falling back to last when one side is missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Executable reports whether both sides of the book are present and not crossed.
func (q Quote) Executable() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// SpreadPct is (ask-bid)/mid; +Inf when not executable.
func (q Quote) SpreadPct() float64 {
	if !q.Executable() {
		return math.Inf(1)
	}
	return (q.Ask - q.Bid) / q.Mid()
}

// Position is one open position in the account. Option positions are aggregated
// per symbol, so Symbol identifies the position within an account.
type Position struct {
	DateAcquired string
	Symbol       string
	ID           int
	Quantity     float64 // negative for short
	CostBasis    float64
}

// MarketClock is the broker's market session state.
type MarketClock struct {
	Timestamp   time.Time
	Date        string
	State       string
	Description string
	NextChange  string
	NextState   string
}

// IsOpen reports whether regular trading is in session.
func (c *MarketClock) IsOpen() bool {
	return c != nil && c.State == marketStateOpen
}

// GetQuote fetches a single quote.
func GetQuote(ctx context.Context, b Broker, symbol string) (*Quote, error) {
	quotes, err := b.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w for symbol: %s", ErrNoQuote, symbol)
	}
	return &q, nil
}

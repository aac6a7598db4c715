// Package mock provides a simulated broker for paper simulation and tests.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/util"
)

// Operation names accepted by FailNext.
const (
	OpGetQuotes      = "get_quotes"
	OpGetMarketClock = "get_market_clock"
	OpPlaceOrder     = "place_order"
	OpCancelOrder    = "cancel_order"
	OpGetOrder       = "get_order"
	OpGetOrderFill   = "get_order_fill"
	OpGetPositions   = "get_positions"
)

// Always makes a scripted failure permanent until ClearFailures.
const Always = -1

type scriptedFailure struct {
	err       error
	remaining int
}

// SimBroker is an in-memory broker. Option prices come from a normal
// (Bachelier) model around the underlying with one trading day to expiry.
type SimBroker struct {
	now          func() time.Time
	orders       map[int]*broker.Order
	fills        map[int]*broker.Fill
	positions    map[string]float64
	positionIDs  map[string]int
	overrides    map[string]broker.Quote
	failures     map[string]*scriptedFailure
	partial      map[string]float64
	calls        map[string]int
	underlying   string
	volSymbol    string
	marketState  string
	price        float64
	vix          float64
	halfSpread   float64
	nextOrderID  int
	nextPosition int
	mu           sync.Mutex
	// orders vanish from GetOrder once filled; only GetOrderFill still sees them
	disappearFilled bool
}

// NewSimBroker creates a simulated broker quoting underlying and volSymbol.
func NewSimBroker(underlying, volSymbol string, price, vix float64) *SimBroker {
	return &SimBroker{
		now:          time.Now,
		orders:       make(map[int]*broker.Order),
		fills:        make(map[int]*broker.Fill),
		positions:    make(map[string]float64),
		positionIDs:  make(map[string]int),
		overrides:    make(map[string]broker.Quote),
		failures:     make(map[string]*scriptedFailure),
		partial:      make(map[string]float64),
		calls:        make(map[string]int),
		underlying:   underlying,
		volSymbol:    volSymbol,
		marketState:  "open",
		price:        price,
		vix:          vix,
		halfSpread:   0.05,
		nextOrderID:  1000,
		nextPosition: 1,
	}
}

// SetClock overrides the time source used for quote timestamps.
func (s *SimBroker) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetUnderlying moves the underlying price.
func (s *SimBroker) SetUnderlying(price float64) {
	s.mu.Lock()
	s.price = price
	s.mu.Unlock()
}

// Underlying returns the current underlying price.
func (s *SimBroker) Underlying() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price
}

// SetVIX sets the volatility index level.
func (s *SimBroker) SetVIX(vix float64) {
	s.mu.Lock()
	s.vix = vix
	s.mu.Unlock()
}

// SetHalfSpread sets the bid/ask half-spread for model-priced options.
func (s *SimBroker) SetHalfSpread(h float64) {
	s.mu.Lock()
	s.halfSpread = h
	s.mu.Unlock()
}

// SetMarketState sets the state reported by GetMarketClock.
func (s *SimBroker) SetMarketState(state string) {
	s.mu.Lock()
	s.marketState = state
	s.mu.Unlock()
}

// SetQuote pins the quote for a symbol, bypassing the model.
func (s *SimBroker) SetQuote(q broker.Quote) {
	s.mu.Lock()
	s.overrides[q.Symbol] = q
	s.mu.Unlock()
}

// ClearQuote returns a symbol to model pricing.
func (s *SimBroker) ClearQuote(symbol string) {
	s.mu.Lock()
	delete(s.overrides, symbol)
	s.mu.Unlock()
}

// FailNext makes the next n calls of op return err. Use Always for a permanent outage.
func (s *SimBroker) FailNext(op string, n int, err error) {
	s.mu.Lock()
	s.failures[op] = &scriptedFailure{remaining: n, err: err}
	s.mu.Unlock()
}

// ClearFailures removes all scripted failures.
func (s *SimBroker) ClearFailures() {
	s.mu.Lock()
	s.failures = make(map[string]*scriptedFailure)
	s.mu.Unlock()
}

// SetPartialFill makes the next order on symbol execute only qty contracts and stay working.
func (s *SimBroker) SetPartialFill(symbol string, qty float64) {
	s.mu.Lock()
	s.partial[symbol] = qty
	s.mu.Unlock()
}

// SetDisappearingOrders makes filled orders unknown to GetOrder.
func (s *SimBroker) SetDisappearingOrders(on bool) {
	s.mu.Lock()
	s.disappearFilled = on
	s.mu.Unlock()
}

// AddPosition injects a position that no order created (manual trade, other bot).
func (s *SimBroker) AddPosition(symbol string, qty float64) {
	s.mu.Lock()
	s.applyPosition(symbol, qty)
	s.mu.Unlock()
}

// RemovePosition drops a position, e.g. to simulate early assignment.
func (s *SimBroker) RemovePosition(symbol string) {
	s.mu.Lock()
	delete(s.positions, symbol)
	s.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (s *SimBroker) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Orders returns a copy of all orders sorted by id.
func (s *SimBroker) Orders() []broker.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Step applies a random walk to the underlying scaled to the VIX-implied
// one-minute move. Used by the simulate run mode.
func (s *SimBroker) Step() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	minuteMove := s.price * s.vix / 100 / math.Sqrt(252*390)
	s.price += (secureFloat64()*2 - 1) * minuteMove * 2
	return s.price
}

// ExpirePositions removes option positions expiring on or before day.
func (s *SimBroker) ExpirePositions(day time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sym := range s.positions {
		parsed, err := broker.ParseOptionSymbol(sym)
		if err != nil {
			continue
		}
		if !parsed.Expiry.After(day) {
			delete(s.positions, sym)
			n++
		}
	}
	return n
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// enter records a call and returns the scripted failure, if any. Caller holds mu.
func (s *SimBroker) enter(op string) error {
	s.calls[op]++
	f, ok := s.failures[op]
	if !ok {
		return nil
	}
	if f.remaining == Always {
		return f.err
	}
	if f.remaining <= 0 {
		delete(s.failures, op)
		return nil
	}
	f.remaining--
	if f.remaining == 0 {
		delete(s.failures, op)
	}
	return f.err
}

// GetQuotes implements broker.Broker.
func (s *SimBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetQuotes); err != nil {
		return nil, err
	}
	out := make(map[string]broker.Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.quoteLocked(sym); ok {
			out[sym] = q
		}
	}
	return out, nil
}

func (s *SimBroker) quoteLocked(symbol string) (broker.Quote, bool) {
	now := s.now()
	if q, ok := s.overrides[symbol]; ok {
		if q.Time.IsZero() {
			q.Time = now
		}
		return q, true
	}
	switch symbol {
	case s.underlying:
		return broker.Quote{Symbol: symbol, Bid: s.price - 0.05, Ask: s.price + 0.05, Last: s.price, Time: now}, true
	case s.volSymbol:
		return broker.Quote{Symbol: symbol, Bid: s.vix, Ask: s.vix, Last: s.vix, Time: now}, true
	}
	parsed, err := broker.ParseOptionSymbol(symbol)
	if err != nil {
		return broker.Quote{}, false
	}
	mid := OptionValue(parsed.Type, s.price, parsed.Strike, s.vix)
	bid := math.Max(0, util.RoundToTick(mid-s.halfSpread, 0.05))
	ask := util.RoundToTick(mid+s.halfSpread, 0.05)
	if ask <= bid {
		ask = bid + 0.05
	}
	return broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: util.RoundCents(mid), Time: now}, true
}

// OptionValue prices an option with the normal model for one trading day.
func OptionValue(typ broker.OptionType, spot, strike, vix float64) float64 {
	sigma := spot * vix / 100 / math.Sqrt(252)
	if sigma <= 0 {
		return intrinsic(typ, spot, strike)
	}
	var diff float64
	if typ == broker.OptionTypePut {
		diff = strike - spot
	} else {
		diff = spot - strike
	}
	d := diff / sigma
	cdf := 0.5 * (1 + math.Erf(d/math.Sqrt2))
	pdf := math.Exp(-d*d/2) / math.Sqrt(2*math.Pi)
	return diff*cdf + sigma*pdf
}

func intrinsic(typ broker.OptionType, spot, strike float64) float64 {
	if typ == broker.OptionTypePut {
		return math.Max(0, strike-spot)
	}
	return math.Max(0, spot-strike)
}

// GetMarketClock implements broker.Broker.
func (s *SimBroker) GetMarketClock(ctx context.Context) (*broker.MarketClock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetMarketClock); err != nil {
		return nil, err
	}
	now := s.now()
	return &broker.MarketClock{
		Date:        now.Format("2006-01-02"),
		State:       s.marketState,
		Description: "simulated market is " + s.marketState,
		Timestamp:   now,
	}, nil
}

// PlaceOrder implements broker.Broker. Limit orders fill at their limit when it
// reaches the model mid; market orders fill at the touch.
func (s *SimBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, &broker.APIError{Status: 400, Body: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpPlaceOrder); err != nil {
		return nil, err
	}
	if _, ok := s.quoteLocked(req.Symbol); !ok {
		return nil, &broker.APIError{Status: 400, Body: fmt.Sprintf("unknown symbol %s", req.Symbol)}
	}

	s.nextOrderID++
	order := &broker.Order{
		ID:                s.nextOrderID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		Status:            "open",
		Tag:               req.Tag,
		Quantity:          float64(req.Quantity),
		RemainingQuantity: float64(req.Quantity),
		Price:             req.Price,
		CreatedAt:         s.now(),
	}
	s.orders[order.ID] = order
	s.tryFill(order)

	cp := *order
	cp.Status = "pending"
	cp.ExecQuantity, cp.AvgFillPrice = 0, 0
	cp.RemainingQuantity = cp.Quantity
	return &cp, nil
}

// tryFill executes what it can of a working order. Caller holds mu.
func (s *SimBroker) tryFill(o *broker.Order) {
	if o.IsTerminal() || o.Status == "partially_filled" {
		return
	}
	q, ok := s.quoteLocked(o.Symbol)
	if !ok {
		return
	}

	var price float64
	switch o.Type {
	case broker.OrderTypeMarket:
		if o.Side.IsBuy() {
			price = q.Ask
		} else {
			price = q.Bid
		}
		if price <= 0 {
			price = q.Mid()
		}
	case broker.OrderTypeLimit:
		mid := q.Mid()
		if o.Side.IsBuy() && o.Price+1e-9 < mid {
			return
		}
		if !o.Side.IsBuy() && o.Price-1e-9 > mid {
			return
		}
		price = o.Price
	}
	if price <= 0 {
		return
	}

	qty := o.Quantity
	status := "filled"
	if p, ok := s.partial[o.Symbol]; ok && p < qty {
		delete(s.partial, o.Symbol)
		qty = p
		status = "partially_filled"
	}

	o.Status = status
	o.ExecQuantity = qty
	o.RemainingQuantity = o.Quantity - qty
	o.AvgFillPrice = price
	s.fills[o.ID] = &broker.Fill{OrderID: o.ID, Symbol: o.Symbol, Quantity: qty, Price: price, Time: s.now()}

	signed := qty
	if !o.Side.IsBuy() {
		signed = -qty
	}
	s.applyPosition(o.Symbol, signed)
}

func (s *SimBroker) applyPosition(symbol string, qty float64) {
	s.positions[symbol] += qty
	if math.Abs(s.positions[symbol]) < broker.QuantityEpsilon {
		delete(s.positions, symbol)
		return
	}
	if _, ok := s.positionIDs[symbol]; !ok {
		s.positionIDs[symbol] = s.nextPosition
		s.nextPosition++
	}
}

// CancelOrder implements broker.Broker.
func (s *SimBroker) CancelOrder(ctx context.Context, orderID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCancelOrder); err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel order %d: %w", orderID, broker.ErrOrderNotFound)
	}
	if o.IsTerminal() {
		return &broker.APIError{Status: 400, Body: fmt.Sprintf("order %d is %s", orderID, o.Status)}
	}
	o.Status = "canceled"
	return nil
}

// GetOrder implements broker.Broker. Working orders are re-evaluated against the current model.
func (s *SimBroker) GetOrder(ctx context.Context, orderID int) (*broker.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetOrder); err != nil {
		return nil, err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, broker.ErrOrderNotFound)
	}
	s.tryFill(o)
	if s.disappearFilled && o.ExecQuantity > 0 {
		return nil, fmt.Errorf("order %d: %w", orderID, broker.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

// GetOrderFill implements broker.Broker.
func (s *SimBroker) GetOrderFill(ctx context.Context, orderID int) (*broker.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetOrderFill); err != nil {
		return nil, err
	}
	f, ok := s.fills[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, broker.ErrFillNotFound)
	}
	cp := *f
	return &cp, nil
}

// GetPositions implements broker.Broker.
func (s *SimBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetPositions); err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(s.positions))
	for sym, qty := range s.positions {
		out = append(out, broker.Position{
			ID:           s.positionIDs[sym],
			Symbol:       sym,
			Quantity:     qty,
			DateAcquired: s.now().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

var _ broker.Broker = (*SimBroker)(nil)

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	// OnOpen runs once per trip, after the failing call returns and outside the
	// breaker's lock. It receives the undecorated broker.
	OnOpen func(reason string, raw Broker)
	// OnCall observes every call outcome; failed is the breaker's classification.
	OnCall              func(op string, failed bool)
	Logger              logrus.FieldLogger
	Retry               *retry.Client
	ConsecutiveFailures int
	WindowSize          int
	WindowFailures      int
	Cooldown            time.Duration
	CallTimeout         time.Duration
}

// BreakerState is a point-in-time view of the breaker.
type BreakerState struct {
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	State               string    `json:"state"`
	Reason              string    `json:"reason,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowFailures      int       `json:"window_failures"`
	WindowSize          int       `json:"window_size"`
	Open                bool      `json:"open"`
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
// Rate-limit retries happen inside a single breaker call.
type CircuitBreakerBroker struct {
	openedAt    time.Time
	broker      Broker
	breaker     *gobreaker.CircuitBreaker
	retry       *retry.Client
	logger      logrus.FieldLogger
	window      *outcomeWindow
	onOpen      func(reason string, raw Broker)
	onCall      func(op string, failed bool)
	openReason  string
	settings    CircuitBreakerSettings
	mu          sync.Mutex
	pendingOpen bool
}

// outcomeWindow holds the last n call outcomes.
type outcomeWindow struct {
	outcomes []bool // true = failure
	mu       sync.Mutex
	size     int
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{size: size}
}

func (w *outcomeWindow) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes = append(w.outcomes, failed)
	if len(w.outcomes) > w.size {
		w.outcomes = w.outcomes[len(w.outcomes)-w.size:]
	}
}

func (w *outcomeWindow) failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, f := range w.outcomes {
		if f {
			n++
		}
	}
	return n
}

func (w *outcomeWindow) reset() {
	w.mu.Lock()
	w.outcomes = nil
	w.mu.Unlock()
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBroker(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if settings.ConsecutiveFailures <= 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.WindowSize <= 0 {
		settings.WindowSize = 10
	}
	if settings.WindowFailures <= 0 {
		settings.WindowFailures = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 5 * time.Minute
	}
	if settings.Logger == nil {
		settings.Logger = logrus.StandardLogger()
	}
	if settings.Retry == nil {
		settings.Retry = retry.NewClient(settings.Logger)
	}

	c := &CircuitBreakerBroker{
		broker:   b,
		retry:    settings.Retry,
		logger:   settings.Logger.WithField("component", "circuit_breaker"),
		window:   newOutcomeWindow(settings.WindowSize),
		onOpen:   settings.OnOpen,
		onCall:   settings.OnCall,
		settings: settings,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: 1,
		Interval:    0, // counts are only cleared on state change
		Timeout:     settings.Cooldown,
		IsSuccessful: func(err error) bool {
			failed := countsAsFailure(err)
			c.window.record(failed)
			return !failed
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if int(counts.ConsecutiveFailures) >= settings.ConsecutiveFailures {
				c.setReason(fmt.Sprintf("%d consecutive broker failures", counts.ConsecutiveFailures))
				return true
			}
			if n := c.window.failures(); n >= settings.WindowFailures {
				c.setReason(fmt.Sprintf("%d of the last %d broker calls failed", n, settings.WindowSize))
				return true
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
			switch to {
			case gobreaker.StateOpen:
				c.mu.Lock()
				if from == gobreaker.StateHalfOpen {
					c.openReason = "broker still failing after cooldown"
				}
				c.openedAt = time.Now()
				c.pendingOpen = true
				c.mu.Unlock()
			case gobreaker.StateClosed:
				c.window.reset()
				c.mu.Lock()
				c.openReason = ""
				c.openedAt = time.Time{}
				c.mu.Unlock()
			}
		},
	})
	return c
}

// countsAsFailure separates broker outages from answers the caller must handle.
func countsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrFillNotFound), errors.Is(err, ErrNoQuote):
		return false
	case isPermanentAPIError(err):
		return false
	}
	return true
}

func (c *CircuitBreakerBroker) setReason(reason string) {
	c.mu.Lock()
	c.openReason = reason
	c.mu.Unlock()
}

// firePendingOpen runs the OnOpen hook for a trip that happened during the last call.
func (c *CircuitBreakerBroker) firePendingOpen() {
	c.mu.Lock()
	pending := c.pendingOpen
	c.pendingOpen = false
	reason := c.openReason
	c.mu.Unlock()

	if !pending {
		return
	}
	c.logger.WithField("reason", reason).Error("Circuit breaker opened, trading halted")
	if c.onOpen != nil {
		c.onOpen(reason, c.broker)
	}
}

func execCircuitBreaker[T any](
	ctx context.Context,
	c *CircuitBreakerBroker,
	op string,
	fn func(ctx context.Context, b Broker) (T, error),
) (T, error) {
	var zero T
	res, err := c.breaker.Execute(func() (interface{}, error) {
		var out T
		callErr := c.retry.Do(ctx, op, IsRateLimited, func(ctx context.Context) error {
			if c.settings.CallTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.settings.CallTimeout)
				defer cancel()
			}
			v, err := fn(ctx, c.broker)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		return out, callErr
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", op, ErrCircuitOpen)
	}
	if c.onCall != nil {
		c.onCall(op, countsAsFailure(err))
	}
	c.firePendingOpen()
	if err != nil {
		return zero, err
	}
	out, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", op, res)
	}
	return out, nil
}

// GetQuotes calls the underlying broker through the breaker.
func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	return execCircuitBreaker(ctx, c, "get_quotes", func(ctx context.Context, b Broker) (map[string]Quote, error) {
		return b.GetQuotes(ctx, symbols)
	})
}

// GetMarketClock calls the underlying broker through the breaker.
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	return execCircuitBreaker(ctx, c, "get_market_clock", func(ctx context.Context, b Broker) (*MarketClock, error) {
		return b.GetMarketClock(ctx)
	})
}

// PlaceOrder calls the underlying broker through the breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execCircuitBreaker(ctx, c, "place_order", func(ctx context.Context, b Broker) (*Order, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// CancelOrder calls the underlying broker through the breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) error {
	_, err := execCircuitBreaker(ctx, c, "cancel_order", func(ctx context.Context, b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetOrder calls the underlying broker through the breaker.
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID int) (*Order, error) {
	return execCircuitBreaker(ctx, c, "get_order", func(ctx context.Context, b Broker) (*Order, error) {
		return b.GetOrder(ctx, orderID)
	})
}

// GetOrderFill calls the underlying broker through the breaker.
func (c *CircuitBreakerBroker) GetOrderFill(ctx context.Context, orderID int) (*Fill, error) {
	return execCircuitBreaker(ctx, c, "get_order_fill", func(ctx context.Context, b Broker) (*Fill, error) {
		return b.GetOrderFill(ctx, orderID)
	})
}

// GetPositions calls the underlying broker through the breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(ctx, c, "get_positions", func(ctx context.Context, b Broker) ([]Position, error) {
		return b.GetPositions(ctx)
	})
}

// IsOpen reports whether new calls are currently rejected or probing.
func (c *CircuitBreakerBroker) IsOpen() bool {
	return c.breaker.State() != gobreaker.StateClosed
}

// Raw returns the undecorated broker, used for emergency actions while the breaker is open.
func (c *CircuitBreakerBroker) Raw() Broker {
	return c.broker
}

// State returns a snapshot for status reporting.
func (c *CircuitBreakerBroker) State() BreakerState {
	st := c.breaker.State()
	counts := c.breaker.Counts()
	c.mu.Lock()
	defer c.mu.Unlock()
	return BreakerState{
		State:               st.String(),
		Open:                st != gobreaker.StateClosed,
		Reason:              c.openReason,
		OpenedAt:            c.openedAt,
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		WindowFailures:      c.window.failures(),
		WindowSize:          c.settings.WindowSize,
	}
}

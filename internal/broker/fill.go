package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/retry"
)

// FillPolicy bounds how long an order is watched before giving up.
type FillPolicy struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	CallTimeout   time.Duration
	LookupRetries int
	LookupDelay   time.Duration
}

func (p FillPolicy) withDefaults() FillPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 20 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 5 * time.Second
	}
	if p.LookupRetries <= 0 {
		p.LookupRetries = 3
	}
	if p.LookupDelay <= 0 {
		p.LookupDelay = 2 * time.Second
	}
	return p
}

// FillResult is what the broker reported for one order.
type FillResult struct {
	Order    *Order // last observed status; nil when the order vanished
	Quantity float64
	Price    float64 // broker-reported average fill price
	Terminal bool    // false when the wait timed out with the order still working
	FromLog  bool    // resolved through the fill history
}

// FilledAll reports whether qty contracts executed.
func (r FillResult) FilledAll(qty int) bool {
	return r.Quantity >= float64(qty)-QuantityEpsilon && r.Price > 0
}

// WaitForFill polls an order until it is filled or otherwise terminal, or the
// policy timeout elapses. An order that disappears from the status endpoint is
// resolved from the fill history with bounded retries; a quoted price is never
// used as a fill price.
func WaitForFill(ctx context.Context, b Broker, orderID int, p FillPolicy) (FillResult, error) {
	p = p.withDefaults()
	deadline := time.Now().Add(p.Timeout)

	var last *Order
	var lastErr error
	for {
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		o, err := b.GetOrder(callCtx, orderID)
		cancel()

		switch {
		case errors.Is(err, ErrOrderNotFound):
			return LookupFill(ctx, b, orderID, p)
		case errors.Is(err, ErrCircuitOpen):
			return FillResult{Order: last}, err
		case ctx.Err() != nil:
			return FillResult{Order: last}, ctx.Err()
		case err != nil:
			lastErr = err
		case o.IsFilled() || o.IsTerminal():
			return FillResult{Order: o, Quantity: o.ExecQuantity, Price: o.AvgFillPrice, Terminal: true}, nil
		default:
			last = o
		}

		if !time.Now().Add(p.PollInterval).Before(deadline) {
			if last == nil && lastErr != nil {
				return FillResult{}, fmt.Errorf("order %d status unknown: %w", orderID, lastErr)
			}
			res := FillResult{Order: last}
			if last != nil {
				res.Quantity, res.Price = last.ExecQuantity, last.AvgFillPrice
			}
			return res, nil
		}
		if err := retry.Sleep(ctx, p.PollInterval); err != nil {
			return FillResult{Order: last}, err
		}
	}
}

// LookupFill reads the fill history for an order, retrying while the record
// has not replicated yet.
func LookupFill(ctx context.Context, b Broker, orderID int, p FillPolicy) (FillResult, error) {
	p = p.withDefaults()
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		f, err := b.GetOrderFill(callCtx, orderID)
		cancel()
		if err == nil && f != nil && f.Quantity > 0 {
			return FillResult{Quantity: f.Quantity, Price: f.Price, Terminal: true, FromLog: true}, nil
		}
		if err != nil && !errors.Is(err, ErrFillNotFound) {
			return FillResult{}, fmt.Errorf("fill lookup for order %d: %w", orderID, err)
		}
		if attempt >= p.LookupRetries {
			return FillResult{}, fmt.Errorf("order %d after %d lookups: %w", orderID, attempt, ErrFillNotFound)
		}
		if err := retry.Sleep(ctx, p.LookupDelay); err != nil {
			return FillResult{}, err
		}
	}
}

// CancelAndSettle cancels a working order and reads its final state. Fills
// that raced the cancel are reported, not lost.
func CancelAndSettle(ctx context.Context, b Broker, orderID int, p FillPolicy) (FillResult, error) {
	p = p.withDefaults()
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	err := b.CancelOrder(callCtx, orderID)
	cancel()
	if err != nil && !errors.Is(err, ErrOrderNotFound) && !isPermanentAPIError(err) {
		return FillResult{}, fmt.Errorf("cancelling order %d: %w", orderID, err)
	}
	final := p
	final.Timeout = p.PollInterval * 3
	return WaitForFill(ctx, b, orderID, final)
}

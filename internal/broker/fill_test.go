package broker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCall = "SPXW260302C05850000"

var fastPolicy = broker.FillPolicy{
	Timeout:       20 * time.Millisecond,
	PollInterval:  time.Millisecond,
	CallTimeout:   time.Second,
	LookupRetries: 3,
	LookupDelay:   time.Millisecond,
}

func place(t *testing.T, sim *mock.SimBroker, typ broker.OrderType, price float64) *broker.Order {
	t.Helper()
	o, err := sim.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol:   testCall,
		Side:     broker.SideBuyToOpen,
		Type:     typ,
		Quantity: 2,
		Price:    price,
	})
	require.NoError(t, err)
	return o
}

func TestWaitForFill_MarketOrder(t *testing.T) {
	sim := mock.NewSimBroker("SPX", "VIX", 5800, 15)
	o := place(t, sim, broker.OrderTypeMarket, 0)

	res, err := broker.WaitForFill(context.Background(), sim, o.ID, fastPolicy)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.True(t, res.FilledAll(2))
	assert.False(t, res.FromLog)
	assert.Greater(t, res.Price, 0.0)
}

func TestWaitForFill_VanishedOrderUsesFillHistory(t *testing.T) {
	sim := mock.NewSimBroker("SPX", "VIX", 5800, 15)
	sim.SetDisappearingOrders(true)
	o := place(t, sim, broker.OrderTypeMarket, 0)

	res, err := broker.WaitForFill(context.Background(), sim, o.ID, fastPolicy)
	require.NoError(t, err)
	assert.True(t, res.FromLog)
	assert.True(t, res.FilledAll(2))
}

func TestWaitForFill_FillHistoryLagExhausted(t *testing.T) {
	sim := mock.NewSimBroker("SPX", "VIX", 5800, 15)
	sim.SetDisappearingOrders(true)
	sim.FailNext(mock.OpGetOrderFill, mock.Always, broker.ErrFillNotFound)
	o := place(t, sim, broker.OrderTypeMarket, 0)

	_, err := broker.WaitForFill(context.Background(), sim, o.ID, fastPolicy)
	require.ErrorIs(t, err, broker.ErrFillNotFound)
	assert.Equal(t, 3, sim.Calls(mock.OpGetOrderFill))
}

func TestWaitForFill_TimeoutThenCancel(t *testing.T) {
	sim := mock.NewSimBroker("SPX", "VIX", 5800, 15)
	o := place(t, sim, broker.OrderTypeLimit, 0.05)

	res, err := broker.WaitForFill(context.Background(), sim, o.ID, fastPolicy)
	require.NoError(t, err)
	assert.False(t, res.Terminal)
	assert.Zero(t, res.Quantity)

	res, err = broker.CancelAndSettle(context.Background(), sim, o.ID, fastPolicy)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Zero(t, res.Quantity)
	require.NotNil(t, res.Order)
	assert.Equal(t, "canceled", res.Order.Status)
}

func TestWaitForFill_PartialFillReportedAfterCancel(t *testing.T) {
	sim := mock.NewSimBroker("SPX", "VIX", 5800, 15)
	sim.SetPartialFill(testCall, 1)
	o := place(t, sim, broker.OrderTypeMarket, 0)

	res, err := broker.WaitForFill(context.Background(), sim, o.ID, fastPolicy)
	require.NoError(t, err)
	assert.False(t, res.Terminal)
	assert.Equal(t, 1.0, res.Quantity)

	res, err = broker.CancelAndSettle(context.Background(), sim, o.ID, fastPolicy)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Quantity)
	assert.False(t, res.FilledAll(2))
}

func TestWaitForFill_CircuitOpenStops(t *testing.T) {
	sim := mock.NewSimBroker("SPX", "VIX", 5800, 15)
	o := place(t, sim, broker.OrderTypeMarket, 0)
	sim.FailNext(mock.OpGetOrder, 1, fmt.Errorf("get_order: %w", broker.ErrCircuitOpen))

	_, err := broker.WaitForFill(context.Background(), sim, o.ID, fastPolicy)
	require.ErrorIs(t, err, broker.ErrCircuitOpen)
	assert.Equal(t, 1, sim.Calls(mock.OpGetOrder))
}

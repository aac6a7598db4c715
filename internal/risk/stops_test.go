package risk

import (
	"fmt"
	"testing"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/stretchr/testify/assert"
)

var testStops = config.StopConfig{
	OneSidedMultiplier: 2,
	MinStopLevel:       0.5,
}

func filledEntry(idx int, kind models.EntryKind, callCredit, putCredit float64) *models.Entry {
	e := &models.Entry{
		ID:                fmt.Sprintf("entry-%d", idx),
		Index:             idx,
		Kind:              kind,
		Quantity:          1,
		Complete:          true,
		UnderlyingAtEntry: 5800,
	}
	if kind.HasSide(models.SideCall) {
		e.Legs = append(e.Legs,
			models.Leg{Role: models.RoleShortCall, Strike: 5860, Quantity: 1, Status: models.LegOpen, FillPrice: callCredit + 0.5},
			models.Leg{Role: models.RoleLongCall, Strike: 5880, Quantity: 1, Status: models.LegOpen, FillPrice: 0.5},
		)
		e.Call.Credit = callCredit
	}
	if kind.HasSide(models.SidePut) {
		e.Legs = append(e.Legs,
			models.Leg{Role: models.RoleShortPut, Strike: 5740, Quantity: 1, Status: models.LegOpen, FillPrice: putCredit + 0.5},
			models.Leg{Role: models.RoleLongPut, Strike: 5720, Quantity: 1, Status: models.LegOpen, FillPrice: 0.5},
		)
		e.Put.Credit = putCredit
	}
	ArmStops(e, testStops)
	return e
}

func TestStopLevel(t *testing.T) {
	enhanced := config.StopConfig{Enhanced: true, EnhancedFloor: 2.0, EnhancedOffset: 0.15, OneSidedMultiplier: 2, MinStopLevel: 0.5}
	tests := []struct {
		name   string
		kind   models.EntryKind
		total  float64
		side   float64
		cfg    config.StopConfig
		expect float64
	}{
		{"full spread stops at total credit", models.KindFull, 2.2, 1.0, testStops, 2.2},
		{"enhanced above floor", models.KindFull, 2.5, 1.0, enhanced, 2.35},
		{"enhanced at floor unchanged", models.KindFull, 2.0, 1.0, enhanced, 2.0},
		{"one sided doubles side credit", models.KindCallOnly, 1.1, 1.1, testStops, 2.2},
		{"minimum floor", models.KindFull, 0.05, 0.02, testStops, 0.5},
		{"zero credit floored", models.KindPutOnly, 0, 0, testStops, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expect, StopLevel(tt.kind, tt.total, tt.side, tt.cfg), 1e-9)
		})
	}
}

func TestArmStops(t *testing.T) {
	e := filledEntry(1, models.KindFull, 1.0, 1.2)
	assert.InDelta(t, 2.2, e.TotalCredit, 1e-9)
	assert.InDelta(t, 2.2, e.Call.StopLevel, 1e-9)
	assert.InDelta(t, 2.2, e.Put.StopLevel, 1e-9)

	one := filledEntry(2, models.KindPutOnly, 0, 0.9)
	assert.InDelta(t, 0.9, one.TotalCredit, 1e-9)
	assert.InDelta(t, 1.8, one.Put.StopLevel, 1e-9)
	assert.Zero(t, one.Call.StopLevel)
}

// Stopping one side of a full spread at total credit while the other side
// expires worthless leaves only the fees, whatever the credit split.
func TestFullSpreadOneSideStoppedCostsOnlyFees(t *testing.T) {
	for _, split := range [][2]float64{{1.0, 1.2}, {0.3, 1.9}, {1.5, 0.4}, {0.8, 0.8}} {
		e := filledEntry(1, models.KindFull, split[0], split[1])
		e.Fees = 2.60
		e.Call.Stopped = true
		e.Call.ClosePrice = e.Call.StopLevel
		e.Put.Expired = true
		e.Put.ClosePrice = 0
		assert.InDelta(t, -2.60, e.RealizedPnL(), 1e-6, "split %v", split)
	}
}

// A stopped one-sided entry forfeits its whole premium.
func TestOneSidedStoppedForfeitsCredit(t *testing.T) {
	for _, credit := range []float64{0.6, 1.0, 1.45} {
		e := filledEntry(1, models.KindCallOnly, credit, 0)
		e.Fees = 1.30
		e.Call.Stopped = true
		e.Call.ClosePrice = e.Call.StopLevel
		assert.InDelta(t, -credit*100-1.30, e.RealizedPnL(), 1e-6, "credit %.2f", credit)
	}
}

func TestCushion(t *testing.T) {
	e := filledEntry(1, models.KindFull, 1.0, 1.2)
	assert.InDelta(t, 1.0, Cushion(e, models.SideCall, 5800), 1e-9)
	assert.InDelta(t, 0.5, Cushion(e, models.SideCall, 5830), 1e-9)
	assert.Zero(t, Cushion(e, models.SideCall, 5870))
	assert.InDelta(t, 2.0, Cushion(e, models.SideCall, 5740), 1e-9)
	assert.InDelta(t, 0.25, Cushion(e, models.SidePut, 5755), 1e-9)
}

func TestIntrinsic(t *testing.T) {
	assert.Equal(t, 10.0, Intrinsic(models.RoleShortCall, 5860, 5870))
	assert.Equal(t, 0.0, Intrinsic(models.RoleLongCall, 5880, 5870))
	assert.Equal(t, 5.0, Intrinsic(models.RoleShortPut, 5740, 5735))
	assert.Equal(t, 0.0, Intrinsic(models.RoleLongPut, 5720, 5800))
}

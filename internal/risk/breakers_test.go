package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRisk = config.RiskConfig{
	CascadeStops:    3,
	MaxDailyLoss:    500,
	ROCThreshold:    0.03,
	HoldSafeCushion: 0.5,
	HoldMargin:      100,
	HoldMarginPct:   0.25,
}

var openGuard = Guard{MarketOpen: true}

func mark(e *models.Entry, cost float64) {
	for _, s := range e.OpenSides() {
		e.Side(s).LastCost = cost
		e.Side(s).LastMarkAt = time.Now()
	}
}

func stopCall(e *models.Entry) {
	e.Call.Stopped = true
	e.Call.ClosePrice = e.Call.StopLevel
	for _, r := range []models.LegRole{models.RoleShortCall, models.RoleLongCall} {
		e.Leg(r).Status = models.LegClosed
	}
}

func TestCheckEntry_GuardOrder(t *testing.T) {
	b := NewBreakers(testRisk)
	tests := []struct {
		name  string
		guard Guard
		setup func(d *models.DailyState)
		want  string
	}{
		{"market closed beats everything", Guard{Blackout: true, CircuitOpen: true, Critical: true}, nil, models.SkipMarketHalted},
		{"blackout", Guard{MarketOpen: true, Blackout: true, CircuitOpen: true}, nil, models.SkipBlackout},
		{"circuit", Guard{MarketOpen: true, CircuitOpen: true, Critical: true}, nil, models.SkipCircuitOpen},
		{"critical", Guard{MarketOpen: true, Critical: true}, func(d *models.DailyState) { d.RealizedPnL = -900 }, models.SkipCritical},
		{"daily loss", openGuard, func(d *models.DailyState) { d.RealizedPnL = -500 }, models.SkipDailyLoss},
		{"daily loss stays latched", openGuard, func(d *models.DailyState) { d.DailyLossTriggered = true }, models.SkipDailyLoss},
		{"cascade", openGuard, func(d *models.DailyState) { d.CallStops, d.PutStops = 2, 1 }, models.SkipCascade},
		{"early close done", openGuard, func(d *models.DailyState) { d.EarlyCloseTriggered = true }, models.SkipEarlyClose},
		{"allowed", openGuard, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := models.NewDailyState("2026-03-02")
			if tt.setup != nil {
				tt.setup(d)
			}
			v := b.CheckEntry(d, tt.guard)
			assert.Equal(t, tt.want, v.Reason)
			assert.Equal(t, tt.want == "", v.Allowed)
		})
	}
}

func TestCheckEntry_HaltDetails(t *testing.T) {
	b := NewBreakers(testRisk)
	d := models.NewDailyState("2026-03-02")

	v := b.CheckEntry(d, Guard{MarketOpen: true, CircuitOpen: true, Failures: 5, FailureLimit: 5})
	assert.Equal(t, models.SkipCircuitOpen, v.Reason)
	assert.Equal(t, 5.0, v.Observed)
	assert.Equal(t, 5.0, v.Threshold)
	assert.Contains(t, v.Detail, "5 failures in window")

	v = b.CheckEntry(d, Guard{MarketOpen: true, Critical: true, CriticalReason: "close failed"})
	assert.Equal(t, models.SkipCritical, v.Reason)
	assert.Contains(t, v.Detail, "close failed")
}

func TestCheckEntry_DailyLossReportsValues(t *testing.T) {
	d := models.NewDailyState("2026-03-02")
	d.RealizedPnL = -612.5
	v := NewBreakers(testRisk).CheckEntry(d, openGuard)
	assert.Equal(t, -612.5, v.Observed)
	assert.Equal(t, -500.0, v.Threshold)
	assert.Contains(t, v.Detail, "-612.50")
}

// Three stops before the fourth scheduled entry: the fourth and fifth are
// skipped for the cascade and the open entries are left alone.
func TestCascade_SkipsRemainingEntries(t *testing.T) {
	b := NewBreakers(testRisk)
	d := models.NewDailyState("2026-03-02")
	for i := 1; i <= 3; i++ {
		e := filledEntry(i, models.KindFull, 1.0, 1.2)
		stopCall(e)
		d.AddEntry(e)
	}
	require.Equal(t, 3, d.TotalStops())

	for i := 4; i <= 5; i++ {
		v := b.CheckEntry(d, openGuard)
		require.False(t, v.Allowed)
		assert.Equal(t, models.SkipCascade, v.Reason)
		d.AddEntry(models.NewSkippedEntry(fmt.Sprintf("entry-%d", i), i, time.Now(), v.Reason, v.Detail))
	}

	assert.True(t, d.CascadeTriggered)
	assert.Equal(t, 2, d.Skipped)
	for _, e := range d.Entries[:3] {
		assert.True(t, e.Leg(models.RoleShortPut).IsLive())
		assert.False(t, e.Put.Closed())
	}
	assert.Equal(t, models.SkipCascade, d.Entries[3].SkipReason)
	assert.Equal(t, models.SkipCascade, d.Entries[4].SkipReason)
}

func TestCheckEntry_WhicheverLimitFirst(t *testing.T) {
	b := NewBreakers(testRisk)

	rocOnly := models.NewDailyState("2026-03-02")
	e := filledEntry(1, models.KindFull, 1.0, 1.2)
	mark(e, 0.2)
	rocOnly.AddEntry(e)
	v := b.CheckEntry(rocOnly, openGuard)
	assert.Equal(t, models.SkipROCGate, v.Reason)
	assert.InDelta(t, 180.0/3780.0, v.Observed, 1e-9)

	lossOnly := models.NewDailyState("2026-03-02")
	lossOnly.RealizedPnL = -520
	assert.Equal(t, models.SkipDailyLoss, b.CheckEntry(lossOnly, openGuard).Reason)

	both := models.NewDailyState("2026-03-02")
	big := filledEntry(1, models.KindFull, 1.0, 1.2)
	big.Quantity = 10
	mark(big, 0.2)
	both.AddEntry(big)
	both.RealizedPnL = -600
	r := b.ROC(both)
	require.True(t, r.Trusted)
	require.GreaterOrEqual(t, r.ROC, testRisk.ROCThreshold)
	assert.Equal(t, models.SkipDailyLoss, b.CheckEntry(both, openGuard).Reason)
}

func TestROC_Trust(t *testing.T) {
	b := NewBreakers(testRisk)

	empty := models.NewDailyState("2026-03-02")
	assert.False(t, b.ROC(empty).Trusted)

	unmarked := models.NewDailyState("2026-03-02")
	unmarked.AddEntry(filledEntry(1, models.KindFull, 1.0, 1.2))
	r := b.ROC(unmarked)
	assert.False(t, r.Trusted)
	assert.Contains(t, r.Reason, "no mark")

	implausible := models.NewDailyState("2026-03-02")
	e := filledEntry(1, models.KindFull, 1.0, 1.2)
	mark(e, 0.2)
	implausible.AddEntry(e)
	implausible.RealizedPnL = 50000
	r = b.ROC(implausible)
	assert.False(t, r.Trusted)
	assert.Contains(t, r.Reason, "implausible")
	assert.Equal(t, "", b.CheckEntry(implausible, openGuard).Reason)
}

func TestEarlyCloseDue(t *testing.T) {
	b := NewBreakers(testRisk)
	d := models.NewDailyState("2026-03-02")
	e := filledEntry(1, models.KindFull, 1.0, 1.2)
	mark(e, 0.2)
	d.AddEntry(e)

	_, due := b.EarlyCloseDue(d)
	assert.True(t, due)

	mark(e, 1.0)
	_, due = b.EarlyCloseDue(d)
	assert.False(t, due)

	mark(e, 0.2)
	d.EarlyCloseTriggered = true
	_, due = b.EarlyCloseDue(d)
	assert.False(t, due)
}

func TestHoldCheck(t *testing.T) {
	d := models.NewDailyState("2026-03-02")
	e := filledEntry(1, models.KindFull, 1.0, 1.2)
	mark(e, 0.2)
	d.AddEntry(e)

	hd := NewBreakers(testRisk).HoldCheck(d, 5800)
	assert.InDelta(t, 180, hd.CloseNow, 1e-9)
	assert.InDelta(t, 220, hd.Hold, 1e-9)
	assert.InDelta(t, 100, hd.Margin, 1e-9)
	assert.True(t, hd.Proceed)

	tight := testRisk
	tight.HoldMargin, tight.HoldMarginPct = 10, 0.1
	hd = NewBreakers(tight).HoldCheck(d, 5800)
	assert.InDelta(t, 18, hd.Margin, 1e-9)
	assert.False(t, hd.Proceed, "holding is materially better")

	// the call has used a third of its cushion: its credit is haircut by
	// half the current cost; the put is further away than at entry
	hd = NewBreakers(testRisk).HoldCheck(d, 5820)
	assert.InDelta(t, 90+120, hd.Hold, 1e-9)
	assert.LessOrEqual(t, hd.Hold, 220.0)

	// the call short is nearly tested: its hold value is the stop loss
	hd = NewBreakers(tight).HoldCheck(d, 5850)
	assert.InDelta(t, 0, hd.Hold, 1e-9)
	assert.True(t, hd.Proceed)
}

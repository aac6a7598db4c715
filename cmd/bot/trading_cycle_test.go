package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	simulated "github.com/eddiefleurent/dunder_condor/internal/mock"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingCycle_WaitsForSessionOpen(t *testing.T) {
	h := newHarness(t, testConfig(t))

	sleep := h.runAt(t, "09:00")
	assert.Equal(t, models.PhaseIdle, h.phase())
	assert.Equal(t, 2*time.Minute, sleep)

	h.runAt(t, "09:30")
	assert.Equal(t, models.PhaseWaiting, h.phase())
	assert.Empty(t, h.bot.day.Entries)
}

func TestTradingCycle_PlacesScheduledEntry(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.runAt(t, "09:45")

	h.runAt(t, "10:00")

	require.Len(t, h.bot.day.Entries, 1)
	e := h.bot.day.Entries[0]
	assert.Equal(t, 1, e.Index)
	assert.Equal(t, models.KindFull, e.Kind, "warming trend is neutral")
	assert.True(t, e.Complete)
	assert.Len(t, e.Legs, 4)
	assert.Greater(t, e.TotalCredit, 0.6)
	assert.Equal(t, models.PhaseMonitoring, h.phase())

	pos := h.positions(t)
	for _, l := range e.Legs {
		want := float64(l.Quantity)
		if l.Role.IsShort() {
			want = -want
		}
		assert.Equal(t, want, pos[l.Symbol], l.Symbol)
	}
	owned, err := h.bot.registry.Owned(context.Background(), testStrategy)
	require.NoError(t, err)
	assert.Len(t, owned, 4)
	assert.Len(t, h.journal.Events(storage.EventEntryPlaced), 1)
}

func TestTradingCycle_MissedWindow(t *testing.T) {
	h := newHarness(t, testConfig(t))

	sleep := h.runAt(t, "10:20")

	require.Len(t, h.bot.day.Entries, 1)
	assert.Equal(t, models.KindSkipped, h.bot.day.Entries[0].Kind)
	assert.Equal(t, models.SkipMissedWindow, h.bot.day.Entries[0].SkipReason)
	assert.Equal(t, 1, h.bot.day.NextEntry)
	assert.Empty(t, h.sim.Orders())
	assert.Equal(t, models.PhaseWaiting, h.phase())
	assert.Equal(t, 30*time.Second, sleep)

	skips := h.journal.Events(storage.EventEntrySkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, (20 * time.Minute).Seconds(), skips[0].Observed)
	assert.Equal(t, (5 * time.Minute).Seconds(), skips[0].Threshold)
}

func TestTradingCycle_CascadeBlocksRemainingEntries(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.runAt(t, "09:45")
	for _, at := range []string{"10:00", "10:30", "11:00"} {
		h.runAt(t, at)
	}
	require.Len(t, h.bot.day.Entries, 3)
	for _, e := range h.bot.day.Entries {
		require.True(t, e.Complete, "entry %d", e.Index)
	}

	h.sim.SetUnderlying(5950)
	h.runAt(t, "11:10")

	assert.Equal(t, 3, h.bot.day.CallStops)
	assert.Equal(t, 0, h.bot.day.PutStops)
	assert.Equal(t, models.PhaseMonitoring, h.phase(), "put sides are still open")
	assert.Len(t, h.journal.Events(storage.EventStop), 3)
	for _, e := range h.bot.day.Entries {
		assert.True(t, e.Call.Stopped)
		short, long := e.SideLegs(models.SideCall)
		assert.Equal(t, models.LegClosed, short.Status)
		assert.Equal(t, models.LegClosed, long.Status)
	}

	orders := len(h.sim.Orders())
	h.runAt(t, "11:30")
	h.runAt(t, "12:00")

	require.Len(t, h.bot.day.Entries, 5)
	for _, e := range h.bot.day.Entries[3:] {
		assert.Equal(t, models.KindSkipped, e.Kind)
		assert.Equal(t, models.SkipCascade, e.SkipReason)
	}
	assert.True(t, h.bot.day.CascadeTriggered)
	assert.Len(t, h.sim.Orders(), orders, "no orders after the cascade")
	assert.Less(t, h.bot.day.RealizedPnL, 0.0)
}

func TestTradingCycle_SettlesAtExpiry(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.runAt(t, "09:45")
	h.runAt(t, "10:00")
	require.True(t, h.bot.day.HasOpenPositions())

	sleep := h.runAt(t, "16:15")

	assert.Equal(t, models.PhaseDailyComplete, h.phase())
	assert.False(t, h.bot.day.HasOpenPositions())
	e := h.bot.day.Entries[0]
	for _, l := range e.Legs {
		assert.Equal(t, models.LegExpired, l.Status)
		assert.Zero(t, l.ClosePrice, "all strikes finished out of the money")
	}
	assert.True(t, e.Call.Expired)
	assert.True(t, e.Put.Expired)
	assert.InDelta(t, e.TotalCredit*100-e.Fees, h.bot.day.RealizedPnL, 0.01)

	require.Len(t, h.bot.day.Entries, 5)
	for _, e := range h.bot.day.Entries[1:] {
		assert.Equal(t, models.SkipMissedWindow, e.SkipReason)
	}
	owned, err := h.bot.registry.Owned(context.Background(), testStrategy)
	require.NoError(t, err)
	assert.Empty(t, owned)
	assert.Equal(t, 2*time.Minute, sleep)
	assert.NotEmpty(t, h.journal.Events(storage.EventSettlement))

	h.runAt(t, "16:30")
	assert.Equal(t, models.PhaseDailyComplete, h.phase())
}

func TestTradingCycle_NewDayResets(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h.runAt(t, "10:20")
	h.runAt(t, "16:15")
	require.Equal(t, models.PhaseDailyComplete, h.phase())

	h.clock.Set(h.at(cfg, "09:00").AddDate(0, 0, 1))
	h.cycle.Run(context.Background())

	assert.Equal(t, "2026-03-03", h.bot.day.Date)
	assert.Empty(t, h.bot.day.Entries)
	assert.Equal(t, models.PhaseIdle, h.phase())
}

func TestTradingCycle_CriticalFlagHalts(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.runAt(t, "09:45")
	require.NoError(t, h.bot.flag.Set("manual review"))

	sleep := h.runAt(t, "10:00")

	assert.Equal(t, models.PhaseHalted, h.phase())
	assert.Empty(t, h.sim.Orders())
	assert.Equal(t, 2*time.Minute, sleep)
	assert.Contains(t, h.bot.Status().HaltReason, "manual review")
	require.Len(t, h.bot.day.Entries, 1)
	e := h.bot.day.Entries[0]
	assert.Equal(t, models.KindSkipped, e.Kind)
	assert.Equal(t, models.SkipCritical, e.SkipReason)
	assert.Contains(t, e.SkipDetail, "manual review")
	skips := h.journal.Events(storage.EventEntrySkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, models.SkipCritical, skips[0].Reason)
	assert.Equal(t, 1.0, skips[0].Observed)

	h.runAt(t, "10:02")
	assert.Len(t, h.bot.day.Entries, 1, "a slot is recorded once")

	require.NoError(t, h.bot.flag.Clear("ops", "checked the account"))
	h.runAt(t, "10:30")

	require.Len(t, h.bot.day.Entries, 2)
	assert.True(t, h.bot.day.Entries[1].Complete)
	assert.Equal(t, models.PhaseMonitoring, h.phase())
	assert.Equal(t, models.CondEntryPlaced, h.bot.machine.LastCondition())
	assert.Equal(t, 1, h.bot.machine.TransitionCount(models.PhaseHalted))
}

func TestTradingCycle_HaltRecordsEverySlotThroughTheClose(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.runAt(t, "09:45")
	require.NoError(t, h.bot.flag.Set("manual review"))

	h.runAt(t, "10:00")
	h.runAt(t, "16:15")

	require.Len(t, h.bot.day.Entries, 5)
	for _, e := range h.bot.day.Entries {
		assert.Equal(t, models.SkipCritical, e.SkipReason, "entry %d", e.Index)
	}
	assert.Equal(t, 5, h.bot.day.Skipped)
	assert.Equal(t, models.PhaseHalted, h.phase())
}

func TestTradingCycle_SlotClosedBeforeHaltIsMissed(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.runAt(t, "09:45")
	require.NoError(t, h.bot.flag.Set("manual review"))

	h.runAt(t, "10:20")

	require.Len(t, h.bot.day.Entries, 1)
	assert.Equal(t, models.SkipMissedWindow, h.bot.day.Entries[0].SkipReason)
}

func TestTradingCycle_BreakerOpenClosesNakedShortAndHalts(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	h.runAt(t, "09:45")

	e := openEntry("e-1", 1)
	e.Legs[0].Status = models.LegClosed
	e.Legs[0].ClosePrice = 3.0
	h.bot.day.AddEntry(e)
	h.sim.AddPosition(shortCall, -1)
	require.NoError(t, h.bot.registry.Register(ctx, shortCall, registry.Record{
		StrategyID: testStrategy, EntryID: "e-1", Side: "short", Quantity: 1,
	}))

	h.sim.FailNext(simulated.OpGetQuotes, 5, errors.New("connection refused"))
	for i := 0; i < 5; i++ {
		_, err := h.bot.broker.GetQuotes(ctx, []string{"SPX"})
		require.Error(t, err)
	}

	require.True(t, h.bot.breaker.IsOpen())
	assert.NotContains(t, h.positions(t), shortCall)
	require.Len(t, h.sim.Orders(), 1)
	assert.Equal(t, broker.OrderTypeMarket, h.sim.Orders()[0].Type)
	assert.Equal(t, models.LegClosed, e.Legs[1].Status)
	assert.True(t, e.Call.Stopped)
	assert.Equal(t, 1, h.bot.day.CallStops)
	assert.Len(t, h.journal.Events(storage.EventCircuitOpen), 1)
	assert.Len(t, h.journal.Events(storage.EventEmergency), 1)
	owned, err := h.bot.registry.Owned(ctx, testStrategy)
	require.NoError(t, err)
	assert.Empty(t, owned)

	h.runAt(t, "10:30")

	assert.Equal(t, models.PhaseHalted, h.phase())
	assert.Len(t, h.sim.Orders(), 1, "no entry order while the breaker is open")
	require.Len(t, h.bot.day.Entries, 2)
	assert.Equal(t, models.SkipCircuitOpen, h.bot.day.Entries[1].SkipReason)
}

func TestTradingCycle_ROCEarlyClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.ROCThreshold = 0.05
	h := newHarness(t, cfg)
	h.runAt(t, "09:45")
	h.runAt(t, "10:00")
	require.True(t, h.bot.day.HasOpenPositions())

	// volatility collapse: both sides now cost a fraction of their credit
	h.sim.SetVIX(9)
	h.runAt(t, "10:05")

	assert.Equal(t, models.PhaseDailyComplete, h.phase())
	assert.False(t, h.bot.day.HasOpenPositions())
	assert.Empty(t, h.positions(t))
	e := h.bot.day.Entries[0]
	assert.True(t, e.Call.EarlyClosed)
	assert.True(t, e.Put.EarlyClosed)
	assert.Greater(t, h.bot.day.RealizedPnL, 0.0)
	assert.True(t, h.bot.day.EarlyCloseTriggered)

	require.Len(t, h.bot.day.Entries, 5)
	for _, e := range h.bot.day.Entries[1:] {
		assert.Equal(t, models.SkipEarlyClose, e.SkipReason)
	}
	require.Len(t, h.journal.Events(storage.EventEarlyClose), 1)
	assert.GreaterOrEqual(t, h.journal.Events(storage.EventEarlyClose)[0].Observed, 0.05)

	orders := len(h.sim.Orders())
	h.runAt(t, "10:30")
	assert.Len(t, h.sim.Orders(), orders)
}

func TestTradingCycle_HoldsWhenRestingIsWorthMore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.ROCThreshold = 0.05
	cfg.Risk.HoldMargin = 1
	cfg.Risk.HoldMarginPct = 0.01
	h := newHarness(t, cfg)
	h.runAt(t, "09:45")
	h.runAt(t, "10:00")

	h.sim.SetVIX(9)
	h.runAt(t, "10:05")

	assert.True(t, h.bot.day.HasOpenPositions(), "closing gives up the remaining credit")
	assert.Equal(t, models.PhaseMonitoring, h.phase())
	assert.Empty(t, h.journal.Events(storage.EventEarlyClose))
}

func TestNextSleep(t *testing.T) {
	cfg := testConfig(t)

	tests := []struct {
		name  string
		at    string
		day   int
		setup func(h *harness)
		want  time.Duration
	}{
		{name: "before open", at: "09:00", want: 2 * time.Minute},
		{name: "open within a minute", at: "09:29:30", want: 2 * time.Second},
		{name: "entry within a minute", at: "09:59:50", want: 2 * time.Second},
		{name: "flat between entries", at: "10:40", want: 30 * time.Second},
		{name: "never past the next event", at: "09:28:30", want: 90 * time.Second},
		{name: "after close", at: "16:30", want: 2 * time.Minute},
		{name: "weekend", at: "10:00", day: 5, want: 2 * time.Minute},
		{
			name: "halted", at: "09:59:50", want: 2 * time.Minute,
			setup: func(h *harness) { h.bot.machine = models.NewStateMachineAt(models.PhaseHalted) },
		},
		{
			name: "open and far from the strikes", at: "10:40", want: 5 * time.Second,
			setup: func(h *harness) {
				h.bot.day.AddEntry(openEntry("e-1", 1))
				h.bot.minCushion = 0.8
			},
		},
		{
			name: "open and near a short strike", at: "10:40", want: 2 * time.Second,
			setup: func(h *harness) {
				h.bot.day.AddEntry(openEntry("e-1", 1))
				h.bot.minCushion = 0.1
			},
		},
		{
			name: "daily complete", at: "13:00", want: 2 * time.Minute,
			setup: func(h *harness) { h.bot.machine = models.NewStateMachineAt(models.PhaseDailyComplete) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, cfg)
			if tt.setup != nil {
				tt.setup(h)
			}
			layout := "2006-01-02 15:04"
			if len(tt.at) > 5 {
				layout = "2006-01-02 15:04:05"
			}
			now, err := time.ParseInLocation(layout, "2026-03-02 "+tt.at, cfg.Location())
			require.NoError(t, err)
			now = now.AddDate(0, 0, tt.day)

			got := h.cycle.nextSleep(now, cfg.SessionFor(now))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextEvent(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	sess := cfg.SessionFor(h.at(cfg, "09:00"))

	assert.Equal(t, sess.Open, nextEvent(h.at(cfg, "09:00"), sess, 0))
	assert.Equal(t, sess.Entries[0], nextEvent(h.at(cfg, "09:45"), sess, 0))
	assert.Equal(t, sess.Entries[2], nextEvent(h.at(cfg, "10:45"), sess, 2))
	assert.Equal(t, sess.Settlement, nextEvent(h.at(cfg, "12:30"), sess, 5))
	assert.True(t, nextEvent(h.at(cfg, "17:00"), sess, 5).IsZero())
}

func TestOccupiedStrikes(t *testing.T) {
	day := models.NewDailyState("2026-03-02")
	day.AddEntry(openEntry("e-1", 1))
	closed := openEntry("e-2", 2)
	for i := range closed.Legs {
		closed.Legs[i].Status = models.LegClosed
	}
	day.AddEntry(closed)

	got := occupiedStrikes(day)
	assert.ElementsMatch(t, []float64{5870, 5860}, got[models.SideCall])
	assert.Empty(t, got[models.SidePut])
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/dashboard"
	"github.com/eddiefleurent/dunder_condor/internal/mock"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStrategy = "condor-test"

var _ dashboard.Source = (*Bot)(nil)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: "simulate", StrategyID: testStrategy},
		Schedule: config.ScheduleConfig{
			EntryTimes: []string{"10:00", "10:30", "11:00", "11:30", "12:00"},
		},
		Strategy: config.StrategyConfig{
			Symbol:           "SPX",
			OptionRoot:       "SPXW",
			VolatilitySymbol: "VIX",
			Quantity:         1,
			StrikeIncrement:  5,
			SpreadWidth:      10,
			FeePerContract:   0.65,
			Credit: config.CreditConfig{
				MinCallCredit:     0.3,
				MinPutCredit:      0.3,
				MaxConflictShifts: 8,
			},
			Fills: config.FillConfig{
				FillTimeout:   20 * time.Millisecond,
				PollInterval:  time.Millisecond,
				LookupRetries: 2,
				LookupDelay:   time.Millisecond,
			},
		},
		Risk: config.RiskConfig{
			CascadeStops: 3,
			MaxDailyLoss: 10000,
			ROCThreshold: 0.5,
		},
		Emergency: config.EmergencyConfig{
			MaxCloseAttempts:   2,
			MaxSpreadPct:       5,
			SpreadWaitCycles:   1,
			SpreadWaitInterval: time.Millisecond,
			RetryDelay:         time.Millisecond,
		},
		Registry: config.RegistryConfig{
			Path:     filepath.Join(dir, "registry.json"),
			FlagPath: filepath.Join(dir, "critical.json"),
		},
		Storage: config.StorageConfig{Path: filepath.Join(dir, "state.json")},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

type harness struct {
	bot     *Bot
	sim     *mock.SimBroker
	journal *storage.MemoryJournal
	store   *storage.MockStorage
	clock   *testClock
	cycle   *TradingCycle
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		sim:     mock.NewSimBroker("SPX", "VIX", 5800, 16),
		journal: storage.NewMemoryJournal(),
		store:   storage.NewMockStorage(),
		clock:   &testClock{},
	}
	h.clock.Set(h.at(cfg, "09:00"))
	bot, err := newBot(cfg, quietLogger(), deps{
		raw:      h.sim,
		journal:  h.journal,
		store:    h.store,
		registry: prometheus.NewRegistry(),
		now:      h.clock.Now,
	})
	require.NoError(t, err)
	h.bot = bot
	h.cycle = NewTradingCycle(bot)
	return h
}

// at is hh:mm on Monday 2026-03-02 in the schedule timezone.
func (h *harness) at(cfg *config.Config, hhmm string) time.Time {
	tm, err := time.ParseInLocation("2006-01-02 15:04", "2026-03-02 "+hhmm, cfg.Location())
	if err != nil {
		panic(err)
	}
	return tm
}

// runAt sets the clock and runs one cycle.
func (h *harness) runAt(t *testing.T, hhmm string) time.Duration {
	t.Helper()
	h.clock.Set(h.at(h.bot.config, hhmm))
	return h.cycle.Run(context.Background())
}

func (h *harness) phase() models.Phase {
	return h.bot.machine.Current()
}

func (h *harness) positions(t *testing.T) map[string]float64 {
	t.Helper()
	ps, err := h.sim.GetPositions(context.Background())
	require.NoError(t, err)
	out := map[string]float64{}
	for _, p := range ps {
		out[p.Symbol] = p.Quantity
	}
	return out
}

func openEntry(id string, index int) *models.Entry {
	return &models.Entry{
		ID:       id,
		Index:    index,
		Kind:     models.KindCallOnly,
		Complete: true,
		Quantity: 1,
		Legs: []models.Leg{
			{Role: models.RoleLongCall, Symbol: "SPXW260302C05870000", Strike: 5870, Quantity: 1, FillPrice: 3.3, Status: models.LegOpen},
			{Role: models.RoleShortCall, Symbol: "SPXW260302C05860000", Strike: 5860, Quantity: 1, FillPrice: 4.6, Status: models.LegOpen},
		},
		Call: models.SideState{Credit: 1.3, StopLevel: 2.6},
	}
}

func TestGraceContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := graceContext(parent, 30*time.Millisecond)
	defer stop()

	cancel()
	assert.NoError(t, ctx.Err(), "operations keep running right after the signal")
	assert.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestGraceContext_StopCancels(t *testing.T) {
	ctx, stop := graceContext(context.Background(), time.Hour)
	stop()
	assert.Error(t, ctx.Err())
}

func TestRestore_NoSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(t))
	require.NoError(t, h.bot.restore(context.Background()))

	assert.Equal(t, "2026-03-02", h.bot.day.Date)
	assert.Empty(t, h.bot.day.Entries)
	assert.Equal(t, 1, h.store.GetSaveCallCount())
}

func TestRestore_SameDay(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	day := models.NewDailyState("2026-03-02")
	day.Phase = models.PhaseMonitoring
	day.AddEntry(openEntry("e-1", 1))
	require.NoError(t, h.store.Save(&storage.Snapshot{
		Day:           day,
		StrategyID:    testStrategy,
		LastReconcile: h.at(cfg, "09:45"),
		Trend:         models.TrendState{Fast: 5800, Slow: 5799, Samples: 12},
	}))

	require.NoError(t, h.bot.restore(context.Background()))

	require.Len(t, h.bot.day.Entries, 1)
	assert.True(t, h.bot.day.HasOpenPositions())
	assert.Equal(t, models.PhaseIdle, h.phase())
	assert.Equal(t, h.at(cfg, "09:45"), h.bot.lastReconcile)
	assert.Equal(t, 12, h.bot.trend.State().Samples)
	assert.Len(t, h.journal.Events(storage.EventRestart), 1)

	h.sim.AddPosition("SPXW260302C05870000", 1)
	h.sim.AddPosition("SPXW260302C05860000", -1)
	h.runAt(t, "09:50")
	assert.Equal(t, models.PhaseMonitoring, h.phase(), "open legs resume monitoring")
}

func TestRestore_DailyComplete(t *testing.T) {
	h := newHarness(t, testConfig(t))
	day := models.NewDailyState("2026-03-02")
	day.Phase = models.PhaseDailyComplete
	require.NoError(t, h.store.Save(&storage.Snapshot{Day: day, StrategyID: testStrategy}))

	require.NoError(t, h.bot.restore(context.Background()))
	assert.Equal(t, models.PhaseDailyComplete, h.phase())
}

func TestRestore_StrategyMismatch(t *testing.T) {
	h := newHarness(t, testConfig(t))
	require.NoError(t, h.store.Save(&storage.Snapshot{Day: models.NewDailyState("2026-03-02"), StrategyID: "someone-else"}))

	err := h.bot.restore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "someone-else")
}

func TestRestore_UnsettledPreviousDaySetsFlag(t *testing.T) {
	h := newHarness(t, testConfig(t))
	day := models.NewDailyState("2026-02-27")
	day.AddEntry(openEntry("e-old", 1))
	require.NoError(t, h.store.Save(&storage.Snapshot{Day: day, StrategyID: testStrategy}))

	require.NoError(t, h.bot.restore(context.Background()))

	assert.Equal(t, "2026-03-02", h.bot.day.Date)
	assert.Empty(t, h.bot.day.Entries)
	assert.True(t, h.bot.flag.IsSet())
}

func TestRestore_UnsettledPreviousDayFlagWriteFails(t *testing.T) {
	cfg := testConfig(t)
	// a directory where the flag file belongs makes every write fail
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Registry.FlagPath, "busy"), 0o750))
	h := newHarness(t, cfg)
	day := models.NewDailyState("2026-02-27")
	day.AddEntry(openEntry("e-old", 1))
	require.NoError(t, h.store.Save(&storage.Snapshot{Day: day, StrategyID: testStrategy}))

	err := h.bot.restore(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical intervention flag")
	snap, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "2026-02-27", snap.Day.Date, "the unsettled snapshot is not overwritten")
}

func TestRestore_ResumesInterruptedEntry(t *testing.T) {
	h := newHarness(t, testConfig(t))
	e := &models.Entry{
		ID:       "e-pending",
		Index:    1,
		Kind:     models.KindFull,
		Quantity: 1,
		Legs: []models.Leg{
			{Role: models.RoleLongCall, Symbol: "SPXW260302C05870000", Strike: 5870, Quantity: 1, Status: models.LegPending},
			{Role: models.RoleShortCall, Symbol: "SPXW260302C05860000", Strike: 5860, Quantity: 1, Status: models.LegPending},
		},
	}
	day := models.NewDailyState("2026-03-02")
	day.AddEntry(e)
	require.NoError(t, h.store.Save(&storage.Snapshot{Day: day, StrategyID: testStrategy}))

	require.NoError(t, h.bot.restore(context.Background()))

	got := h.bot.day.Entries[0]
	assert.True(t, got.Failed, "legs never sent leave nothing to keep")
	for _, l := range got.Legs {
		assert.Equal(t, models.LegFailed, l.Status)
	}
	assert.Equal(t, 1, h.bot.day.Failed)
}

func TestStatus_ReturnsCopy(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.bot.mu.Lock()
	h.bot.day.AddEntry(openEntry("e-1", 1))
	h.bot.persist()
	h.bot.mu.Unlock()

	st := h.bot.Status()
	assert.Equal(t, models.PhaseIdle, st.Phase)
	assert.Equal(t, "simulate", st.Mode)
	require.Len(t, st.Day.Entries, 1)

	st.Day.Entries[0].Legs[0].Status = models.LegClosed
	assert.Equal(t, models.LegOpen, h.bot.Status().Day.Entries[0].Legs[0].Status)
}

const commandConfig = `
environment:
  mode: simulate
  strategy_id: condor-test
schedule:
  entry_times: ["10:00", "11:00"]
strategy:
  symbol: SPX
  option_root: SPXW
  volatility_symbol: VIX
  strike_increment: 5
  spread_width: 10
  credit:
    min_call_credit: 0.5
    min_put_credit: 0.5
risk:
  cascade_stops: 3
  max_daily_loss: 1500
  roc_threshold: 0.03
registry:
  path: {{dir}}/registry.json
  flag_path: {{dir}}/critical.json
storage:
  path: {{dir}}/state.json
  journal_path: {{dir}}/journal.db
`

func writeCommandConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := bytes.ReplaceAll([]byte(commandConfig), []byte("{{dir}}"), []byte(dir))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path, dir
}

func TestStatusCommand(t *testing.T) {
	path, dir := writeCommandConfig(t)
	reg, err := registry.New(filepath.Join(dir, "registry.json"), time.Second)
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), "SPXW260302P05740000", registry.Record{
		StrategyID: testStrategy, EntryID: "e-1", Side: "short", Quantity: 1,
	}))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--config", path})
	require.NoError(t, root.Execute())

	var report statusReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Nil(t, report.Day)
	assert.False(t, report.Critical.Set)
	assert.Contains(t, report.Owned, "SPXW260302P05740000")
}

func TestClearInterventionCommand(t *testing.T) {
	path, dir := writeCommandConfig(t)
	flag, err := safety.NewCriticalFlag(filepath.Join(dir, "critical.json"))
	require.NoError(t, err)
	require.NoError(t, flag.Set("close of SPXW260302C05860000 failed"))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"clear-intervention", "-c", path, "--by", "ops", "--reason", "flattened by hand"})
	require.NoError(t, root.Execute())

	st, err := flag.State()
	require.NoError(t, err)
	assert.False(t, st.Set)
	assert.Equal(t, "ops", st.ClearedBy)
	assert.Equal(t, "flattened by hand", st.ClearReason)

	j, err := storage.NewSQLiteJournal(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	events, err := j.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventCriticalClear, events[0].Kind)
}

func TestClearInterventionCommand_RequiresReason(t *testing.T) {
	path, _ := writeCommandConfig(t)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"clear-intervention", "-c", path})
	assert.Error(t, root.Execute())
}

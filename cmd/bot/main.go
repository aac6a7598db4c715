package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/alert"
	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/dashboard"
	"github.com/eddiefleurent/dunder_condor/internal/metrics"
	"github.com/eddiefleurent/dunder_condor/internal/mock"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/orders"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/retry"
	"github.com/eddiefleurent/dunder_condor/internal/risk"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/eddiefleurent/dunder_condor/internal/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Quotes older than this are not trusted for a stop decision.
const maxQuoteAge = 30 * time.Second

// Bot owns every component of one strategy instance.
type Bot struct {
	config    *config.Config
	logger    *logrus.Logger
	broker    broker.Broker // breaker-wrapped
	breaker   *broker.CircuitBreakerBroker
	raw       broker.Broker
	sim       *mock.SimBroker // simulate mode only
	registry  *registry.Registry
	flag      *safety.CriticalFlag
	emergency *safety.Handler
	journal   storage.Journal
	storage   storage.Interface
	notifier  alert.Sender
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	trend     *strategy.TrendFilter
	selector  *strategy.Selector
	orders    *orders.Manager
	monitor   *risk.Monitor
	breakers  *risk.Breakers
	machine   *models.StateMachine
	day       *models.DailyState
	now       func() time.Time

	// mu is the operation lock: one cycle, flush or command at a time.
	mu            sync.Mutex
	lastReconcile time.Time
	lastPrice     float64
	lastVIX       float64
	minCushion    float64
	haltReason    string
	haltedAt      time.Time
	draining      atomic.Bool

	statusMu sync.RWMutex
	status   dashboard.Status
}

// deps are the pieces that differ between production and tests.
type deps struct {
	raw      broker.Broker
	sim      *mock.SimBroker
	journal  storage.Journal
	store    storage.Interface
	notifier alert.Sender
	registry prometheus.Registerer
	gatherer prometheus.Gatherer
	now      func() time.Time
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "bot",
		Short:        "0DTE iron condor trading bot",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newStatusCmd(&configPath),
		newReconcileCmd(&configPath),
		newClearInterventionCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			logger.WithFields(logrus.Fields{
				"mode":        cfg.Environment.Mode,
				"strategy_id": cfg.Environment.StrategyID,
				"symbol":      cfg.Strategy.Symbol,
			}).Info("Starting dunder-condor")
			if cfg.Environment.Mode == "live" {
				logger.Warn("LIVE TRADING MODE - real money at risk")
			}

			bot, err := buildBot(cfg, logger)
			if err != nil {
				return err
			}
			defer bot.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := bot.Run(ctx); err != nil {
				logger.WithError(err).Error("Bot stopped with error")
				return err
			}
			logger.Info("Bot stopped")
			return nil
		},
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Environment.Mode == "live" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// buildBot wires production dependencies.
func buildBot(cfg *config.Config, logger *logrus.Logger) (*Bot, error) {
	var d deps
	if cfg.IsSimulated() {
		d.sim = mock.NewSimBroker(cfg.Strategy.Symbol, cfg.Strategy.VolatilitySymbol, 5800, 16)
		d.raw = d.sim
	} else {
		d.raw = broker.NewTradierAPI(
			cfg.Broker.APIKey,
			cfg.Broker.AccountID,
			cfg.IsPaperTrading(),
			cfg.Broker.APIEndpoint,
			cfg.Broker.Timeout,
			logger,
		)
	}

	store, err := storage.NewJSONStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	d.store = store

	if cfg.Storage.JournalPath != "" {
		j, err := storage.NewSQLiteJournal(cfg.Storage.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		d.journal = j
	} else {
		logger.Warn("storage.journal_path not set, journal kept in memory")
		d.journal = storage.NewMemoryJournal()
	}

	transports := []alert.Transport{alert.NewLogTransport(logger)}
	if cfg.Alerts.WebhookURL != "" {
		transports = append(transports, alert.NewWebhookTransport(cfg.Alerts.WebhookURL, cfg.Alerts.Username))
	}
	d.notifier = alert.NewNotifier(logger, cfg.Alerts.MinInterval, transports...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.registry, d.gatherer = reg, reg

	bot, err := newBot(cfg, logger, d)
	if err != nil {
		_ = d.journal.Close()
		return nil, err
	}
	return bot, nil
}

// newBot assembles the components around the given dependencies.
func newBot(cfg *config.Config, logger *logrus.Logger, d deps) (*Bot, error) {
	if d.now == nil {
		d.now = time.Now
	}
	if d.journal == nil {
		d.journal = storage.NewMemoryJournal()
	}
	if d.notifier == nil {
		d.notifier = alert.NewNotifier(logger, cfg.Alerts.MinInterval, alert.NewLogTransport(logger))
	}

	reg, err := registry.New(cfg.Registry.Path, cfg.Registry.LockTimeout)
	if err != nil {
		return nil, err
	}
	flag, err := safety.NewCriticalFlag(cfg.Registry.FlagPath)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		config:     cfg,
		logger:     logger,
		raw:        d.raw,
		sim:        d.sim,
		registry:   reg,
		flag:       flag,
		journal:    d.journal,
		storage:    d.store,
		notifier:   d.notifier,
		metrics:    metrics.New(d.registry),
		gatherer:   d.gatherer,
		trend:      strategy.NewTrendFilter(cfg.Strategy.Trend),
		breakers:   risk.NewBreakers(cfg.Risk),
		machine:    models.NewStateMachine(),
		day:        models.NewDailyState(cfg.DateKey(d.now())),
		now:        d.now,
		minCushion: 1,
	}

	fills := cfg.Strategy.Fills
	b.emergency = safety.NewHandler(reg, flag, b.notifier, b.journal, b.metrics, safety.Settings{
		StrategyID: cfg.Environment.StrategyID,
		Emergency:  cfg.Emergency,
		Fill: broker.FillPolicy{
			Timeout:       fills.FillTimeout,
			PollInterval:  fills.PollInterval,
			CallTimeout:   cfg.Broker.Timeout,
			LookupRetries: fills.LookupRetries,
			LookupDelay:   fills.LookupDelay,
		},
		FeePerContract: cfg.Strategy.FeePerContract,
	}, logger)

	b.breaker = broker.NewCircuitBreakerBroker(d.raw, broker.CircuitBreakerSettings{
		OnOpen: b.onBreakerOpen,
		OnCall: b.metrics.ObserveBrokerCall,
		Logger: logger,
		Retry: retry.NewClient(logger, retry.Config{
			MaxRetries:     cfg.Broker.MaxRetries,
			InitialBackoff: cfg.Broker.InitialBackoff,
			MaxBackoff:     cfg.Broker.MaxBackoff,
			Timeout:        retry.DefaultConfig.Timeout,
		}),
		ConsecutiveFailures: cfg.CircuitBreaker.ConsecutiveFailures,
		WindowSize:          cfg.CircuitBreaker.WindowSize,
		WindowFailures:      cfg.CircuitBreaker.WindowFailures,
		Cooldown:            cfg.CircuitBreaker.Cooldown,
		CallTimeout:         cfg.Broker.Timeout,
	})
	b.broker = b.breaker

	b.selector = strategy.NewSelector(b.broker, cfg.Strategy, logger)
	b.orders = orders.NewManager(b.broker, d.raw, reg, b.emergency, b.journal, b.notifier, b.metrics, orders.Settings{
		StrategyID:     cfg.Environment.StrategyID,
		Quantity:       cfg.Strategy.Quantity,
		FeePerContract: cfg.Strategy.FeePerContract,
		Fills:          fills,
		Stops:          cfg.Strategy.Stops,
		CallTimeout:    cfg.Broker.Timeout,
	}, logger)
	b.orders.OnChange(func(*models.Entry) { b.persist() })
	b.monitor = risk.NewMonitor(b.broker, d.raw, b.emergency, reg, b.journal, b.notifier, b.metrics, risk.MonitorSettings{
		StrategyID:  cfg.Environment.StrategyID,
		Stops:       cfg.Strategy.Stops,
		MaxQuoteAge: maxQuoteAge,
	}, logger)

	b.publish()
	return b, nil
}

// Close releases the journal.
func (b *Bot) Close() {
	if err := b.journal.Close(); err != nil {
		b.logger.WithError(err).Warn("Failed to close journal")
	}
}

// Run restores the day and runs the loop, the snapshot flusher and the
// dashboard until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	// in-flight operations outlive the signal by at most the shutdown grace
	opCtx, cancelOps := graceContext(ctx, b.config.Schedule.ShutdownGrace)
	defer cancelOps()

	if err := b.restore(opCtx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.loop(gctx, opCtx)
		return nil
	})
	g.Go(func() error {
		b.flushLoop(gctx)
		return nil
	})
	if b.config.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      b.config.Dashboard.Port,
			AuthToken: b.config.Dashboard.AuthToken,
		}, b, b.journal, b.gatherer, b.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err := g.Wait()
	b.mu.Lock()
	b.persist()
	b.mu.Unlock()
	return err
}

func (b *Bot) loop(ctx, opCtx context.Context) {
	cycle := NewTradingCycle(b)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			b.draining.Store(true)
			b.logger.Info("Shutdown requested, trading loop exiting")
			return
		case <-timer.C:
		}
		sleep := cycle.Run(opCtx)
		b.logger.WithField("sleep", sleep.String()).Debug("Cycle complete")
		timer.Reset(sleep)
	}
}

func (b *Bot) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.Storage.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			b.persist()
			b.mu.Unlock()
		}
	}
}

// graceContext returns a context that ignores the cancellation of parent for
// up to grace, so an order sequence in flight can complete.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var timer *time.Timer
	var mu sync.Mutex
	stop := context.AfterFunc(parent, func() {
		mu.Lock()
		timer = time.AfterFunc(grace, cancel)
		mu.Unlock()
	})
	return ctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

// restore resumes today's snapshot and settles entries interrupted mid-placement.
func (b *Bot) restore(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.config.DateKey(b.now())
	snap, err := b.storage.Load()
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
		b.logger.Info("No snapshot found, starting a fresh day")
		b.persist()
		return nil
	case err != nil:
		return fmt.Errorf("loading snapshot: %w", err)
	}

	if snap.StrategyID != "" && snap.StrategyID != b.config.Environment.StrategyID {
		return fmt.Errorf("snapshot belongs to strategy %q, configured %q", snap.StrategyID, b.config.Environment.StrategyID)
	}
	if snap.Day == nil || snap.Day.Date != today {
		if snap.Day != nil && snap.Day.HasOpenPositions() {
			reason := fmt.Sprintf("snapshot of %s still holds open legs; settle them manually", snap.Day.Date)
			b.logger.WithField("date", snap.Day.Date).Error("Previous day was never settled")
			if err := b.flag.Set(reason); err != nil {
				b.logger.WithError(err).Error("Failed to persist critical intervention flag")
				return fmt.Errorf("persisting critical intervention flag: %w", err)
			}
			b.notify(ctx, alert.Alert{
				Key:      "unsettled:" + snap.Day.Date,
				Title:    "Unsettled day at restart",
				Message:  reason,
				Severity: alert.SeverityCritical,
			})
		}
		b.logger.WithField("snapshot_date", dateOf(snap.Day)).Info("Snapshot is from another day, starting fresh")
		b.persist()
		return nil
	}

	b.day = snap.Day
	b.day.Rebuild()
	b.trend.Restore(snap.Trend)
	b.lastReconcile = snap.LastReconcile
	if snap.Day.Phase == models.PhaseDailyComplete {
		b.machine = models.NewStateMachineAt(models.PhaseDailyComplete)
	} else {
		b.day.Phase = models.PhaseIdle
	}

	b.record(ctx, storage.EventRecord{
		Kind:    storage.EventRestart,
		Message: fmt.Sprintf("restored %d entries, phase %s", len(b.day.Entries), snap.Day.Phase),
	})
	b.logger.WithFields(logrus.Fields{
		"entries":  len(b.day.Entries),
		"open":     len(b.day.OpenEntries()),
		"realized": b.day.RealizedPnL,
		"stops":    b.day.TotalStops(),
	}).Info("Restored trading day from snapshot")

	for _, e := range b.day.Entries {
		if !hasPendingLegs(e) {
			continue
		}
		if _, err := b.orders.Resume(ctx, e); err != nil {
			b.logger.WithError(err).WithField("entry", e.Index).Error("Interrupted entry could not be verified")
			b.notify(ctx, alert.Alert{
				Key:      "resume:" + e.ID,
				Title:    fmt.Sprintf("Entry %d unverified after restart", e.Index),
				Message:  err.Error(),
				Severity: alert.SeverityHigh,
			})
		}
	}
	b.day.Rebuild()
	b.persist()
	return nil
}

func hasPendingLegs(e *models.Entry) bool {
	for i := range e.Legs {
		if e.Legs[i].Status == models.LegPending {
			return true
		}
	}
	return false
}

func dateOf(d *models.DailyState) string {
	if d == nil {
		return ""
	}
	return d.Date
}

// onBreakerOpen runs inside the broker call that tripped the breaker.
func (b *Bot) onBreakerOpen(reason string, raw broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.Schedule.ShutdownGrace)
	defer cancel()

	b.record(ctx, storage.EventRecord{Kind: storage.EventCircuitOpen, Reason: reason, Message: "broker circuit breaker opened"})
	b.notify(ctx, alert.Alert{
		Key:      "circuit-open",
		Title:    "Circuit breaker open",
		Message:  reason,
		Severity: alert.SeverityCritical,
	})

	out, err := b.emergency.ScanAll(ctx, raw, "circuit breaker open: "+reason)
	if err != nil {
		b.logger.WithError(err).Error("Emergency scan on breaker open failed")
		return
	}
	if out.Acted() {
		applyEmergency(b.day, out, b.now())
	}
}

// persist writes the snapshot and refreshes the published status. Caller holds mu.
func (b *Bot) persist() {
	b.day.UpdatedAt = b.now()
	if b.storage != nil {
		snap := &storage.Snapshot{
			SavedAt:       b.now(),
			LastReconcile: b.lastReconcile,
			Day:           b.day,
			Trend:         b.trend.State(),
			StrategyID:    b.config.Environment.StrategyID,
			Breaker:       b.breaker.State(),
			Version:       storage.SnapshotVersion,
		}
		if err := b.storage.Save(snap); err != nil {
			b.logger.WithError(err).Error("Failed to save snapshot")
		}
	}
	b.publish()
}

// publish copies the state for dashboard readers. Caller holds mu, or is
// the constructor.
func (b *Bot) publish() {
	roc := b.breakers.ROC(b.day)
	critical, err := b.flag.State()
	if err != nil {
		critical = safety.FlagState{Set: true, Reason: err.Error()}
	}
	breaker := b.breaker.State()
	st := dashboard.Status{
		UpdatedAt:  b.now(),
		Day:        b.day.Clone(),
		Mode:       b.config.Environment.Mode,
		Phase:      b.machine.Current(),
		HaltReason: b.haltReason,
		Breaker:    breaker,
		Critical:   critical,
		Trend:      b.trend.State(),
		Unrealized: roc.Unrealized,
		Capital:    roc.Capital,
		ROC:        roc.ROC,
		ROCTrusted: roc.Trusted,
		Halted:     b.machine.IsHalted(),
	}

	b.metrics.RealizedPnL.Set(b.day.RealizedPnL)
	b.metrics.UnrealizedPnL.Set(roc.Unrealized)
	if roc.Trusted {
		b.metrics.ROC.Set(roc.ROC)
	}
	b.metrics.OpenEntries.Set(float64(len(b.day.OpenEntries())))
	metrics.SetBool(b.metrics.BreakerOpen, breaker.Open)
	metrics.SetBool(b.metrics.CriticalFlag, critical.Set)

	b.statusMu.Lock()
	b.status = st
	b.statusMu.Unlock()
}

// Status implements dashboard.Source.
func (b *Bot) Status() dashboard.Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	st := b.status
	st.Day = st.Day.Clone()
	return st
}

func (b *Bot) record(ctx context.Context, ev storage.EventRecord) {
	if err := b.journal.RecordEvent(ctx, ev); err != nil {
		b.logger.WithError(err).WithField("kind", ev.Kind).Warn("Failed to journal event")
	}
}

func (b *Bot) notify(ctx context.Context, a alert.Alert) {
	if b.notifier != nil {
		b.notifier.Notify(ctx, a)
	}
}

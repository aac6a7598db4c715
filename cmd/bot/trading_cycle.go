package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/alert"
	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/risk"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/eddiefleurent/dunder_condor/internal/strategy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// marketData is the underlying and volatility index read at the start of a cycle.
type marketData struct {
	err   error
	price float64
	vix   float64
}

func (m marketData) ok() bool {
	return m.err == nil && m.price > 0 && m.vix > 0
}

// TradingCycle encapsulates the main trading logic
type TradingCycle struct {
	bot        *Bot
	reconciler *Reconciler
}

// NewTradingCycle creates a new trading cycle handler
func NewTradingCycle(bot *Bot) *TradingCycle {
	return &TradingCycle{
		bot:        bot,
		reconciler: NewReconciler(bot),
	}
}

// Run executes one cycle under the operation lock and returns how long to
// sleep before the next one. Order within a cycle: halt checks, stops, ROC
// early close, reconciliation, the due entry, settlement.
func (tc *TradingCycle) Run(ctx context.Context) time.Duration {
	b := tc.bot
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	defer func() { b.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()
	defer b.persist()

	now := b.now()
	cfg := b.config
	tc.rollDay(ctx, now)
	if !cfg.IsTradingDay(now) {
		return cfg.Schedule.PollHalted
	}
	sess := cfg.SessionFor(now)

	if tc.checkHalt(ctx) {
		tc.skipWhileHalted(ctx, now, sess)
		if !now.Before(sess.Settlement) && b.day.HasOpenPositions() {
			tc.settle(ctx, now, false)
		}
		return tc.nextSleep(now, sess)
	}

	switch b.machine.Current() {
	case models.PhaseDailyComplete:
		return tc.nextSleep(now, sess)
	case models.PhaseIdle:
		if !tc.startSession(ctx, now, sess) {
			return tc.nextSleep(now, sess)
		}
	}

	mkt := tc.marketData(ctx, now)
	if b.day.HasOpenPositions() {
		if halted := tc.processStops(ctx, mkt); halted {
			return tc.nextSleep(now, sess)
		}
		if tc.processEarlyClose(ctx, sess, mkt) {
			return tc.nextSleep(now, sess)
		}
	}

	if now.Sub(b.lastReconcile) >= cfg.Risk.ReconcileInterval {
		tc.reconcile(ctx, now)
		if tc.checkHalt(ctx) {
			return tc.nextSleep(now, sess)
		}
	}

	tc.processEntries(ctx, now, sess, mkt)

	if !now.Before(sess.Settlement) {
		tc.settle(ctx, now, true)
	}
	return tc.nextSleep(now, sess)
}

// rollDay starts a new DailyState when the date changes and the previous day is flat.
func (tc *TradingCycle) rollDay(ctx context.Context, now time.Time) {
	b := tc.bot
	date := b.config.DateKey(now)
	if b.day.Date == date {
		return
	}
	if err := b.day.Reset(date); err != nil {
		if errors.Is(err, models.ErrEntryOpenAtReset) {
			b.logger.WithError(err).WithField("date", b.day.Date).Error("Cannot start new day with open legs")
			b.notify(ctx, alert.Alert{
				Key:      "reset:" + b.day.Date,
				Title:    "Day reset blocked",
				Message:  err.Error(),
				Severity: alert.SeverityHigh,
			})
		}
		return
	}
	b.trend = strategy.NewTrendFilter(b.config.Strategy.Trend)
	b.minCushion = 1
	if b.machine.Current() == models.PhaseDailyComplete {
		tc.transition(ctx, models.PhaseIdle, models.CondDayReset)
	}
	b.day.Phase = b.machine.Current()
	b.logger.WithField("date", date).Info("New trading day")
}

// checkHalt moves the machine into or out of HALTED and reports whether the
// cycle must stop here. While the breaker is open a market clock request
// serves as the half-open probe.
func (tc *TradingCycle) checkHalt(ctx context.Context) bool {
	b := tc.bot
	critical := b.flag.IsSet()
	open := b.breaker.IsOpen()
	if open && !critical {
		if _, err := b.broker.GetMarketClock(ctx); err == nil {
			open = b.breaker.IsOpen()
		}
	}

	if (critical || open) && b.haltedAt.IsZero() {
		b.haltedAt = b.now()
	}
	switch {
	case critical:
		st, _ := b.flag.State()
		b.haltReason = "critical intervention: " + st.Reason
		if !b.machine.IsHalted() {
			tc.halt(ctx, models.CondCritical, b.haltReason)
		}
		return true
	case open:
		b.haltReason = "circuit breaker open: " + b.breaker.State().Reason
		if !b.machine.IsHalted() {
			tc.halt(ctx, models.CondCircuitOpen, b.haltReason)
		}
		return true
	}

	b.haltedAt = time.Time{}
	if b.machine.IsHalted() {
		b.logger.WithField("reason", b.haltReason).Warn("Halt cleared, resuming")
		b.haltReason = ""
		to := models.PhaseWaiting
		switch {
		case b.day.HasOpenPositions():
			to = models.PhaseMonitoring
		case !b.now().Before(b.config.SessionFor(b.now()).Settlement):
			to = models.PhaseDailyComplete
		}
		tc.transition(ctx, to, models.CondHaltCleared)
	}
	return false
}

func (tc *TradingCycle) halt(ctx context.Context, cond, reason string) {
	b := tc.bot
	b.logger.WithFields(logrus.Fields{"condition": cond, "reason": reason}).Error("Trading halted")
	if err := b.machine.Transition(models.PhaseHalted, cond); err != nil {
		// IDLE only halts on the critical flag; a breaker trip before the
		// session starts is picked up once the machine leaves IDLE.
		b.logger.WithError(err).Debug("Halt transition not taken")
		return
	}
	b.day.Phase = models.PhaseHalted
	b.record(ctx, storage.EventRecord{Kind: storage.EventPhase, Reason: cond, Message: "halted: " + reason})
	b.notify(ctx, alert.Alert{
		Key:      "halt:" + cond,
		Title:    "Trading halted",
		Message:  reason,
		Severity: alert.SeverityCritical,
	})
}

// transition applies a phase change and mirrors it onto the day.
func (tc *TradingCycle) transition(ctx context.Context, to models.Phase, cond string) bool {
	b := tc.bot
	from := b.machine.Current()
	if err := b.machine.Transition(to, cond); err != nil {
		b.logger.WithError(err).Error("Rejected phase transition")
		return false
	}
	b.day.Phase = to
	b.logger.WithFields(logrus.Fields{"from": from, "to": to, "condition": cond}).Info("Phase transition")
	b.record(ctx, storage.EventRecord{Kind: storage.EventPhase, Reason: cond, Message: fmt.Sprintf("%s -> %s", from, to)})
	return true
}

// startSession leaves IDLE. It reports false while the session has not opened.
func (tc *TradingCycle) startSession(ctx context.Context, now time.Time, sess config.Session) bool {
	b := tc.bot
	switch {
	case b.day.HasOpenPositions():
		return tc.transition(ctx, models.PhaseMonitoring, models.CondResume)
	case now.Before(sess.Open):
		return false
	case !now.Before(sess.Settlement):
		tc.transition(ctx, models.PhaseDailyComplete, models.CondSessionOver)
		return false
	default:
		return tc.transition(ctx, models.PhaseWaiting, models.CondSessionStart)
	}
}

// marketData reads the underlying and the volatility index in one batch and
// feeds the trend filter.
func (tc *TradingCycle) marketData(ctx context.Context, now time.Time) marketData {
	b := tc.bot
	if b.sim != nil {
		b.sim.Step()
	}
	underlying, vol := b.config.Strategy.Symbol, b.config.Strategy.VolatilitySymbol
	quotes, err := b.broker.GetQuotes(ctx, []string{underlying, vol})
	if err != nil {
		b.logger.WithError(err).Warn("Failed to read underlying quote")
		return marketData{err: err, price: b.lastPrice, vix: b.lastVIX}
	}
	var md marketData
	if q, ok := quotes[underlying]; ok {
		md.price = q.Mid()
	}
	if q, ok := quotes[vol]; ok {
		md.vix = q.Mid()
	}
	if md.price <= 0 || md.vix <= 0 {
		md.err = fmt.Errorf("%w: %s=%.2f %s=%.2f", broker.ErrNoQuote, underlying, md.price, vol, md.vix)
		b.logger.WithFields(logrus.Fields{"price": md.price, "vix": md.vix}).Warn("Incomplete market data")
		if md.price <= 0 {
			md.price = b.lastPrice
		}
		return md
	}
	b.lastPrice, b.lastVIX = md.price, md.vix
	if b.trend.Observe(now, md.price) {
		r := b.trend.Reading()
		b.metrics.TrendDivergence.Set(r.Divergence)
		b.logger.WithFields(logrus.Fields{
			"price":      md.price,
			"fast":       r.Fast,
			"slow":       r.Slow,
			"divergence": r.Divergence,
			"signal":     r.Signal,
			"ready":      r.Ready,
		}).Debug("Trend sample")
	}
	return md
}

// processStops runs the stop-loss monitor. It reports true when a failed
// close halted trading.
func (tc *TradingCycle) processStops(ctx context.Context, mkt marketData) bool {
	b := tc.bot
	res, err := b.monitor.Check(ctx, b.day, mkt.price)
	if err != nil {
		b.logger.WithError(err).Warn("Stop check failed this cycle")
		return false
	}
	b.minCushion = res.MinCushion
	if len(res.Stops) == 0 {
		return false
	}

	if b.machine.Current() == models.PhaseMonitoring {
		tc.transition(ctx, models.PhaseStopTriggered, models.CondStopHit)
	}
	for _, sc := range res.Stops {
		if sc.FlagSet {
			tc.checkHalt(ctx)
			return true
		}
	}
	if b.machine.Current() == models.PhaseStopTriggered {
		tc.transition(ctx, models.PhaseMonitoring, models.CondStopProcessed)
	}
	if stops := b.day.TotalStops(); stops >= b.config.Risk.CascadeStops {
		b.logger.WithFields(logrus.Fields{
			"observed":  stops,
			"threshold": b.config.Risk.CascadeStops,
		}).Warn("Cascade breaker reached, no further entries today")
	}
	tc.flatten(ctx)
	return false
}

// flatten moves MONITORING to WAITING once nothing is open.
func (tc *TradingCycle) flatten(ctx context.Context) {
	b := tc.bot
	if b.machine.Current() == models.PhaseMonitoring && !b.day.HasOpenPositions() {
		tc.transition(ctx, models.PhaseWaiting, models.CondPositionsFlat)
	}
}

// processEarlyClose flattens the day when the ROC target is reached and the
// hold-check does not favour holding. It reports true when the day ended.
func (tc *TradingCycle) processEarlyClose(ctx context.Context, sess config.Session, mkt marketData) bool {
	b := tc.bot
	reading, due := b.breakers.EarlyCloseDue(b.day)
	if !reading.Trusted && reading.Reason != "" {
		b.logger.WithField("reason", reading.Reason).Debug("ROC not trusted this cycle")
	}
	if !due {
		return false
	}
	log := b.logger.WithFields(logrus.Fields{
		"observed":  reading.ROC,
		"threshold": b.config.Risk.ROCThreshold,
		"realized":  reading.Realized,
		"capital":   reading.Capital,
	})
	hold := b.breakers.HoldCheck(b.day, mkt.price)
	if !hold.Proceed {
		log.WithFields(logrus.Fields{
			"close_now": hold.CloseNow,
			"hold":      hold.Hold,
			"margin":    hold.Margin,
		}).Info("ROC target reached but holding to expiry is worth more")
		return false
	}

	log.Warn("ROC target reached, closing every open leg")
	closes := b.monitor.CloseAllOpen(ctx, b.day, "early close")
	b.record(ctx, storage.EventRecord{
		Kind:      storage.EventEarlyClose,
		Reason:    "roc threshold reached",
		Message:   fmt.Sprintf("%d sides closed", len(closes)),
		Observed:  reading.ROC,
		Threshold: b.config.Risk.ROCThreshold,
	})
	b.notify(ctx, alert.Alert{
		Key:      "early-close:" + b.day.Date,
		Title:    "ROC early close",
		Message:  fmt.Sprintf("ROC %.2f%% reached %.2f%%, %d sides closed", reading.ROC*100, b.config.Risk.ROCThreshold*100, len(closes)),
		Severity: alert.SeverityWarning,
	})
	for _, sc := range closes {
		if sc.FlagSet {
			tc.checkHalt(ctx)
			return true
		}
	}
	if b.day.HasOpenPositions() {
		log.Error("Early close left legs open")
		return false
	}
	tc.skipRemaining(ctx, sess, models.SkipEarlyClose, "day flattened by ROC early close")
	if b.machine.Current() == models.PhaseMonitoring {
		tc.transition(ctx, models.PhaseDailyComplete, models.CondEarlyClose)
	}
	return true
}

func (tc *TradingCycle) reconcile(ctx context.Context, now time.Time) {
	b := tc.bot
	if _, err := tc.reconciler.Reconcile(ctx, b.day); err != nil {
		b.logger.WithError(err).Warn("Reconciliation failed")
		return
	}
	b.lastReconcile = now
}

// processEntries records missed windows and runs at most one due entry.
func (tc *TradingCycle) processEntries(ctx context.Context, now time.Time, sess config.Session, mkt marketData) {
	b := tc.bot
	for b.day.NextEntry < len(sess.Entries) {
		idx := b.day.NextEntry
		at := sess.Entries[idx]
		if now.Before(at) {
			return
		}
		if !now.Before(at.Add(b.config.Schedule.EntryWindow)) {
			tc.skip(ctx, idx, at, models.SkipMissedWindow,
				fmt.Sprintf("now %s is past %s + %s", now.Format("15:04:05"), at.Format("15:04"), b.config.Schedule.EntryWindow),
				now.Sub(at).Seconds(), b.config.Schedule.EntryWindow.Seconds())
			continue
		}
		if b.draining.Load() {
			b.logger.WithField("entry", idx+1).Info("Shutting down, entry not started")
			return
		}
		tc.runEntry(ctx, idx, at, now, mkt)
		return
	}
}

// runEntry evaluates the guards and, when they pass, plans and places one entry.
func (tc *TradingCycle) runEntry(ctx context.Context, idx int, at, now time.Time, mkt marketData) {
	b := tc.bot
	from := b.machine.Current()
	if from != models.PhaseWaiting && from != models.PhaseMonitoring {
		return
	}
	tc.transition(ctx, models.PhasePlacing, models.CondEntryDue)

	var clockOpen bool
	if clock, err := b.broker.GetMarketClock(ctx); err != nil {
		b.logger.WithError(err).Warn("Market clock unavailable, using configured hours")
		clockOpen = b.config.IsWithinTradingHours(now)
	} else {
		clockOpen = clock.IsOpen()
	}
	v := b.breakers.CheckEntry(b.day, tc.guard(now, clockOpen))
	if !v.Allowed {
		tc.skip(ctx, idx, at, v.Reason, v.Detail, v.Observed, v.Threshold)
		tc.afterEntry(ctx, models.CondEntrySkipped)
		return
	}
	if !mkt.ok() {
		detail := "no underlying or volatility quote"
		if mkt.err != nil {
			detail = mkt.err.Error()
		}
		tc.skip(ctx, idx, at, models.SkipMarketData, detail, mkt.price, 0)
		tc.afterEntry(ctx, models.CondEntrySkipped)
		return
	}

	reading := b.trend.Reading()
	if !reading.Ready {
		b.logger.WithFields(logrus.Fields{
			"samples":  reading.Samples,
			"required": b.config.Strategy.Trend.SlowPeriod,
		}).Info("Trend filter warming up, signal is NEUTRAL")
	}
	plan, err := b.selector.PlanEntry(ctx, reading, expiryFor(now, b.config), mkt.price, mkt.vix, occupiedStrikes(b.day))
	if err != nil {
		tc.skip(ctx, idx, at, models.SkipMarketData, err.Error(), mkt.price, 0)
		tc.afterEntry(ctx, models.CondEntrySkipped)
		return
	}
	if plan.Decision.Kind == models.KindSkipped {
		tc.skip(ctx, idx, at, plan.SkipReason, plan.Decision.Reason, reading.Divergence, b.config.Strategy.Trend.NeutralThreshold)
		tc.afterEntry(ctx, models.CondEntrySkipped)
		return
	}

	e := &models.Entry{
		ID:          uuid.NewString(),
		Index:       idx + 1,
		ScheduledAt: at,
		CreatedAt:   now,
	}
	if err := b.orders.Prepare(e, plan); err != nil {
		tc.skip(ctx, idx, at, models.SkipMarketData, err.Error(), 0, 0)
		tc.afterEntry(ctx, models.CondEntrySkipped)
		return
	}
	// persisted before the first order so a restart finds the pending legs
	b.day.AddEntry(e)
	b.persist()

	log := b.logger.WithFields(logrus.Fields{"entry": e.Index, "entry_id": shortID(e.ID), "kind": e.Kind, "signal": e.Signal})
	res, err := b.orders.Place(ctx, e)
	b.day.Rebuild()
	if err != nil || !res.Complete {
		log.WithError(err).Warn("Entry did not complete")
		tc.afterEntry(ctx, models.CondEntryFailed)
		if res.Emergency != nil && res.Emergency.FlagSet {
			tc.checkHalt(ctx)
		}
		return
	}
	log.WithFields(logrus.Fields{"credit": e.TotalCredit, "result": res.Kind}).Info("Entry placed")
	tc.afterEntry(ctx, models.CondEntryPlaced)
}

// guard gathers the entry guard inputs without calling the broker.
func (tc *TradingCycle) guard(now time.Time, marketOpen bool) risk.Guard {
	b := tc.bot
	st := b.breaker.State()
	g := risk.Guard{
		Now:           now,
		MarketOpen:    marketOpen,
		Blackout:      b.config.InBlackout(now),
		CircuitOpen:   b.breaker.IsOpen(),
		Critical:      b.flag.IsSet(),
		Failures:      st.WindowFailures,
		FailureLimit:  b.config.CircuitBreaker.WindowFailures,
		CircuitReason: st.Reason,
	}
	if g.Critical {
		if fs, err := b.flag.State(); err == nil {
			g.CriticalReason = fs.Reason
		}
	}
	return g
}

// skipWhileHalted records every slot that comes due during a halt as skipped
// with the halting guard's reason. Slots whose window closed before the halt
// began were missed, not blocked.
func (tc *TradingCycle) skipWhileHalted(ctx context.Context, now time.Time, sess config.Session) {
	b := tc.bot
	for b.day.NextEntry < len(sess.Entries) {
		idx := b.day.NextEntry
		at := sess.Entries[idx]
		if now.Before(at) {
			return
		}
		end := at.Add(b.config.Schedule.EntryWindow)
		if !b.haltedAt.IsZero() && !end.After(b.haltedAt) {
			tc.skip(ctx, idx, at, models.SkipMissedWindow,
				fmt.Sprintf("window closed at %s before the halt", end.Format("15:04:05")),
				b.haltedAt.Sub(at).Seconds(), b.config.Schedule.EntryWindow.Seconds())
			continue
		}
		v := b.breakers.CheckEntry(b.day, tc.guard(at, b.config.IsWithinTradingHours(at)))
		if v.Allowed {
			// the halt cleared between checkHalt and here; the normal path takes over
			return
		}
		tc.skip(ctx, idx, at, v.Reason, v.Detail, v.Observed, v.Threshold)
	}
}

// afterEntry leaves PLACING_ENTRY for MONITORING or WAITING depending on exposure.
func (tc *TradingCycle) afterEntry(ctx context.Context, cond string) {
	b := tc.bot
	if b.machine.Current() != models.PhasePlacing {
		return
	}
	if b.day.HasOpenPositions() {
		tc.transition(ctx, models.PhaseMonitoring, cond)
		return
	}
	if cond == models.CondEntryPlaced {
		cond = models.CondEntryFailed
	}
	tc.transition(ctx, models.PhaseWaiting, cond)
}

// skip records entry slot idx as skipped.
func (tc *TradingCycle) skip(ctx context.Context, idx int, at time.Time, reason, detail string, observed, threshold float64) {
	b := tc.bot
	e := models.NewSkippedEntry(uuid.NewString(), idx+1, at, reason, detail)
	b.day.AddEntry(e)
	b.metrics.Skips.WithLabelValues(reason).Inc()
	b.metrics.Entries.WithLabelValues(string(models.KindSkipped)).Inc()
	b.record(ctx, storage.EventRecord{
		Kind:      storage.EventEntrySkipped,
		EntryID:   e.ID,
		Reason:    reason,
		Message:   fmt.Sprintf("entry %d skipped: %s", e.Index, detail),
		Observed:  observed,
		Threshold: threshold,
	})
	b.logger.WithFields(logrus.Fields{
		"entry":     e.Index,
		"reason":    reason,
		"detail":    detail,
		"observed":  observed,
		"threshold": threshold,
	}).Warn("Entry skipped")
}

// skipRemaining records every slot not yet reached as skipped.
func (tc *TradingCycle) skipRemaining(ctx context.Context, sess config.Session, reason, detail string) {
	b := tc.bot
	for b.day.NextEntry < len(sess.Entries) {
		idx := b.day.NextEntry
		tc.skip(ctx, idx, sess.Entries[idx], reason, detail, 0, 0)
	}
}

// settle expires open sides at intrinsic value. With complete set the day
// moves to DAILY_COMPLETE; while halted only the bookkeeping runs.
func (tc *TradingCycle) settle(ctx context.Context, now time.Time, complete bool) {
	b := tc.bot
	sess := b.config.SessionFor(now)
	price := b.lastPrice
	if price <= 0 {
		b.logger.Error("No underlying price for settlement, retrying next cycle")
		return
	}
	n := b.monitor.Settle(ctx, b.day, price)
	if b.sim != nil {
		b.sim.ExpirePositions(now)
	}
	if complete {
		tc.skipRemaining(ctx, sess, models.SkipMissedWindow, "session ended before the entry time")
		phase := b.machine.Current()
		if phase == models.PhaseWaiting || phase == models.PhaseMonitoring {
			tc.transition(ctx, models.PhaseDailyComplete, models.CondSettlement)
		}
	}
	b.logger.WithFields(logrus.Fields{
		"legs":       n,
		"underlying": price,
		"realized":   b.day.RealizedPnL,
		"fees":       b.day.Fees,
		"call_stops": b.day.CallStops,
		"put_stops":  b.day.PutStops,
		"placed":     b.day.Placed,
		"skipped":    b.day.Skipped,
		"failed":     b.day.Failed,
	}).Info("Session settled")
}

// nextSleep picks the polling interval and never sleeps past the next
// scheduled event of the session.
func (tc *TradingCycle) nextSleep(now time.Time, sess config.Session) time.Duration {
	b := tc.bot
	sc := b.config.Schedule
	open := b.day.HasOpenPositions()

	var d time.Duration
	switch {
	case b.machine.IsHalted(), !b.config.IsTradingDay(now):
		d = sc.PollHalted
	case open && b.minCushion < b.config.Risk.FastCushion:
		d = sc.PollFast
	case open:
		d = sc.PollActive
	case b.machine.Current() == models.PhaseDailyComplete, !b.config.IsWithinTradingHours(now), b.config.InBlackout(now):
		d = sc.PollHalted
	default:
		d = sc.PollIdle
	}

	if b.machine.IsHalted() {
		return d
	}
	next := nextEvent(now, sess, b.day.NextEntry)
	if next.IsZero() {
		return d
	}
	until := next.Sub(now)
	if until <= time.Minute && d > sc.PollFast {
		d = sc.PollFast
	}
	if until > 0 && until < d {
		d = until
	}
	return d
}

// nextEvent is the next session open, entry time or settlement after now.
func nextEvent(now time.Time, sess config.Session, nextEntry int) time.Time {
	candidates := []time.Time{sess.Open}
	if nextEntry < len(sess.Entries) {
		candidates = append(candidates, sess.Entries[nextEntry])
	}
	candidates = append(candidates, sess.Settlement)
	for _, t := range candidates {
		if t.After(now) {
			return t
		}
	}
	return time.Time{}
}

// expiryFor is today's date in the schedule timezone: entries are same-day expiries.
func expiryFor(now time.Time, cfg *config.Config) time.Time {
	d := now.In(cfg.Location())
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, cfg.Location())
}

// occupiedStrikes collects strikes of live legs per side across the day.
func occupiedStrikes(day *models.DailyState) map[models.Side][]float64 {
	out := make(map[models.Side][]float64, len(models.Sides))
	for _, e := range day.Entries {
		for _, s := range models.Sides {
			out[s] = append(out[s], e.LiveStrikes(s)...)
		}
	}
	return out
}

package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/alert"
	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/metrics"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/sirupsen/logrus"
)

// Discrepancy kinds.
const (
	DiscrepancyMissing  = "missing"
	DiscrepancyExtra    = "extra"
	DiscrepancyQuantity = "quantity_mismatch"
)

// Discrepancy is one disagreement between local legs and the broker.
// Quantities are signed: negative for shorts.
type Discrepancy struct {
	Kind     string `json:"kind"`
	Symbol   string `json:"symbol"`
	EntryID  string `json:"entry_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s %s expected %d actual %d", d.Kind, d.Symbol, d.Expected, d.Actual)
}

// OwnershipReader lists the positions a strategy owns.
type OwnershipReader interface {
	Owned(ctx context.Context, strategyID string) (map[string]registry.Record, error)
}

const positionsFetchTimeout = 8 * time.Second

// Reconciler compares the day's open legs with broker positions. It reports
// and escalates; it never changes positions or local state.
type Reconciler struct {
	broker     broker.Broker
	registry   OwnershipReader
	flag       *safety.CriticalFlag
	journal    storage.Journal
	notifier   alert.Sender
	metrics    *metrics.Metrics
	logger     logrus.FieldLogger
	streaks    map[string]int
	strategyID string
	escalate   int
}

// NewReconciler creates a position reconciler for the bot.
func NewReconciler(b *Bot) *Reconciler {
	return &Reconciler{
		broker:     b.broker,
		registry:   b.registry,
		flag:       b.flag,
		journal:    b.journal,
		notifier:   b.notifier,
		metrics:    b.metrics,
		logger:     b.logger.WithField("component", "reconciler"),
		streaks:    make(map[string]int),
		strategyID: b.config.Environment.StrategyID,
		escalate:   b.config.Risk.ReconcileEscalatePasses,
	}
}

type expectedLeg struct {
	entryID string
	role    models.LegRole
	qty     int
}

// Reconcile runs one pass. Pending legs are unknown until resumed and are
// left out. A discrepancy seen on escalate consecutive passes sets the
// critical flag.
func (r *Reconciler) Reconcile(ctx context.Context, day *models.DailyState) ([]Discrepancy, error) {
	expected := make(map[string]expectedLeg)
	for _, e := range day.Entries {
		for i := range e.Legs {
			l := &e.Legs[i]
			if l.Status != models.LegOpen {
				continue
			}
			qty := l.Quantity
			if l.Role.IsShort() {
				qty = -qty
			}
			x := expected[l.Symbol]
			x.entryID, x.role = e.ID, l.Role
			x.qty += qty
			expected[l.Symbol] = x
		}
	}

	owned, err := r.registry.Owned(ctx, r.strategyID)
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()
	positions, err := r.broker.GetPositions(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("getting broker positions: %w", err)
	}

	actual := make(map[string]int)
	for _, p := range positions {
		_, mine := owned[p.Symbol]
		_, local := expected[p.Symbol]
		if !mine && !local {
			continue // another strategy's position
		}
		actual[p.Symbol] += int(math.Round(p.Quantity))
	}

	var found []Discrepancy
	for sym, x := range expected {
		got := actual[sym]
		if got == x.qty {
			continue
		}
		d := Discrepancy{Symbol: sym, EntryID: x.entryID, Role: string(x.role), Expected: x.qty, Actual: got}
		switch {
		case got == 0:
			d.Kind = DiscrepancyMissing
		default:
			d.Kind = DiscrepancyQuantity
		}
		found = append(found, d)
	}
	for sym, got := range actual {
		if _, ok := expected[sym]; ok || got == 0 {
			continue
		}
		d := Discrepancy{Kind: DiscrepancyExtra, Symbol: sym, Actual: got}
		if rec, ok := owned[sym]; ok {
			d.EntryID, d.Role = rec.EntryID, rec.Side
		}
		found = append(found, d)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Symbol < found[j].Symbol })

	r.logger.WithFields(logrus.Fields{
		"expected":      len(expected),
		"broker":        len(actual),
		"discrepancies": len(found),
	}).Debug("Reconciliation pass")

	seen := make(map[string]bool, len(found))
	for _, d := range found {
		seen[d.Symbol] = true
		r.streaks[d.Symbol]++
		r.report(ctx, d, r.streaks[d.Symbol])
	}
	for sym := range r.streaks {
		if !seen[sym] {
			delete(r.streaks, sym)
		}
	}
	return found, nil
}

func (r *Reconciler) report(ctx context.Context, d Discrepancy, streak int) {
	log := r.logger.WithFields(logrus.Fields{
		"kind":     d.Kind,
		"symbol":   d.Symbol,
		"expected": d.Expected,
		"actual":   d.Actual,
		"entry_id": shortID(d.EntryID),
		"passes":   streak,
	})
	log.Warn("Position discrepancy")
	if r.metrics != nil {
		r.metrics.Discrepancies.WithLabelValues(d.Kind).Inc()
	}
	r.record(ctx, storage.EventRecord{
		Kind:      storage.EventDiscrepancy,
		EntryID:   d.EntryID,
		Reason:    d.Kind,
		Message:   d.String(),
		Observed:  float64(d.Actual),
		Threshold: float64(d.Expected),
	})

	if streak == 1 {
		r.notify(ctx, discrepancyAlert(d))
	}

	if r.escalate <= 0 || streak != r.escalate || r.flag == nil {
		return
	}
	reason := fmt.Sprintf("reconciliation: %s persisted for %d passes", d, streak)
	already := r.flag.IsSet()
	if err := r.flag.Set(reason); err != nil {
		log.WithError(err).Error("Failed to persist critical intervention flag")
	}
	if already {
		return
	}
	log.Error("Discrepancy persisted, critical intervention flag set")
	r.record(ctx, storage.EventRecord{Kind: storage.EventCriticalFlag, EntryID: d.EntryID, Reason: reason})
	r.notify(ctx, alert.Alert{
		Key:      "critical-flag",
		Title:    "Critical intervention required",
		Message:  reason,
		Severity: alert.SeverityCritical,
	})
}

// discrepancyAlert is sent on the first pass a discrepancy is seen. A short
// leg gone from the account was most likely assigned early.
func discrepancyAlert(d Discrepancy) alert.Alert {
	a := alert.Alert{
		Key:      "discrepancy:" + d.Symbol,
		Title:    "Position discrepancy",
		Message:  fmt.Sprintf("%s (entry %s)", d, shortID(d.EntryID)),
		Severity: alert.SeverityHigh,
		Fields: map[string]interface{}{
			"kind":     d.Kind,
			"symbol":   d.Symbol,
			"expected": d.Expected,
			"actual":   d.Actual,
		},
	}
	if d.Kind == DiscrepancyMissing && d.Expected < 0 {
		a.Key = "assignment:" + d.Symbol
		a.Title = "Possible early assignment"
		a.Message = fmt.Sprintf("short leg %s (entry %s) is no longer held at the broker", d.Symbol, shortID(d.EntryID))
		a.Severity = alert.SeverityCritical
	}
	return a
}

func (r *Reconciler) record(ctx context.Context, ev storage.EventRecord) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordEvent(ctx, ev); err != nil {
		r.logger.WithError(err).Warn("Failed to journal event")
	}
}

func (r *Reconciler) notify(ctx context.Context, a alert.Alert) {
	if r.notifier != nil {
		r.notifier.Notify(ctx, a)
	}
}

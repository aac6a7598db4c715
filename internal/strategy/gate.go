package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
)

// GateDecision is the credit gate's verdict for one entry.
type GateDecision struct {
	Kind   models.EntryKind
	Reason string
}

// SidesFor returns the sides worth pricing for a signal.
func SidesFor(signal models.TrendSignal) []models.Side {
	switch signal {
	case models.SignalBearish:
		return []models.Side{models.SideCall}
	case models.SignalBullish:
		return []models.Side{models.SidePut}
	default:
		return []models.Side{models.SideCall, models.SidePut}
	}
}

// Decide applies the credit gate table. policy selects what a NEUTRAL signal
// with exactly one viable side does: skip, or trade that side alone.
func Decide(signal models.TrendSignal, callViable, putViable bool, policy string) GateDecision {
	switch signal {
	case models.SignalBearish:
		if callViable {
			return GateDecision{Kind: models.KindCallOnly}
		}
		return GateDecision{Kind: models.KindSkipped, Reason: "bearish signal, call side not viable"}
	case models.SignalBullish:
		if putViable {
			return GateDecision{Kind: models.KindPutOnly}
		}
		return GateDecision{Kind: models.KindSkipped, Reason: "bullish signal, put side not viable"}
	}

	switch {
	case callViable && putViable:
		return GateDecision{Kind: models.KindFull}
	case !callViable && !putViable:
		return GateDecision{Kind: models.KindSkipped, Reason: "neutral signal, neither side viable"}
	}

	viable, missing := models.SideCall, models.SidePut
	kind := models.KindCallOnly
	if putViable {
		viable, missing = models.SidePut, models.SideCall
		kind = models.KindPutOnly
	}
	if policy == config.NeutralPolicyOneSided {
		return GateDecision{Kind: kind}
	}
	return GateDecision{
		Kind:   models.KindSkipped,
		Reason: fmt.Sprintf("neutral signal, %s side not viable (%s side alone not traded)", missing, viable),
	}
}

// Plan is everything decided for one entry before any order is sent.
type Plan struct {
	Selection  *Selection
	Decision   GateDecision
	Reading    TrendReading
	SkipReason string
}

// PlanEntry prices the sides the trend reading calls for and applies the credit gate.
func (s *Selector) PlanEntry(
	ctx context.Context,
	reading TrendReading,
	expiry time.Time,
	price, vix float64,
	occupied map[models.Side][]float64,
) (*Plan, error) {
	sel, err := s.Select(ctx, expiry, price, vix, SidesFor(reading.Signal), occupied)
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		Reading:   reading,
		Selection: sel,
		Decision: Decide(reading.Signal, sel.Viable(models.SideCall), sel.Viable(models.SidePut),
			s.cfg.Credit.NeutralOneSided),
	}
	if plan.Decision.Kind != models.KindSkipped {
		return plan, nil
	}

	plan.SkipReason = models.SkipCreditGate
	details := []string{plan.Decision.Reason}
	for _, side := range models.Sides {
		c, ok := sel.Candidates[side]
		if !ok || c.Viable {
			continue
		}
		if c.Reason == ReasonConflict {
			plan.SkipReason = models.SkipStrikeConflict
		}
		details = append(details, fmt.Sprintf("%s: %s", side, c.Reason))
	}
	plan.Decision.Reason = strings.Join(details, "; ")
	return plan, nil
}

// Package risk watches open iron condor sides and gates new entries:
// per-side stop losses, cross-entry breakers, early close and settlement.
package risk

import (
	"math"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/util"
)

// StopLevel is the cost-to-close at which a side is stopped out. A full
// spread stops each side at the entry's total credit (less the enhanced
// offset above the floor); a one-sided entry stops at a multiple of its own
// credit. The result never drops below the configured minimum.
func StopLevel(kind models.EntryKind, totalCredit, sideCredit float64, cfg config.StopConfig) float64 {
	var level float64
	if kind == models.KindFull {
		level = totalCredit
		if cfg.Enhanced && totalCredit > cfg.EnhancedFloor {
			level = totalCredit - cfg.EnhancedOffset
		}
	} else {
		mult := cfg.OneSidedMultiplier
		if mult <= 0 {
			mult = 2
		}
		level = mult * sideCredit
	}
	return util.RoundCents(math.Max(level, cfg.MinStopLevel))
}

// ArmStops computes TotalCredit and the stop level of every traded side from
// the recorded fills.
func ArmStops(e *models.Entry, cfg config.StopConfig) {
	e.TotalCredit = 0
	for _, s := range models.Sides {
		if e.Kind.HasSide(s) {
			e.TotalCredit += e.Side(s).Credit
		}
	}
	e.TotalCredit = util.RoundCents(e.TotalCredit)
	for _, s := range models.Sides {
		if e.Kind.HasSide(s) {
			st := e.Side(s)
			st.StopLevel = StopLevel(e.Kind, e.TotalCredit, st.Credit, cfg)
		}
	}
}

// Cushion is the fraction of the original distance between the underlying
// and a side's short strike that is still left: 1 at entry, 0 at the strike.
func Cushion(e *models.Entry, side models.Side, price float64) float64 {
	short, _ := e.SideLegs(side)
	if short == nil || e.UnderlyingAtEntry <= 0 || price <= 0 {
		return 1
	}
	var now, initial float64
	if side == models.SideCall {
		now, initial = short.Strike-price, short.Strike-e.UnderlyingAtEntry
	} else {
		now, initial = price-short.Strike, e.UnderlyingAtEntry-short.Strike
	}
	if initial <= 0 {
		return 0
	}
	return math.Max(0, now/initial)
}

// Intrinsic is the settlement value of one option.
func Intrinsic(role models.LegRole, strike, price float64) float64 {
	if role.Side() == models.SideCall {
		return math.Max(0, price-strike)
	}
	return math.Max(0, strike-price)
}

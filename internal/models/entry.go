// Package models provides the data structures for one trading day of iron-condor entries.
package models

import (
	"math"
	"time"
)

// ContractMultiplier converts a per-contract option price into dollars.
const ContractMultiplier = 100.0

// Side identifies one half of an iron condor.
type Side string

const (
	SideCall Side = "call"
	SidePut  Side = "put"
)

// Sides lists both sides in processing order.
var Sides = []Side{SideCall, SidePut}

// TrendSignal is the market classification produced by the trend filter.
type TrendSignal string

const (
	SignalNeutral TrendSignal = "NEUTRAL"
	SignalBullish TrendSignal = "BULLISH"
	SignalBearish TrendSignal = "BEARISH"
)

// EntryKind is the structure actually chosen for an entry.
type EntryKind string

const (
	KindFull     EntryKind = "full"
	KindCallOnly EntryKind = "call_only"
	KindPutOnly  EntryKind = "put_only"
	KindSkipped  EntryKind = "skipped"
)

// HasSide reports whether an entry of this kind trades the given side.
func (k EntryKind) HasSide(s Side) bool {
	switch k {
	case KindFull:
		return true
	case KindCallOnly:
		return s == SideCall
	case KindPutOnly:
		return s == SidePut
	default:
		return false
	}
}

// KindOf returns the kind trading exactly the given sides.
func KindOf(call, put bool) EntryKind {
	switch {
	case call && put:
		return KindFull
	case call:
		return KindCallOnly
	case put:
		return KindPutOnly
	}
	return KindSkipped
}

// OneSided reports whether the kind trades exactly one side.
func (k EntryKind) OneSided() bool {
	return k == KindCallOnly || k == KindPutOnly
}

// Skip reasons recorded on entries that never reached the broker.
const (
	SkipMarketHalted   = "market halted"
	SkipBlackout       = "scheduled blackout"
	SkipCircuitOpen    = "circuit breaker open"
	SkipCritical       = "critical intervention"
	SkipDailyLoss      = "daily loss limit"
	SkipCascade        = "cascade breaker"
	SkipROCGate        = "roc gate"
	SkipEarlyClose     = "early close"
	SkipMissedWindow   = "missed entry window"
	SkipCreditGate     = "credit gate"
	SkipMarketData     = "market data unavailable"
	SkipStrikeConflict = "strike conflict"
)

// LegRole names the four possible legs of an entry.
type LegRole string

const (
	RoleShortCall LegRole = "short_call"
	RoleLongCall  LegRole = "long_call"
	RoleShortPut  LegRole = "short_put"
	RoleLongPut   LegRole = "long_put"
)

// Side returns the condor side the leg belongs to.
func (r LegRole) Side() Side {
	if r == RoleShortCall || r == RoleLongCall {
		return SideCall
	}
	return SidePut
}

// IsShort reports whether the leg is sold to open.
func (r LegRole) IsShort() bool {
	return r == RoleShortCall || r == RoleShortPut
}

// RolesFor returns the (short, long) roles of a side.
func RolesFor(s Side) (short, long LegRole) {
	if s == SideCall {
		return RoleShortCall, RoleLongCall
	}
	return RoleShortPut, RoleLongPut
}

// LegStatus tracks a single option leg from order to close.
type LegStatus string

const (
	LegPending LegStatus = "pending" // order working or fill not yet verified
	LegOpen    LegStatus = "open"
	LegClosed  LegStatus = "closed"
	LegExpired LegStatus = "expired"
	LegFailed  LegStatus = "failed" // never filled
)

// Leg is one option position of an entry.
type Leg struct {
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
	Role         LegRole   `json:"role"`
	Symbol       string    `json:"symbol"`
	Status       LegStatus `json:"status"`
	Strike       float64   `json:"strike"`
	FillPrice    float64   `json:"fill_price"`
	ClosePrice   float64   `json:"close_price"`
	Quantity     int       `json:"quantity"`
	OrderID      int       `json:"order_id,omitempty"`
	CloseOrderID int       `json:"close_order_id,omitempty"`
}

// IsLive reports whether the leg may still exist at the broker.
func (l *Leg) IsLive() bool {
	return l.Status == LegPending || l.Status == LegOpen
}

// SideState carries per-side pricing and outcome flags.
type SideState struct {
	LastMarkAt  time.Time `json:"last_mark_at,omitempty"`
	Credit      float64   `json:"credit"`
	StopLevel   float64   `json:"stop_level"`
	ClosePrice  float64   `json:"close_price"`
	LastCost    float64   `json:"last_cost"`
	Stopped     bool      `json:"stopped"`
	Expired     bool      `json:"expired"`
	EarlyClosed bool      `json:"early_closed"`
}

// Closed reports whether the side has reached any terminal outcome.
func (s *SideState) Closed() bool {
	return s.Stopped || s.Expired || s.EarlyClosed
}

// Entry is one scheduled spread attempt.
type Entry struct {
	ScheduledAt       time.Time   `json:"scheduled_at"`
	CreatedAt         time.Time   `json:"created_at"`
	ID                string      `json:"id"`
	Signal            TrendSignal `json:"signal"`
	Kind              EntryKind   `json:"kind"`
	SkipReason        string      `json:"skip_reason,omitempty"`
	SkipDetail        string      `json:"skip_detail,omitempty"`
	Underlying        string      `json:"underlying"`
	Expiry            string      `json:"expiry"`
	Legs              []Leg       `json:"legs"`
	Call              SideState   `json:"call"`
	Put               SideState   `json:"put"`
	Index             int         `json:"index"`
	Quantity          int         `json:"quantity"`
	Divergence        float64     `json:"divergence"`
	UnderlyingAtEntry float64     `json:"underlying_at_entry"`
	TotalCredit       float64     `json:"total_credit"`
	Fees              float64     `json:"fees"`
	Complete          bool        `json:"complete"`
	Failed            bool        `json:"failed"`
}

// NewSkippedEntry records an entry slot that never reached the broker.
func NewSkippedEntry(id string, index int, scheduled time.Time, reason, detail string) *Entry {
	return &Entry{
		ID:          id,
		Index:       index,
		ScheduledAt: scheduled,
		CreatedAt:   scheduled,
		Kind:        KindSkipped,
		SkipReason:  reason,
		SkipDetail:  detail,
	}
}

// Side returns the mutable state of one side.
func (e *Entry) Side(s Side) *SideState {
	if s == SideCall {
		return &e.Call
	}
	return &e.Put
}

// Leg returns the leg with the given role, or nil.
func (e *Entry) Leg(role LegRole) *Leg {
	for i := range e.Legs {
		if e.Legs[i].Role == role {
			return &e.Legs[i]
		}
	}
	return nil
}

// SideLegs returns the short and long legs of a side (either may be nil).
func (e *Entry) SideLegs(s Side) (short, long *Leg) {
	sr, lr := RolesFor(s)
	return e.Leg(sr), e.Leg(lr)
}

// IsOpen reports whether any leg may still be held at the broker.
func (e *Entry) IsOpen() bool {
	for i := range e.Legs {
		if e.Legs[i].IsLive() {
			return true
		}
	}
	return false
}

// OpenSides returns the complete sides that have not reached an outcome.
func (e *Entry) OpenSides() []Side {
	if !e.Complete {
		return nil
	}
	var out []Side
	for _, s := range Sides {
		if e.Kind.HasSide(s) && !e.Side(s).Closed() {
			out = append(out, s)
		}
	}
	return out
}

// SpreadWidth returns the strike distance between the short and long legs of a side.
func (e *Entry) SpreadWidth(s Side) float64 {
	short, long := e.SideLegs(s)
	if short == nil || long == nil {
		return 0
	}
	return math.Abs(short.Strike - long.Strike)
}

// SidePnL returns realized dollars for a closed side, excluding fees.
func (e *Entry) SidePnL(s Side) float64 {
	st := e.Side(s)
	if !e.Complete || !e.Kind.HasSide(s) || !st.Closed() {
		return 0
	}
	return (st.Credit - st.ClosePrice) * ContractMultiplier * float64(e.Quantity)
}

// RealizedPnL is the sum of closed sides minus every fee paid so far. Entries
// that never completed are valued leg by leg, as are orphan legs of a side
// the entry was downgraded away from.
func (e *Entry) RealizedPnL() float64 {
	if !e.Complete {
		return e.legRealizedPnL(func(*Leg) bool { return true }) - e.Fees
	}
	orphans := e.legRealizedPnL(func(l *Leg) bool { return !e.Kind.HasSide(l.Role.Side()) })
	return e.SidePnL(SideCall) + e.SidePnL(SidePut) + orphans - e.Fees
}

func (e *Entry) legRealizedPnL(include func(*Leg) bool) float64 {
	var total float64
	for i := range e.Legs {
		l := &e.Legs[i]
		if !include(l) || l.FillPrice <= 0 || (l.Status != LegClosed && l.Status != LegExpired) {
			continue
		}
		diff := l.ClosePrice - l.FillPrice
		if l.Role.IsShort() {
			diff = -diff
		}
		total += diff * ContractMultiplier * float64(l.Quantity)
	}
	return total
}

// UnrealizedPnL marks open sides against the last recorded cost-to-close.
func (e *Entry) UnrealizedPnL() float64 {
	var total float64
	for _, s := range e.OpenSides() {
		st := e.Side(s)
		if st.LastMarkAt.IsZero() {
			continue
		}
		total += (st.Credit - st.LastCost) * ContractMultiplier * float64(e.Quantity)
	}
	return total
}

// CapitalDeployed is the maximum loss (margin) of every side that was filled.
func (e *Entry) CapitalDeployed() float64 {
	if !e.Complete {
		return 0
	}
	var total float64
	for _, s := range Sides {
		if !e.Kind.HasSide(s) {
			continue
		}
		risk := e.SpreadWidth(s) - e.Side(s).Credit
		if risk > 0 {
			total += risk * ContractMultiplier * float64(e.Quantity)
		}
	}
	return total
}

// LiveStrikes returns strikes of live legs of the given side.
func (e *Entry) LiveStrikes(s Side) []float64 {
	var out []float64
	for i := range e.Legs {
		if e.Legs[i].Role.Side() == s && e.Legs[i].IsLive() {
			out = append(out, e.Legs[i].Strike)
		}
	}
	return out
}

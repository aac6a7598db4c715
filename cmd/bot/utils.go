package main

import (
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/util"
)

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// applyEmergency writes protective closes made outside the cycle back onto
// the day. A complete side whose short leg was closed counts as stopped.
func applyEmergency(day *models.DailyState, out safety.Outcome, now time.Time) {
	for _, c := range out.Closed {
		e := day.EntryByID(c.Holding.EntryID)
		if e == nil {
			continue
		}
		for i := range e.Legs {
			l := &e.Legs[i]
			if l.Symbol != c.Holding.Symbol || !l.IsLive() {
				continue
			}
			e.Fees = util.RoundCents(e.Fees + c.Fees)
			l.CloseOrderID = c.OrderID
			if c.Quantity < l.Quantity {
				l.Quantity -= c.Quantity
				continue
			}
			l.Status = models.LegClosed
			l.ClosePrice = c.Price
			l.ClosedAt = now
		}
		for _, s := range e.OpenSides() {
			short, long := e.SideLegs(s)
			if short == nil || short.IsLive() {
				continue
			}
			st := e.Side(s)
			st.Stopped = true
			st.ClosePrice = short.ClosePrice
			if long != nil && !long.IsLive() {
				st.ClosePrice = util.RoundCents(short.ClosePrice - long.ClosePrice)
			}
		}
	}
	day.Rebuild()
}

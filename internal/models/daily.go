package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrEntryOpenAtReset is returned when a day would be cleared with live legs.
var ErrEntryOpenAtReset = errors.New("entry still open at daily reset")

// DailyState is the per-day aggregate owned by the trading cycle.
// Counters are derived data: Rebuild recomputes them from Entries.
type DailyState struct {
	UpdatedAt           time.Time `json:"updated_at"`
	Date                string    `json:"date"`
	Phase               Phase     `json:"phase"`
	Entries             []*Entry  `json:"entries"`
	NextEntry           int       `json:"next_entry"`
	CallStops           int       `json:"call_stops"`
	PutStops            int       `json:"put_stops"`
	Placed              int       `json:"placed"`
	Failed              int       `json:"failed"`
	Skipped             int       `json:"skipped"`
	RealizedPnL         float64   `json:"realized_pnl"`
	Fees                float64   `json:"fees"`
	CascadeTriggered    bool      `json:"cascade_triggered"`
	DailyLossTriggered  bool      `json:"daily_loss_triggered"`
	EarlyCloseTriggered bool      `json:"early_close_triggered"`
}

// NewDailyState starts an empty day.
func NewDailyState(date string) *DailyState {
	return &DailyState{Date: date, Phase: PhaseIdle}
}

// TotalStops is the cascade-breaker counter.
func (d *DailyState) TotalStops() int {
	return d.CallStops + d.PutStops
}

// AddEntry appends an entry and advances the schedule pointer.
func (d *DailyState) AddEntry(e *Entry) {
	d.Entries = append(d.Entries, e)
	d.Rebuild()
}

// EntryByID returns the entry with the given id, or nil.
func (d *DailyState) EntryByID(id string) *Entry {
	for _, e := range d.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// OpenEntries returns entries that still hold live legs.
func (d *DailyState) OpenEntries() []*Entry {
	var out []*Entry
	for _, e := range d.Entries {
		if e.IsOpen() {
			out = append(out, e)
		}
	}
	return out
}

// HasOpenPositions reports whether any entry still holds live legs.
func (d *DailyState) HasOpenPositions() bool {
	return len(d.OpenEntries()) > 0
}

// UnrealizedPnL sums mark-to-market P&L over open sides.
func (d *DailyState) UnrealizedPnL() float64 {
	var total float64
	for _, e := range d.Entries {
		total += e.UnrealizedPnL()
	}
	return total
}

// CapitalDeployed sums the max-loss capital of every filled entry of the day.
func (d *DailyState) CapitalDeployed() float64 {
	var total float64
	for _, e := range d.Entries {
		total += e.CapitalDeployed()
	}
	return total
}

// Rebuild recomputes every counter and flag from the entry list.
func (d *DailyState) Rebuild() {
	d.NextEntry = len(d.Entries)
	d.CallStops, d.PutStops = 0, 0
	d.Placed, d.Failed, d.Skipped = 0, 0, 0
	d.RealizedPnL, d.Fees = 0, 0
	d.CascadeTriggered, d.DailyLossTriggered, d.EarlyCloseTriggered = false, false, false

	for _, e := range d.Entries {
		switch {
		case e.Kind == KindSkipped:
			d.Skipped++
			switch e.SkipReason {
			case SkipCascade:
				d.CascadeTriggered = true
			case SkipDailyLoss:
				d.DailyLossTriggered = true
			case SkipEarlyClose:
				d.EarlyCloseTriggered = true
			}
		case e.Failed:
			d.Failed++
		case e.Complete:
			d.Placed++
		}
		if e.Call.Stopped {
			d.CallStops++
		}
		if e.Put.Stopped {
			d.PutStops++
		}
		if e.Call.EarlyClosed || e.Put.EarlyClosed {
			d.EarlyCloseTriggered = true
		}
		d.Fees += e.Fees
		d.RealizedPnL += e.RealizedPnL()
	}
}

// Reset clears the day for a new date. It refuses while any leg is live.
func (d *DailyState) Reset(date string) error {
	for _, e := range d.Entries {
		if e.IsOpen() {
			return fmt.Errorf("%w: entry %d (%s)", ErrEntryOpenAtReset, e.Index, e.ID)
		}
	}
	*d = *NewDailyState(date)
	return nil
}

// Clone returns a deep copy for readers outside the trading loop.
func (d *DailyState) Clone() *DailyState {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Entries = make([]*Entry, len(d.Entries))
	for i, e := range d.Entries {
		ec := *e
		ec.Legs = append([]Leg(nil), e.Legs...)
		cp.Entries[i] = &ec
	}
	return &cp
}

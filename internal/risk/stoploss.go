package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/alert"
	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/metrics"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/eddiefleurent/dunder_condor/internal/util"
	"github.com/sirupsen/logrus"
)

const stopEpsilon = 1e-9

// Closer closes positions with market orders, escalating when it cannot.
type Closer interface {
	CloseAll(ctx context.Context, b broker.Broker, trigger string, holdings []safety.Holding) safety.Outcome
}

// Unregisterer releases registry ownership of expired positions.
type Unregisterer interface {
	Unregister(ctx context.Context, positionID, strategyID string, quantity int) error
}

// MonitorSettings configures the monitor.
type MonitorSettings struct {
	StrategyID  string
	Stops       config.StopConfig
	MaxQuoteAge time.Duration // older quotes are not trusted for a stop decision
}

// SideMark is the fresh valuation of one open side.
type SideMark struct {
	EntryID   string
	Side      models.Side
	Skipped   string // data-integrity reason the side was not evaluated
	Index     int
	Cost      float64
	StopLevel float64
	Cushion   float64
}

// SideClose reports a side closed by a stop or an early close.
type SideClose struct {
	EntryID    string
	Side       models.Side
	Trigger    string
	Index      int
	Cost       float64
	StopLevel  float64
	ClosePrice float64
	Closed     bool // the short leg is flat
	FlagSet    bool
}

// CheckResult is one monitoring pass.
type CheckResult struct {
	Marks      []SideMark
	Stops      []SideClose
	MinCushion float64
	OpenSides  int
}

// Monitor values open sides each cycle and exits those that reach their stop.
type Monitor struct {
	quotes   broker.Broker
	exec     broker.Broker
	closer   Closer
	registry Unregisterer
	journal  storage.Journal
	notifier alert.Sender
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	now      func() time.Time
	settings MonitorSettings
}

// NewMonitor creates a monitor. quotes is used for marks; exec receives the
// protective market orders and should be the undecorated broker.
func NewMonitor(
	quotes, exec broker.Broker,
	closer Closer,
	reg Unregisterer,
	journal storage.Journal,
	notifier alert.Sender,
	m *metrics.Metrics,
	settings MonitorSettings,
	logger logrus.FieldLogger,
) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		quotes:   quotes,
		exec:     exec,
		closer:   closer,
		registry: reg,
		journal:  journal,
		notifier: notifier,
		metrics:  m,
		logger:   logger.WithField("component", "stoploss"),
		now:      time.Now,
		settings: settings,
	}
}

type openSide struct {
	entry       *models.Entry
	short, long *models.Leg
	side        models.Side
}

func collectOpenSides(day *models.DailyState) []openSide {
	var out []openSide
	for _, e := range day.Entries {
		for _, s := range e.OpenSides() {
			short, long := e.SideLegs(s)
			if short == nil || long == nil || !short.IsLive() {
				continue
			}
			out = append(out, openSide{entry: e, side: s, short: short, long: long})
		}
	}
	return out
}

// Check marks every open side from one fresh quote batch and stops out the
// sides whose cost-to-close reached their stop level. Sides with stale or
// non-executable quotes are skipped for this pass.
func (m *Monitor) Check(ctx context.Context, day *models.DailyState, price float64) (CheckResult, error) {
	res := CheckResult{MinCushion: 1}
	sides := collectOpenSides(day)
	res.OpenSides = len(sides)
	if len(sides) == 0 {
		return res, nil
	}

	symbols := make([]string, 0, len(sides)*2)
	for _, pos := range sides {
		symbols = append(symbols, pos.short.Symbol, pos.long.Symbol)
	}
	quotes, err := m.quotes.GetQuotes(ctx, symbols)
	if err != nil {
		return res, fmt.Errorf("quoting open sides: %w", err)
	}

	now := m.now()
	var triggered []openSide
	for _, pos := range sides {
		st := pos.entry.Side(pos.side)
		mark := SideMark{
			EntryID:   pos.entry.ID,
			Index:     pos.entry.Index,
			Side:      pos.side,
			StopLevel: math.Max(st.StopLevel, m.settings.Stops.MinStopLevel),
			Cushion:   Cushion(pos.entry, pos.side, price),
		}
		res.MinCushion = math.Min(res.MinCushion, mark.Cushion)

		sq, sok := quotes[pos.short.Symbol]
		lq, lok := quotes[pos.long.Symbol]
		switch {
		case !sok || !lok:
			mark.Skipped = "missing quote"
		case !sq.Executable() || !lq.Executable():
			mark.Skipped = "non-executable quote"
		case m.stale(now, sq) || m.stale(now, lq):
			mark.Skipped = "stale quote"
		}
		if mark.Skipped != "" {
			m.logger.WithFields(logrus.Fields{
				"entry":  pos.entry.Index,
				"side":   pos.side,
				"reason": mark.Skipped,
			}).Warn("Skipping stop check for side")
			res.Marks = append(res.Marks, mark)
			continue
		}

		mark.Cost = math.Max(0, util.RoundCents(sq.Mid()-lq.Mid()))
		st.LastCost = mark.Cost
		st.LastMarkAt = now
		res.Marks = append(res.Marks, mark)

		if mark.Cost >= mark.StopLevel-stopEpsilon {
			m.logger.WithFields(logrus.Fields{
				"entry":      pos.entry.Index,
				"side":       pos.side,
				"cost":       mark.Cost,
				"stop_level": mark.StopLevel,
			}).Warn("Stop level reached")
			triggered = append(triggered, pos)
		}
	}

	for _, pos := range triggered {
		st := pos.entry.Side(pos.side)
		sc := m.closeSide(ctx, pos, "stop")
		sc.Cost, sc.StopLevel = st.LastCost, math.Max(st.StopLevel, m.settings.Stops.MinStopLevel)
		if sc.Closed {
			st.Stopped = true
			if m.metrics != nil {
				m.metrics.Stops.WithLabelValues(string(pos.side)).Inc()
			}
		}
		m.record(ctx, storage.EventRecord{
			Kind:      storage.EventStop,
			EntryID:   pos.entry.ID,
			Side:      string(pos.side),
			Reason:    "cost-to-close reached stop level",
			Message:   fmt.Sprintf("entry %d %s side closed at %.2f (short flat: %v)", pos.entry.Index, pos.side, sc.ClosePrice, sc.Closed),
			Observed:  sc.Cost,
			Threshold: sc.StopLevel,
		})
		m.notify(ctx, alert.Alert{
			Key:      fmt.Sprintf("stop:%s:%s", pos.entry.ID, pos.side),
			Title:    fmt.Sprintf("Stop: entry %d %s side", pos.entry.Index, pos.side),
			Message:  fmt.Sprintf("cost %.2f reached stop %.2f, closed at %.2f", sc.Cost, sc.StopLevel, sc.ClosePrice),
			Severity: alert.SeverityWarning,
			Fields: map[string]interface{}{
				"credit": st.Credit,
				"closed": sc.Closed,
			},
		})
		res.Stops = append(res.Stops, sc)
	}
	if len(res.Stops) > 0 {
		day.Rebuild()
	}
	return res, nil
}

func (m *Monitor) stale(now time.Time, q broker.Quote) bool {
	return m.settings.MaxQuoteAge > 0 && !q.Time.IsZero() && now.Sub(q.Time) > m.settings.MaxQuoteAge
}

// closeSide market-closes the live legs of one side, short first.
func (m *Monitor) closeSide(ctx context.Context, pos openSide, trigger string) SideClose {
	sc := SideClose{EntryID: pos.entry.ID, Index: pos.entry.Index, Side: pos.side, Trigger: trigger}
	var legs []*models.Leg
	for _, l := range []*models.Leg{pos.short, pos.long} {
		if l.IsLive() {
			legs = append(legs, l)
		}
	}
	out := m.closeLegs(ctx, pos.entry, legs, trigger)
	sc.FlagSet = out.FlagSet
	sc.Closed = !pos.short.IsLive()
	st := pos.entry.Side(pos.side)
	if sc.Closed {
		st.ClosePrice = sideClosePrice(pos.short, pos.long)
	}
	sc.ClosePrice = st.ClosePrice
	return sc
}

// sideClosePrice is the debit paid to close a vertical; a long leg that could
// not be sold counts as zero.
func sideClosePrice(short, long *models.Leg) float64 {
	price := short.ClosePrice
	if long != nil && (long.Status == models.LegClosed || long.Status == models.LegExpired) {
		price -= long.ClosePrice
	}
	return util.RoundCents(price)
}

// closeLegs hands legs to the closer and writes the fills back onto the entry.
func (m *Monitor) closeLegs(ctx context.Context, e *models.Entry, legs []*models.Leg, trigger string) safety.Outcome {
	holdings := make([]safety.Holding, 0, len(legs))
	for _, l := range legs {
		opt, err := broker.ParseOptionSymbol(l.Symbol)
		if err != nil {
			m.logger.WithError(err).WithField("symbol", l.Symbol).Error("Cannot parse leg symbol")
			continue
		}
		qty := l.Quantity
		if l.Role.IsShort() {
			qty = -qty
		}
		holdings = append(holdings, safety.Holding{
			Option:   opt,
			EntryID:  e.ID,
			Symbol:   l.Symbol,
			Role:     string(l.Role),
			Quantity: qty,
		})
	}
	out := m.closer.CloseAll(ctx, m.exec, trigger, holdings)
	now := m.now()
	for _, c := range out.Closed {
		for _, l := range legs {
			if l.Symbol != c.Holding.Symbol {
				continue
			}
			e.Fees = util.RoundCents(e.Fees + c.Fees)
			l.CloseOrderID = c.OrderID
			if c.Quantity >= l.Quantity {
				l.Status = models.LegClosed
				l.ClosePrice = c.Price
				l.ClosedAt = now
			} else {
				l.Quantity -= c.Quantity
			}
		}
	}
	return out
}

// CloseAllOpen flattens every live leg of every open entry. Sides whose
// short leg closed are marked early-closed.
func (m *Monitor) CloseAllOpen(ctx context.Context, day *models.DailyState, trigger string) []SideClose {
	var closes []SideClose
	for _, e := range day.OpenEntries() {
		open := e.OpenSides()
		var legs []*models.Leg
		for i := range e.Legs {
			if e.Legs[i].IsLive() {
				legs = append(legs, &e.Legs[i])
			}
		}
		out := m.closeLegs(ctx, e, legs, trigger)
		for _, s := range open {
			short, long := e.SideLegs(s)
			st := e.Side(s)
			sc := SideClose{EntryID: e.ID, Index: e.Index, Side: s, Trigger: trigger, Cost: st.LastCost, FlagSet: out.FlagSet}
			if short != nil && !short.IsLive() {
				st.EarlyClosed = true
				st.ClosePrice = sideClosePrice(short, long)
				sc.Closed = true
				sc.ClosePrice = st.ClosePrice
			}
			closes = append(closes, sc)
		}
	}
	day.Rebuild()
	return closes
}

// Settle expires every live leg at its intrinsic value against price and
// releases registry ownership. It returns the number of legs settled.
func (m *Monitor) Settle(ctx context.Context, day *models.DailyState, price float64) int {
	now := m.now()
	n := 0
	for _, e := range day.OpenEntries() {
		for _, s := range e.OpenSides() {
			short, long := e.SideLegs(s)
			st := e.Side(s)
			st.Expired = true
			value := Intrinsic(short.Role, short.Strike, price)
			if long != nil && long.IsLive() {
				value -= Intrinsic(long.Role, long.Strike, price)
			}
			st.ClosePrice = util.RoundCents(math.Max(0, value))
			st.LastCost = st.ClosePrice
		}
		for i := range e.Legs {
			l := &e.Legs[i]
			if !l.IsLive() {
				continue
			}
			l.Status = models.LegExpired
			l.ClosePrice = util.RoundCents(Intrinsic(l.Role, l.Strike, price))
			l.ClosedAt = now
			n++
			if m.registry != nil {
				if err := m.registry.Unregister(ctx, l.Symbol, m.settings.StrategyID, l.Quantity); err != nil {
					m.logger.WithError(err).WithField("symbol", l.Symbol).Warn("Failed to unregister expired leg")
				}
			}
			if m.journal != nil {
				if err := m.journal.RecordTrade(ctx, storage.TradeRecord{
					EntryID:  e.ID,
					Symbol:   l.Symbol,
					Role:     string(l.Role),
					Action:   "expire",
					Quantity: l.Quantity,
					Price:    l.ClosePrice,
				}); err != nil {
					m.logger.WithError(err).WithField("symbol", l.Symbol).Warn("Failed to journal expiry")
				}
			}
		}
		m.record(ctx, storage.EventRecord{
			Kind:     storage.EventSettlement,
			EntryID:  e.ID,
			Message:  fmt.Sprintf("entry %d settled at underlying %.2f", e.Index, price),
			Observed: price,
		})
	}
	day.Rebuild()
	return n
}

func (m *Monitor) record(ctx context.Context, ev storage.EventRecord) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordEvent(ctx, ev); err != nil {
		m.logger.WithError(err).Warn("Failed to journal event")
	}
}

func (m *Monitor) notify(ctx context.Context, a alert.Alert) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, a)
	}
}

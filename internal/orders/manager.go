// Package orders places the legs of an entry one at a time and verifies every fill.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/alert"
	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/metrics"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/risk"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/eddiefleurent/dunder_condor/internal/strategy"
	"github.com/eddiefleurent/dunder_condor/internal/util"
	"github.com/sirupsen/logrus"
)

// ErrNothingToPlace is returned for a plan whose gate decision is a skip.
var ErrNothingToPlace = errors.New("plan has no side to place")

// Registrar records ownership of filled legs.
type Registrar interface {
	Register(ctx context.Context, positionID string, rec registry.Record) error
}

// Resolver takes over legs of an entry that did not complete.
type Resolver interface {
	Resolve(ctx context.Context, b broker.Broker, trigger string, holdings []safety.Holding) safety.Outcome
}

// Settings configures the manager.
type Settings struct {
	StrategyID     string
	Quantity       int
	FeePerContract float64
	Fills          config.FillConfig
	Stops          config.StopConfig
	CallTimeout    time.Duration
}

// DefaultSettings mirrors the configuration defaults.
var DefaultSettings = Settings{
	Quantity:    1,
	CallTimeout: 5 * time.Second,
	Fills: config.FillConfig{
		Ladder: []config.LadderStep{
			{Tolerance: 0, Kind: "limit"},
			{Tolerance: 0.05, Kind: "limit"},
			{Tolerance: 0.10, Kind: "limit"},
			{Tolerance: 0, Kind: "market"},
		},
		FillTimeout:   20 * time.Second,
		PollInterval:  time.Second,
		LookupRetries: 3,
		LookupDelay:   2 * time.Second,
		PriceTick:     0.05,
	},
}

// LegResult reports how one leg was worked.
type LegResult struct {
	Err      error
	Role     models.LegRole
	Symbol   string
	OrderID  int
	Attempts int
	Quantity int
	Price    float64
}

// Result is the outcome of placing or resuming one entry.
type Result struct {
	Emergency *safety.Outcome
	Legs      []LegResult
	Kind      models.EntryKind // kind after downgrade to the sides that completed
	Complete  bool
	Partial   bool // some legs filled but not every planned side completed
}

// Manager handles leg execution and fill verification.
type Manager struct {
	broker   broker.Broker // breaker-wrapped; entry orders and quotes
	raw      broker.Broker // protective closes while the breaker may be open
	registry Registrar
	resolver Resolver
	journal  storage.Journal
	notifier alert.Sender
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	now      func() time.Time
	onChange func(*models.Entry)
	settings Settings
}

// NewManager creates a new order manager instance.
func NewManager(
	b, raw broker.Broker,
	reg Registrar,
	resolver Resolver,
	journal storage.Journal,
	notifier alert.Sender,
	m *metrics.Metrics,
	settings Settings,
	logger logrus.FieldLogger,
) *Manager {
	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if raw == nil {
		raw = b
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if settings.Quantity <= 0 {
		settings.Quantity = DefaultSettings.Quantity
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = DefaultSettings.CallTimeout
	}
	if len(settings.Fills.Ladder) == 0 {
		settings.Fills.Ladder = DefaultSettings.Fills.Ladder
	}
	if settings.Fills.PriceTick <= 0 {
		settings.Fills.PriceTick = DefaultSettings.Fills.PriceTick
	}
	return &Manager{
		broker:   b,
		raw:      raw,
		registry: reg,
		resolver: resolver,
		journal:  journal,
		notifier: notifier,
		metrics:  m,
		logger:   logger.WithField("component", "orders"),
		now:      time.Now,
		settings: settings,
	}
}

// OnChange registers a hook called after every leg state change, so the
// caller can persist the entry before the next broker call.
func (m *Manager) OnChange(fn func(*models.Entry)) {
	m.onChange = fn
}

func (m *Manager) changed(e *models.Entry) {
	if m.onChange != nil {
		m.onChange(e)
	}
}

func (m *Manager) fillPolicy() broker.FillPolicy {
	f := m.settings.Fills
	return broker.FillPolicy{
		Timeout:       f.FillTimeout,
		PollInterval:  f.PollInterval,
		CallTimeout:   m.settings.CallTimeout,
		LookupRetries: f.LookupRetries,
		LookupDelay:   f.LookupDelay,
	}
}

// Prepare fills in the entry's instrument fields and pending legs from a plan.
// Within a side the long (protective) leg is listed before the short.
func (m *Manager) Prepare(e *models.Entry, plan *strategy.Plan) error {
	if plan == nil || plan.Selection == nil || plan.Decision.Kind == models.KindSkipped || plan.Decision.Kind == "" {
		return ErrNothingToPlace
	}
	sel := plan.Selection
	e.Kind = plan.Decision.Kind
	e.Signal = plan.Reading.Signal
	e.Divergence = plan.Reading.Divergence
	e.UnderlyingAtEntry = sel.Price
	e.Expiry = sel.Expiry.Format("2006-01-02")
	e.Quantity = m.settings.Quantity
	e.Legs = e.Legs[:0]

	for _, s := range models.Sides {
		if !e.Kind.HasSide(s) {
			continue
		}
		c, ok := sel.Candidates[s]
		if !ok || !c.Viable {
			return fmt.Errorf("%s side planned without a viable candidate", s)
		}
		if e.Underlying == "" {
			if opt, err := broker.ParseOptionSymbol(c.ShortSymbol); err == nil {
				e.Underlying = broker.UnderlyingForRoot(opt.Root)
			}
		}
		short, long := models.RolesFor(s)
		e.Legs = append(e.Legs,
			models.Leg{Role: long, Symbol: c.LongSymbol, Strike: c.LongStrike, Quantity: e.Quantity, Status: models.LegPending},
			models.Leg{Role: short, Symbol: c.ShortSymbol, Strike: c.ShortStrike, Quantity: e.Quantity, Status: models.LegPending},
		)
	}
	return nil
}

// Place works every pending leg of a prepared entry in order. A leg that does
// not fill stops the entry: legs not yet sent are marked failed and the entry
// is finalized with whatever completed.
func (m *Manager) Place(ctx context.Context, e *models.Entry) (Result, error) {
	var res Result
	log := m.logger.WithFields(logrus.Fields{"entry": e.Index, "kind": e.Kind})
	log.Info("Placing entry")

	var abort error
	for i := range e.Legs {
		l := &e.Legs[i]
		if l.Status != models.LegPending {
			continue
		}
		if abort != nil {
			l.Status = models.LegFailed
			continue
		}
		lr := m.placeLeg(ctx, e, l)
		res.Legs = append(res.Legs, lr)
		if l.Status != models.LegOpen || l.Quantity < e.Quantity {
			abort = lr.Err
			if abort == nil {
				abort = fmt.Errorf("%s leg not fully filled", l.Role)
			}
		}
	}

	m.finalize(ctx, e, &res, "partial entry")
	if abort != nil && !res.Complete {
		return res, fmt.Errorf("entry %d: %w", e.Index, abort)
	}
	return res, nil
}

// placeLeg walks the price ladder for one leg until its quantity is filled.
func (m *Manager) placeLeg(ctx context.Context, e *models.Entry, l *models.Leg) LegResult {
	lr := LegResult{Role: l.Role, Symbol: l.Symbol}
	side := broker.SideBuyToOpen
	if l.Role.IsShort() {
		side = broker.SideSellToOpen
	}
	want := l.Quantity
	var filled int
	var notional float64
	log := m.logger.WithFields(logrus.Fields{"entry": e.Index, "role": l.Role, "symbol": l.Symbol})

	for step, rung := range m.settings.Fills.Ladder {
		if filled >= want {
			break
		}
		req := broker.OrderRequest{
			Symbol:   l.Symbol,
			Side:     side,
			Type:     broker.OrderTypeMarket,
			Quantity: want - filled,
			Tag:      OrderTag(e.ID, l.Role),
		}
		if rung.Kind != "market" {
			price, err := m.limitPrice(ctx, l.Symbol, side, rung.Tolerance)
			if err != nil {
				if errors.Is(err, broker.ErrCircuitOpen) {
					lr.Err = err
					break
				}
				log.WithError(err).WithField("step", step).Warn("No executable quote for limit step")
				lr.Err = err
				continue
			}
			req.Type, req.Price = broker.OrderTypeLimit, price
		}

		lr.Attempts++
		order, err := m.broker.PlaceOrder(ctx, req)
		if err != nil {
			m.countLeg("rejected")
			log.WithError(err).WithFields(logrus.Fields{"step": step, "type": req.Type, "price": req.Price}).
				Warn("Leg order rejected")
			lr.Err = err
			if errors.Is(err, broker.ErrCircuitOpen) || ctx.Err() != nil {
				break
			}
			continue
		}
		l.OrderID, lr.OrderID = order.ID, order.ID
		m.changed(e)

		fill, err := broker.WaitForFill(ctx, m.broker, order.ID, m.fillPolicy())
		if err == nil && !fill.Terminal {
			m.countLeg("timeout")
			log.WithFields(logrus.Fields{"order_id": order.ID, "step": step, "price": req.Price}).
				Info("Leg not filled within timeout, cancelling")
			fill, err = broker.CancelAndSettle(ctx, m.broker, order.ID, m.fillPolicy())
		}
		if fill.Quantity > 0 && fill.Price > 0 {
			qty := int(math.Round(fill.Quantity))
			filled += qty
			notional += float64(qty) * fill.Price
			m.recordFill(ctx, e, l, order.ID, qty, fill.Price)
		}
		if err != nil {
			log.WithError(err).WithField("order_id", order.ID).Warn("Leg fill could not be verified")
			lr.Err = err
			if errors.Is(err, broker.ErrCircuitOpen) || ctx.Err() != nil {
				break
			}
		}
	}

	if filled > 0 {
		m.countLeg("filled")
		l.Status = models.LegOpen
		l.Quantity = filled
		l.FillPrice = util.RoundCents(notional / float64(filled))
		l.OpenedAt = m.now()
		lr.Quantity, lr.Price = filled, l.FillPrice
		if filled >= want {
			lr.Err = nil
		}
		m.register(ctx, e, l, filled)
	} else {
		l.Status = models.LegFailed
		l.Quantity = want
		if lr.Err == nil {
			lr.Err = fmt.Errorf("%s: no fill after %d attempts", l.Role, lr.Attempts)
		}
	}
	m.changed(e)
	log.WithFields(logrus.Fields{"filled": filled, "price": l.FillPrice, "attempts": lr.Attempts}).Info("Leg worked")
	return lr
}

// limitPrice concedes tolerance of mid toward the market, rounded to a tick
// in the direction that keeps the concession.
func (m *Manager) limitPrice(ctx context.Context, symbol string, side broker.OrderSide, tolerance float64) (float64, error) {
	q, err := broker.GetQuote(ctx, m.broker, symbol)
	if err != nil {
		return 0, err
	}
	if !q.Executable() {
		return 0, fmt.Errorf("%s: quote not executable (bid %.2f ask %.2f)", symbol, q.Bid, q.Ask)
	}
	tick := m.settings.Fills.PriceTick
	mid := q.Mid()
	if side.IsBuy() {
		return util.CeilToTick(mid*(1+tolerance), tick), nil
	}
	price := util.FloorToTick(mid*(1-tolerance), tick)
	if price <= 0 {
		price = tick
	}
	return price, nil
}

func (m *Manager) recordFill(ctx context.Context, e *models.Entry, l *models.Leg, orderID, qty int, price float64) {
	fees := util.RoundCents(float64(qty) * m.settings.FeePerContract)
	e.Fees = util.RoundCents(e.Fees + fees)
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordTrade(ctx, storage.TradeRecord{
		EntryID:  e.ID,
		Symbol:   l.Symbol,
		Role:     string(l.Role),
		Action:   "open",
		OrderID:  orderID,
		Quantity: qty,
		Price:    price,
		Fees:     fees,
	}); err != nil {
		m.logger.WithError(err).Warn("Failed to journal fill")
	}
}

func (m *Manager) register(ctx context.Context, e *models.Entry, l *models.Leg, qty int) {
	if m.registry == nil {
		return
	}
	opt, err := broker.ParseOptionSymbol(l.Symbol)
	if err != nil {
		m.logger.WithError(err).WithField("symbol", l.Symbol).Error("Cannot parse filled leg symbol")
		return
	}
	side := "long"
	if l.Role.IsShort() {
		side = "short"
	}
	err = m.registry.Register(ctx, l.Symbol, registry.Record{
		StrategyID: m.settings.StrategyID,
		EntryID:    e.ID,
		Underlying: broker.UnderlyingForRoot(opt.Root),
		OptionType: string(opt.Type),
		Side:       side,
		Expiry:     opt.Expiry.Format("2006-01-02"),
		Strike:     opt.Strike,
		Quantity:   qty,
	})
	if err != nil {
		m.logger.WithError(err).WithField("symbol", l.Symbol).Error("Failed to register filled leg")
		m.notify(ctx, alert.Alert{
			Key:      "register:" + l.Symbol,
			Title:    "Registry write failed",
			Message:  fmt.Sprintf("entry %d %s filled but not registered: %v", e.Index, l.Role, err),
			Severity: alert.SeverityHigh,
		})
	}
}

// finalize decides what the entry became. Sides with both legs fully filled
// stay; the kind is downgraded to them and stops are armed from the actual
// fills. Filled legs of incomplete sides go to the emergency handler.
func (m *Manager) finalize(ctx context.Context, e *models.Entry, res *Result, trigger string) {
	complete := map[models.Side]bool{}
	var stray []safety.Holding
	for _, s := range models.Sides {
		if !e.Kind.HasSide(s) {
			continue
		}
		short, long := e.SideLegs(s)
		if sideFilled(short, e.Quantity) && sideFilled(long, e.Quantity) {
			complete[s] = true
			e.Side(s).Credit = util.RoundCents(short.FillPrice - long.FillPrice)
			continue
		}
		for _, l := range []*models.Leg{short, long} {
			if l != nil && l.Status == models.LegOpen {
				stray = append(stray, m.holding(e, l))
			}
		}
	}

	res.Kind = models.KindOf(complete[models.SideCall], complete[models.SidePut])
	res.Complete = res.Kind != models.KindSkipped
	res.Partial = len(stray) > 0

	log := m.logger.WithFields(logrus.Fields{"entry": e.Index, "planned": e.Kind, "result": res.Kind})
	if res.Complete {
		if res.Kind != e.Kind {
			log.Warn("Entry downgraded to the sides that filled")
		}
		e.Kind = res.Kind
		e.Complete = true
		risk.ArmStops(e, m.settings.Stops)
		if m.metrics != nil {
			m.metrics.Entries.WithLabelValues(string(e.Kind)).Inc()
		}
		m.record(ctx, storage.EventRecord{
			Kind:     storage.EventEntryPlaced,
			EntryID:  e.ID,
			Message:  fmt.Sprintf("entry %d %s credit %.2f", e.Index, e.Kind, e.TotalCredit),
			Observed: e.TotalCredit,
		})
		log.WithFields(logrus.Fields{
			"credit":    e.TotalCredit,
			"call_stop": e.Call.StopLevel,
			"put_stop":  e.Put.StopLevel,
		}).Info("Entry complete")
	} else {
		e.Failed = true
		if m.metrics != nil {
			m.metrics.Entries.WithLabelValues("failed").Inc()
		}
		m.record(ctx, storage.EventRecord{
			Kind:    storage.EventEntryFailed,
			EntryID: e.ID,
			Message: fmt.Sprintf("entry %d: no side completed", e.Index),
		})
		log.Warn("Entry failed")
	}

	if len(stray) > 0 && m.resolver != nil {
		roles := make([]string, 0, len(stray))
		for _, h := range stray {
			roles = append(roles, h.Role)
		}
		m.notify(ctx, alert.Alert{
			Key:      "partial:" + e.ID,
			Title:    fmt.Sprintf("Partial entry %d", e.Index),
			Message:  fmt.Sprintf("legs %s filled without a complete side; handing to emergency handler", strings.Join(roles, ", ")),
			Severity: alert.SeverityHigh,
		})
		out := m.resolver.Resolve(ctx, m.raw, trigger, stray)
		res.Emergency = &out
		m.applyCloses(e, out)
	}
	m.changed(e)
}

func sideFilled(l *models.Leg, qty int) bool {
	return l != nil && l.Status == models.LegOpen && l.Quantity >= qty && l.FillPrice > 0
}

func (m *Manager) holding(e *models.Entry, l *models.Leg) safety.Holding {
	opt, _ := broker.ParseOptionSymbol(l.Symbol)
	qty := l.Quantity
	if l.Role.IsShort() {
		qty = -qty
	}
	return safety.Holding{Option: opt, EntryID: e.ID, Symbol: l.Symbol, Role: string(l.Role), Quantity: qty}
}

// applyCloses writes emergency fills back onto the entry's legs.
func (m *Manager) applyCloses(e *models.Entry, out safety.Outcome) {
	now := m.now()
	for _, c := range out.Closed {
		for i := range e.Legs {
			l := &e.Legs[i]
			if l.Symbol != c.Holding.Symbol || !l.IsLive() {
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
}

// Resume settles an entry interrupted mid-placement. Legs with a working or
// unverified order are re-read from the broker (status, then fill history);
// legs never sent are marked failed. The entry is then finalized as usual.
func (m *Manager) Resume(ctx context.Context, e *models.Entry) (Result, error) {
	var res Result
	pending := false
	for i := range e.Legs {
		l := &e.Legs[i]
		if l.Status != models.LegPending {
			continue
		}
		pending = true
		lr := LegResult{Role: l.Role, Symbol: l.Symbol, OrderID: l.OrderID}
		if l.OrderID == 0 {
			l.Status = models.LegFailed
			res.Legs = append(res.Legs, lr)
			continue
		}
		fill, err := broker.WaitForFill(ctx, m.broker, l.OrderID, m.fillPolicy())
		if err == nil && !fill.Terminal {
			fill, err = broker.CancelAndSettle(ctx, m.broker, l.OrderID, m.fillPolicy())
		}
		if err != nil && !errors.Is(err, broker.ErrFillNotFound) {
			// unknown state: leave pending for the next restart or reconciliation
			lr.Err = err
			res.Legs = append(res.Legs, lr)
			m.logger.WithError(err).WithFields(logrus.Fields{"entry": e.Index, "order_id": l.OrderID}).
				Error("Cannot verify interrupted leg")
			return res, fmt.Errorf("resuming entry %d: %w", e.Index, err)
		}
		if fill.Quantity > 0 && fill.Price > 0 {
			qty := int(math.Round(fill.Quantity))
			m.recordFill(ctx, e, l, l.OrderID, qty, fill.Price)
			l.Status = models.LegOpen
			l.Quantity = qty
			l.FillPrice = util.RoundCents(fill.Price)
			l.OpenedAt = m.now()
			m.register(ctx, e, l, qty)
			lr.Quantity, lr.Price = qty, l.FillPrice
		} else {
			l.Status = models.LegFailed
		}
		res.Legs = append(res.Legs, lr)
		m.changed(e)
	}
	if !pending {
		res.Kind, res.Complete = e.Kind, e.Complete
		return res, nil
	}
	m.logger.WithField("entry", e.Index).Warn("Resumed interrupted entry")
	m.finalize(ctx, e, &res, "interrupted entry")
	return res, nil
}

// OrderTag identifies a leg order at the broker.
func OrderTag(entryID string, role models.LegRole) string {
	id := strings.ReplaceAll(entryID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("condor-%s-%s", id, strings.ReplaceAll(string(role), "_", "-"))
}

func (m *Manager) countLeg(outcome string) {
	if m.metrics != nil {
		m.metrics.LegOrders.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) record(ctx context.Context, ev storage.EventRecord) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordEvent(ctx, ev); err != nil {
		m.logger.WithError(err).Warn("Failed to journal event")
	}
}

func (m *Manager) notify(ctx context.Context, a alert.Alert) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, a)
	}
}

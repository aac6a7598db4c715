package safety

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/alert"
	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/metrics"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/retry"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/sirupsen/logrus"
)

// Exposure classifies the legs held in one underlying, expiry and option type.
type Exposure string

const (
	ExposureNone       Exposure = "none"
	ExposureHedged     Exposure = "hedged"
	ExposureNakedShort Exposure = "naked_short"
	ExposureIncomplete Exposure = "incomplete_hedge"
)

// Holding is one option position. Quantity is negative for shorts.
type Holding struct {
	Option   broker.OptionSymbol
	EntryID  string
	Symbol   string
	Role     string
	Quantity int
}

// IsShort reports whether the holding is a sold option.
func (h Holding) IsShort() bool {
	return h.Quantity < 0
}

// Group is every holding sharing underlying, expiry and option type.
type Group struct {
	Underlying string
	Expiry     string
	Type       broker.OptionType
	Exposure   Exposure
	Holdings   []Holding
}

// Classify decides the exposure of one group from its net quantities.
func Classify(holdings []Holding) Exposure {
	var short, long int
	for _, h := range holdings {
		if h.Quantity < 0 {
			short -= h.Quantity
		} else {
			long += h.Quantity
		}
	}
	switch {
	case short == 0 && long == 0:
		return ExposureNone
	case short == 0:
		return ExposureHedged // protection without the optional short
	case long == 0:
		return ExposureNakedShort
	case long == short:
		return ExposureHedged
	default:
		return ExposureIncomplete
	}
}

// ToClose lists the holdings the group's exposure requires closing, shorts first.
func (g Group) ToClose() []Holding {
	var out []Holding
	switch g.Exposure {
	case ExposureNakedShort:
		for _, h := range g.Holdings {
			if h.IsShort() {
				out = append(out, h)
			}
		}
	case ExposureIncomplete:
		out = append(out, g.Holdings...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsShort() && !out[j].IsShort() })
	return out
}

// GroupHoldings buckets holdings and classifies every bucket.
func GroupHoldings(holdings []Holding) []Group {
	idx := make(map[string]int)
	var groups []Group
	for _, h := range holdings {
		if h.Quantity == 0 {
			continue
		}
		u := broker.UnderlyingForRoot(h.Option.Root)
		exp := h.Option.Expiry.Format("2006-01-02")
		key := u + "|" + exp + "|" + string(h.Option.Type)
		i, ok := idx[key]
		if !ok {
			i = len(groups)
			idx[key] = i
			groups = append(groups, Group{Underlying: u, Expiry: exp, Type: h.Option.Type})
		}
		groups[i].Holdings = append(groups[i].Holdings, h)
	}
	for i := range groups {
		groups[i].Exposure = Classify(groups[i].Holdings)
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Underlying != b.Underlying {
			return a.Underlying < b.Underlying
		}
		if a.Expiry != b.Expiry {
			return a.Expiry < b.Expiry
		}
		return a.Type < b.Type
	})
	return groups
}

// Registry is the ownership store the handler consults before touching a position.
type Registry interface {
	CheckOwnership(ctx context.Context, positionID, strategyID string) error
	Unregister(ctx context.Context, positionID, strategyID string, quantity int) error
	Owned(ctx context.Context, strategyID string) (map[string]registry.Record, error)
}

// Settings configures the handler.
type Settings struct {
	StrategyID     string
	Emergency      config.EmergencyConfig
	Fill           broker.FillPolicy
	FeePerContract float64
}

// Closed is one completed protective close.
type Closed struct {
	Holding  Holding
	OrderID  int
	Quantity int
	Price    float64
	Fees     float64
	Attempts int
}

// Outcome summarizes a handler run.
type Outcome struct {
	Trigger string
	Groups  []Group
	Closed  []Closed
	Failed  []Holding
	FlagSet bool
}

// Acted reports whether any position needed action.
func (o Outcome) Acted() bool {
	return len(o.Closed) > 0 || len(o.Failed) > 0
}

// Handler eliminates naked or incomplete short exposure.
type Handler struct {
	registry Registry
	flag     *CriticalFlag
	notifier alert.Sender
	journal  storage.Journal
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	sleep    func(ctx context.Context, d time.Duration) error
	settings Settings
}

// NewHandler creates an emergency handler. journal and m may be nil.
func NewHandler(
	reg Registry,
	flag *CriticalFlag,
	notifier alert.Sender,
	journal storage.Journal,
	m *metrics.Metrics,
	settings Settings,
	logger logrus.FieldLogger,
) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if settings.Emergency.MaxCloseAttempts <= 0 {
		settings.Emergency.MaxCloseAttempts = 5
	}
	return &Handler{
		registry: reg,
		flag:     flag,
		notifier: notifier,
		journal:  journal,
		metrics:  m,
		logger:   logger.WithField("component", "emergency"),
		sleep:    retry.Sleep,
		settings: settings,
	}
}

// Resolve classifies holdings and closes whatever carries unprotected short
// risk. b should be the undecorated broker when the circuit breaker is open.
func (h *Handler) Resolve(ctx context.Context, b broker.Broker, trigger string, holdings []Holding) Outcome {
	out := Outcome{Trigger: trigger, Groups: GroupHoldings(holdings)}
	for _, g := range out.Groups {
		log := h.logger.WithFields(logrus.Fields{
			"trigger":    trigger,
			"underlying": g.Underlying,
			"expiry":     g.Expiry,
			"type":       g.Type,
			"exposure":   g.Exposure,
			"legs":       len(g.Holdings),
		})
		if h.metrics != nil {
			h.metrics.Emergencies.WithLabelValues(string(g.Exposure)).Inc()
		}
		targets := g.ToClose()
		if len(targets) == 0 {
			log.Info("Emergency scan: no action required")
			continue
		}
		log.Warn("Emergency scan: closing unprotected exposure")
		h.record(ctx, storage.EventRecord{
			Kind:    storage.EventEmergency,
			EntryID: targets[0].EntryID,
			Side:    string(g.Type),
			Reason:  string(g.Exposure),
			Message: fmt.Sprintf("%s: %d legs to close in %s %s", trigger, len(targets), g.Underlying, g.Expiry),
		})
		h.closeTargets(ctx, b, targets, true, &out)
	}
	return out
}

// CloseAll closes every holding with market orders, shorts first, without
// classifying exposure or waiting on the spread. Stop-loss and early-close
// exits go through here so they share the retry and escalation path.
func (h *Handler) CloseAll(ctx context.Context, b broker.Broker, trigger string, holdings []Holding) Outcome {
	targets := append([]Holding(nil), holdings...)
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].IsShort() && !targets[j].IsShort() })
	out := Outcome{Trigger: trigger}
	h.closeTargets(ctx, b, targets, false, &out)
	return out
}

func (h *Handler) closeTargets(ctx context.Context, b broker.Broker, targets []Holding, waitSpread bool, out *Outcome) {
	for _, hd := range targets {
		if hd.Quantity == 0 {
			continue
		}
		log := h.logger.WithFields(logrus.Fields{"trigger": out.Trigger, "symbol": hd.Symbol})
		if err := h.registry.CheckOwnership(ctx, hd.Symbol, h.settings.StrategyID); err != nil {
			log.WithError(err).Error("Refusing to close position not owned by this strategy")
			h.notify(ctx, alert.Alert{
				Key:      "close-ownership:" + hd.Symbol,
				Title:    "Close skipped: ownership check failed",
				Message:  err.Error(),
				Severity: alert.SeverityHigh,
				Fields:   map[string]interface{}{"symbol": hd.Symbol},
			})
			out.Failed = append(out.Failed, hd)
			continue
		}
		closed, err := h.closeHolding(ctx, b, hd, waitSpread)
		if closed.Quantity > 0 {
			if uerr := h.registry.Unregister(ctx, hd.Symbol, h.settings.StrategyID, closed.Quantity); uerr != nil {
				log.WithError(uerr).Error("Failed to unregister closed position")
			}
		}
		if err != nil {
			out.Failed = append(out.Failed, hd)
			if closed.Quantity > 0 {
				out.Closed = append(out.Closed, closed)
			}
			if h.latch(ctx, fmt.Sprintf("%s: close of %s failed: %v", out.Trigger, hd.Symbol, err)) {
				out.FlagSet = true
			}
			continue
		}
		out.Closed = append(out.Closed, closed)
	}
}

// ScanAll runs the handler over every position this strategy owns. Broker
// positions are preferred; when the broker cannot list them the registry
// records stand in.
func (h *Handler) ScanAll(ctx context.Context, b broker.Broker, reason string) (Outcome, error) {
	owned, err := h.registry.Owned(ctx, h.settings.StrategyID)
	if err != nil {
		return Outcome{}, fmt.Errorf("emergency scan: reading registry: %w", err)
	}
	if len(owned) == 0 {
		return Outcome{Trigger: reason}, nil
	}

	var holdings []Holding
	positions, err := b.GetPositions(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Emergency scan: broker positions unavailable, using registry records")
		for sym, rec := range owned {
			opt, perr := broker.ParseOptionSymbol(sym)
			if perr != nil {
				continue
			}
			qty := rec.Quantity
			if rec.Side == "short" {
				qty = -qty
			}
			holdings = append(holdings, Holding{Option: opt, Symbol: sym, EntryID: rec.EntryID, Role: rec.Side, Quantity: qty})
		}
	} else {
		for _, p := range positions {
			rec, ok := owned[p.Symbol]
			if !ok {
				continue
			}
			opt, perr := broker.ParseOptionSymbol(p.Symbol)
			if perr != nil {
				continue
			}
			holdings = append(holdings, Holding{
				Option:   opt,
				Symbol:   p.Symbol,
				EntryID:  rec.EntryID,
				Role:     rec.Side,
				Quantity: int(math.Round(p.Quantity)),
			})
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return h.Resolve(ctx, b, reason, holdings), nil
}

// waitForSpread gives a wide market a bounded chance to normalize. The close
// proceeds afterwards regardless.
func (h *Handler) waitForSpread(ctx context.Context, b broker.Broker, symbol string) {
	cfg := h.settings.Emergency
	for i := 0; i < cfg.SpreadWaitCycles; i++ {
		q, err := broker.GetQuote(ctx, b, symbol)
		if err != nil || !q.Executable() {
			return
		}
		spread := q.SpreadPct()
		if cfg.MaxSpreadPct <= 0 || spread <= cfg.MaxSpreadPct {
			return
		}
		h.logger.WithFields(logrus.Fields{
			"symbol":    symbol,
			"spread":    spread,
			"threshold": cfg.MaxSpreadPct,
			"wait":      i + 1,
		}).Warn("Spread too wide for protective close, waiting")
		if err := h.sleep(ctx, cfg.SpreadWaitInterval); err != nil {
			return
		}
	}
}

func (h *Handler) closeHolding(ctx context.Context, b broker.Broker, hd Holding, waitSpread bool) (Closed, error) {
	if waitSpread {
		h.waitForSpread(ctx, b, hd.Symbol)
	}

	side := broker.SideSellToClose
	if hd.IsShort() {
		side = broker.SideBuyToClose
	}
	want := hd.Quantity
	if want < 0 {
		want = -want
	}
	res := Closed{Holding: hd}
	var notional float64
	remaining := want
	maxAttempts := h.settings.Emergency.MaxCloseAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts && remaining > 0; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			if err := h.sleep(ctx, h.settings.Emergency.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		filled, price, orderID, err := h.marketClose(ctx, b, hd.Symbol, side, remaining)
		if filled > 0 {
			notional += float64(filled) * price
			res.Quantity += filled
			res.OrderID = orderID
			remaining -= filled
			h.trade(ctx, hd, orderID, filled, price)
		}
		if remaining == 0 {
			break
		}
		if err == nil {
			err = fmt.Errorf("order %d filled %d of %d", orderID, filled, filled+remaining)
		}
		lastErr = err
		sev := alert.SeverityForAttempt(attempt, maxAttempts)
		h.logger.WithError(err).WithFields(logrus.Fields{
			"symbol":   hd.Symbol,
			"attempt":  attempt,
			"max":      maxAttempts,
			"severity": sev.String(),
		}).Error("Protective close attempt failed")
		h.notify(ctx, alert.Alert{
			Key:      fmt.Sprintf("emergency-close:%s:%d", hd.Symbol, attempt),
			Title:    "Protective close attempt failed",
			Message:  err.Error(),
			Severity: sev,
			Fields: map[string]interface{}{
				"symbol":    hd.Symbol,
				"attempt":   attempt,
				"remaining": remaining,
			},
		})
	}
	if res.Quantity > 0 {
		res.Price = notional / float64(res.Quantity)
		res.Fees = float64(res.Quantity) * h.settings.FeePerContract
	}
	if remaining > 0 {
		if lastErr == nil {
			lastErr = errors.New("attempts exhausted")
		}
		return res, fmt.Errorf("closing %s: %d of %d contracts still open after %d attempts: %w",
			hd.Symbol, remaining, want, res.Attempts, lastErr)
	}
	h.logger.WithFields(logrus.Fields{
		"symbol":   hd.Symbol,
		"quantity": res.Quantity,
		"price":    res.Price,
		"attempts": res.Attempts,
	}).Warn("Protective close filled")
	return res, nil
}

// marketClose sends one market order and reports what executed.
func (h *Handler) marketClose(
	ctx context.Context,
	b broker.Broker,
	symbol string,
	side broker.OrderSide,
	qty int,
) (filled int, price float64, orderID int, err error) {
	o, err := b.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     broker.OrderTypeMarket,
		Quantity: qty,
		Tag:      "emergency",
	})
	if err != nil {
		return 0, 0, 0, err
	}
	fr, err := broker.WaitForFill(ctx, b, o.ID, h.settings.Fill)
	if err == nil && !fr.Terminal {
		fr, err = broker.CancelAndSettle(ctx, b, o.ID, h.settings.Fill)
	}
	return int(math.Round(fr.Quantity)), fr.Price, o.ID, err
}

// latch sets the critical flag; it reports whether this call set it.
func (h *Handler) latch(ctx context.Context, reason string) bool {
	if h.flag == nil {
		return false
	}
	already := h.flag.IsSet()
	if err := h.flag.Set(reason); err != nil {
		h.logger.WithError(err).Error("Failed to persist critical intervention flag")
	}
	if h.metrics != nil {
		h.metrics.CriticalFlag.Set(1)
	}
	if already {
		return false
	}
	h.logger.WithField("reason", reason).Error("Critical intervention flag set, automation halted")
	h.record(ctx, storage.EventRecord{Kind: storage.EventCriticalFlag, Reason: reason})
	h.notify(ctx, alert.Alert{
		Key:      "critical-flag",
		Title:    "Critical intervention required",
		Message:  reason,
		Severity: alert.SeverityCritical,
	})
	return true
}

func (h *Handler) trade(ctx context.Context, hd Holding, orderID, qty int, price float64) {
	if h.journal == nil {
		return
	}
	err := h.journal.RecordTrade(ctx, storage.TradeRecord{
		EntryID:  hd.EntryID,
		Symbol:   hd.Symbol,
		Role:     hd.Role,
		Action:   "close",
		Reason:   "emergency",
		OrderID:  orderID,
		Quantity: qty,
		Price:    price,
		Fees:     float64(qty) * h.settings.FeePerContract,
	})
	if err != nil {
		h.logger.WithError(err).Warn("Failed to journal emergency trade")
	}
}

func (h *Handler) record(ctx context.Context, ev storage.EventRecord) {
	if h.journal == nil {
		return
	}
	if err := h.journal.RecordEvent(ctx, ev); err != nil {
		h.logger.WithError(err).Warn("Failed to journal event")
	}
}

func (h *Handler) notify(ctx context.Context, a alert.Alert) {
	if h.notifier != nil {
		h.notifier.Notify(ctx, a)
	}
}

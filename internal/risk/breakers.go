package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
)

// Guard carries the environment facts checked before an entry.
type Guard struct {
	Now         time.Time
	MarketOpen  bool
	Blackout    bool
	CircuitOpen bool
	Critical    bool

	// Failures and FailureLimit describe the breaker's failure window when it is open.
	Failures       int
	FailureLimit   int
	CircuitReason  string
	CriticalReason string
}

// Verdict is the result of the entry guards. A blocked verdict names the
// first failing guard with the observed value and its threshold.
type Verdict struct {
	Reason    string
	Detail    string
	Observed  float64
	Threshold float64
	Allowed   bool
}

// ROCReading is the day's return on deployed capital.
type ROCReading struct {
	Reason     string // why the reading is not trusted
	Realized   float64
	Unrealized float64
	Capital    float64
	ROC        float64
	Trusted    bool
}

// HoldDecision compares closing now with a conservative hold to expiry.
type HoldDecision struct {
	CloseNow float64
	Hold     float64
	Margin   float64
	Proceed  bool
}

// Breakers evaluates cross-entry risk limits.
type Breakers struct {
	cfg config.RiskConfig
}

// NewBreakers creates the breaker set.
func NewBreakers(cfg config.RiskConfig) *Breakers {
	return &Breakers{cfg: cfg}
}

// CheckEntry runs the entry guards in order: market halt, blackout, circuit
// breaker, critical intervention, daily loss, cascade, early close, ROC gate.
// They never act on entries that are already open.
func (b *Breakers) CheckEntry(day *models.DailyState, g Guard) Verdict {
	if !g.MarketOpen {
		return Verdict{Reason: models.SkipMarketHalted, Detail: "broker reports market not open"}
	}
	if g.Blackout {
		return Verdict{Reason: models.SkipBlackout, Detail: "inside scheduled blackout window"}
	}
	if g.CircuitOpen {
		detail := fmt.Sprintf("broker circuit breaker open, %d failures in window", g.Failures)
		if g.CircuitReason != "" {
			detail += ": " + g.CircuitReason
		}
		return Verdict{
			Reason:    models.SkipCircuitOpen,
			Detail:    detail,
			Observed:  float64(g.Failures),
			Threshold: float64(g.FailureLimit),
		}
	}
	if g.Critical {
		detail := "critical intervention flag set"
		if g.CriticalReason != "" {
			detail += ": " + g.CriticalReason
		}
		return Verdict{Reason: models.SkipCritical, Detail: detail, Observed: 1, Threshold: 1}
	}
	if day.DailyLossTriggered || day.RealizedPnL <= -b.cfg.MaxDailyLoss {
		return Verdict{
			Reason:    models.SkipDailyLoss,
			Detail:    fmt.Sprintf("realized %.2f at or below limit %.2f", day.RealizedPnL, -b.cfg.MaxDailyLoss),
			Observed:  day.RealizedPnL,
			Threshold: -b.cfg.MaxDailyLoss,
		}
	}
	if stops := day.TotalStops(); day.CascadeTriggered || stops >= b.cfg.CascadeStops {
		return Verdict{
			Reason:    models.SkipCascade,
			Detail:    fmt.Sprintf("%d stops today, threshold %d", stops, b.cfg.CascadeStops),
			Observed:  float64(stops),
			Threshold: float64(b.cfg.CascadeStops),
		}
	}
	if day.EarlyCloseTriggered {
		return Verdict{Reason: models.SkipEarlyClose, Detail: "day flattened by ROC early close"}
	}
	if r := b.ROC(day); r.Trusted && r.ROC >= b.cfg.ROCThreshold {
		return Verdict{
			Reason:    models.SkipROCGate,
			Detail:    fmt.Sprintf("ROC %.4f at or above %.4f", r.ROC, b.cfg.ROCThreshold),
			Observed:  r.ROC,
			Threshold: b.cfg.ROCThreshold,
		}
	}
	return Verdict{Allowed: true}
}

// ROC computes (realized + unrealized) / capital deployed. The reading is not
// trusted when no capital is deployed, when an open side has no mark yet, or
// when the P&L magnitude exceeds the capital at risk.
func (b *Breakers) ROC(day *models.DailyState) ROCReading {
	r := ROCReading{
		Realized:   day.RealizedPnL,
		Unrealized: day.UnrealizedPnL(),
		Capital:    day.CapitalDeployed(),
	}
	if r.Capital <= 0 {
		r.Reason = "no capital deployed"
		return r
	}
	for _, e := range day.Entries {
		for _, s := range e.OpenSides() {
			if e.Side(s).LastMarkAt.IsZero() {
				r.Reason = fmt.Sprintf("entry %d %s side has no mark", e.Index, s)
				return r
			}
		}
	}
	pnl := r.Realized + r.Unrealized
	r.ROC = pnl / r.Capital
	if math.Abs(pnl) > r.Capital {
		r.Reason = fmt.Sprintf("implausible P&L %.2f exceeds capital %.2f", pnl, r.Capital)
		return r
	}
	r.Trusted = true
	return r
}

// EarlyCloseDue reports whether the ROC early close should flatten the day.
func (b *Breakers) EarlyCloseDue(day *models.DailyState) (ROCReading, bool) {
	r := b.ROC(day)
	due := r.Trusted && r.ROC >= b.cfg.ROCThreshold && !day.EarlyCloseTriggered && day.HasOpenPositions()
	return r, due
}

// HoldCheck values every open side two ways. Closing proceeds unless the
// worst-case hold beats closing now by more than the margin.
//
// A side inside hold_safe_cushion is held to its stop. A safer side keeps its
// credit less the current cost grown by the share of cushion already used,
// so at the safe edge holding is worth no more than closing.
func (b *Breakers) HoldCheck(day *models.DailyState, price float64) HoldDecision {
	var d HoldDecision
	for _, e := range day.Entries {
		mult := models.ContractMultiplier * float64(e.Quantity)
		for _, s := range e.OpenSides() {
			st := e.Side(s)
			d.CloseNow += (st.Credit - st.LastCost) * mult
			d.Hold += (st.Credit - holdCost(st, Cushion(e, s, price), b.cfg.HoldSafeCushion)) * mult
		}
	}
	d.Margin = math.Max(b.cfg.HoldMargin, b.cfg.HoldMarginPct*math.Abs(d.CloseNow))
	d.Proceed = d.Hold-d.CloseNow <= d.Margin
	return d
}

// holdCost is the projected cost to carry a side to expiry.
func holdCost(st *models.SideState, cushion, safe float64) float64 {
	if cushion < safe || cushion <= 0 {
		return st.StopLevel
	}
	c := math.Min(cushion, 1)
	return math.Min(st.StopLevel, st.LastCost*(1-c)/c)
}

package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/util"
	"github.com/sirupsen/logrus"
)

const creditEpsilon = 1e-9

// Non-viable reasons reported on a Candidate.
const (
	ReasonConflict    = "strike conflict with an open entry"
	ReasonIlliquid    = "no executable quotes near target strike"
	ReasonInTheMoney  = "short strike would be in the money"
	ReasonCreditFloor = "credit below minimum at minimum distance"
)

// Quoter is the part of the broker strike selection needs.
type Quoter interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error)
}

// Candidate is one priced vertical spread.
type Candidate struct {
	ShortQuote     broker.Quote
	LongQuote      broker.Quote
	Side           models.Side
	ShortSymbol    string
	LongSymbol     string
	Reason         string
	ShortStrike    float64
	LongStrike     float64
	Distance       float64
	Credit         float64
	Tightenings    int
	IlliquidSteps  int
	ConflictShifts int
	Viable         bool
}

// Selection is the result of pricing the requested sides of one entry.
type Selection struct {
	Expiry       time.Time
	Candidates   map[models.Side]*Candidate
	Price        float64
	VIX          float64
	ExpectedMove float64
}

// Viable reports whether the side was priced and met its credit floor.
func (s *Selection) Viable(side models.Side) bool {
	c, ok := s.Candidates[side]
	return ok && c.Viable
}

// Selector chooses short and long strikes from live quotes.
type Selector struct {
	quoter Quoter
	logger logrus.FieldLogger
	cfg    config.StrategyConfig
}

// NewSelector creates a strike selector.
func NewSelector(q Quoter, cfg config.StrategyConfig, logger logrus.FieldLogger) *Selector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Selector{quoter: q, cfg: cfg, logger: logger.WithField("component", "strikes")}
}

// ExpectedMove is the one-day expected move implied by the volatility index,
// rounded to the strike increment.
func ExpectedMove(price, vix, increment float64) float64 {
	return util.RoundToTick(price*vix/100/math.Sqrt(252), increment)
}

// Select prices each requested side. occupied holds strikes of live legs from
// earlier entries, per side. Broker errors abort the whole selection.
func (s *Selector) Select(
	ctx context.Context,
	expiry time.Time,
	price, vix float64,
	sides []models.Side,
	occupied map[models.Side][]float64,
) (*Selection, error) {
	if price <= 0 || vix <= 0 {
		return nil, fmt.Errorf("invalid market data: price=%.2f vix=%.2f", price, vix)
	}
	sel := &Selection{
		Expiry:       expiry,
		Price:        price,
		VIX:          vix,
		ExpectedMove: ExpectedMove(price, vix, s.cfg.StrikeIncrement),
		Candidates:   make(map[models.Side]*Candidate, len(sides)),
	}
	for _, side := range sides {
		c, err := s.selectSide(ctx, side, expiry, price, sel.ExpectedMove, occupied[side])
		if err != nil {
			return nil, fmt.Errorf("pricing %s side: %w", side, err)
		}
		sel.Candidates[side] = c
		s.logger.WithFields(logrus.Fields{
			"side":   side,
			"short":  c.ShortStrike,
			"long":   c.LongStrike,
			"credit": c.Credit,
			"viable": c.Viable,
			"reason": c.Reason,
		}).Debug("Priced side")
	}
	return sel, nil
}

func (s *Selector) minCredit(side models.Side) float64 {
	if side == models.SideCall {
		return s.cfg.Credit.MinCallCredit
	}
	return s.cfg.Credit.MinPutCredit
}

// baseShortStrike places the short strike at least dist away from price.
func (s *Selector) baseShortStrike(side models.Side, price, dist float64) float64 {
	if side == models.SideCall {
		return util.CeilToTick(price+dist, s.cfg.StrikeIncrement)
	}
	return util.FloorToTick(price-dist, s.cfg.StrikeIncrement)
}

func optionType(side models.Side) broker.OptionType {
	if side == models.SideCall {
		return broker.OptionTypeCall
	}
	return broker.OptionTypePut
}

func conflicts(occupied []float64, strikes ...float64) bool {
	for _, o := range occupied {
		for _, k := range strikes {
			if math.Abs(o-k) < creditEpsilon {
				return true
			}
		}
	}
	return false
}

// selectSide walks the strike ladder for one side. Every loop iteration
// consumes one of the bounded budgets (conflict shifts, illiquid steps,
// tightening), so the walk always terminates.
func (s *Selector) selectSide(
	ctx context.Context,
	side models.Side,
	expiry time.Time,
	price, em float64,
	occupied []float64,
) (*Candidate, error) {
	cc := s.cfg.Credit
	inc := s.cfg.StrikeIncrement
	otm := 1.0
	if side == models.SidePut {
		otm = -1.0
	}
	root := s.cfg.OptionRoot
	if root == "" {
		root = s.cfg.Symbol
	}

	c := &Candidate{Side: side}
	dist := math.Max(em*cc.EMMultiplier, cc.MinOTMDistance)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		short := s.baseShortStrike(side, price, dist) + otm*inc*float64(c.ConflictShifts-c.IlliquidSteps)
		long := short + otm*s.cfg.SpreadWidth
		c.ShortStrike, c.LongStrike, c.Distance = short, long, dist

		if conflicts(occupied, short, long) {
			if c.ConflictShifts >= cc.MaxConflictShifts {
				c.Reason = ReasonConflict
				return c, nil
			}
			c.ConflictShifts++
			continue
		}
		if otm*(short-price) <= 0 {
			c.Reason = ReasonInTheMoney
			return c, nil
		}

		c.ShortSymbol = broker.FormatOptionSymbol(root, expiry, optionType(side), short)
		c.LongSymbol = broker.FormatOptionSymbol(root, expiry, optionType(side), long)
		quotes, err := s.quoter.GetQuotes(ctx, []string{c.ShortSymbol, c.LongSymbol})
		if err != nil {
			return nil, err
		}
		sq, sok := quotes[c.ShortSymbol]
		lq, lok := quotes[c.LongSymbol]
		if !sok || !lok || !sq.Executable() || !lq.Executable() {
			if c.IlliquidSteps >= cc.MaxIlliquidSteps {
				c.Reason = ReasonIlliquid
				return c, nil
			}
			c.IlliquidSteps++
			continue
		}
		c.ShortQuote, c.LongQuote = sq, lq
		c.Credit = util.RoundCents(sq.Mid() - lq.Mid())
		if c.Credit >= s.minCredit(side)-creditEpsilon {
			c.Viable = true
			c.Reason = ""
			return c, nil
		}

		next := dist - cc.TightenStep
		if next < cc.MinOTMDistance-creditEpsilon || cc.TightenStep <= 0 {
			c.Reason = fmt.Sprintf("%s (%.2f < %.2f)", ReasonCreditFloor, c.Credit, s.minCredit(side))
			return c, nil
		}
		dist = next
		c.Tightenings++
	}
}

package strategy

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/mock"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExpiry = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// vix that yields a 50 point expected move at 5000
const testVIX = 15.87

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Symbol:           "SPX",
		OptionRoot:       "SPXW",
		VolatilitySymbol: "VIX",
		Quantity:         1,
		StrikeIncrement:  5,
		SpreadWidth:      10,
		Trend:            testTrendConfig(),
		Credit: config.CreditConfig{
			MinCallCredit:     0.5,
			MinPutCredit:      0.5,
			NeutralOneSided:   config.NeutralPolicySkip,
			EMMultiplier:      1,
			MinOTMDistance:    20,
			TightenStep:       5,
			MaxIlliquidSteps:  2,
			MaxConflictShifts: 2,
		},
	}
}

// curveQuoter prices options on a convex curve around 5000 and records requests.
type curveQuoter struct {
	illiquid  func(broker.OptionSymbol) bool
	err       error
	requested []string
	mu        sync.Mutex
}

func curveMid(o broker.OptionSymbol) float64 {
	var d float64
	if o.Type == broker.OptionTypeCall {
		d = (5100 - o.Strike) / 10
	} else {
		d = (o.Strike - 4900) / 10
	}
	if d <= 0 {
		return 0
	}
	return d * d * 0.1
}

func (q *curveQuoter) GetQuotes(_ context.Context, symbols []string) (map[string]broker.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requested = append(q.requested, symbols...)
	if q.err != nil {
		return nil, q.err
	}
	out := make(map[string]broker.Quote)
	for _, s := range symbols {
		o, err := broker.ParseOptionSymbol(s)
		if err != nil {
			continue
		}
		mid := curveMid(o)
		if q.illiquid != nil && q.illiquid(o) {
			out[s] = broker.Quote{Symbol: s, Bid: 0, Ask: 0.05}
			continue
		}
		out[s] = broker.Quote{Symbol: s, Bid: mid - 0.05, Ask: mid + 0.05, Time: time.Now()}
	}
	return out, nil
}

func (q *curveQuoter) requestedTypes() map[broker.OptionType]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[broker.OptionType]int)
	for _, s := range q.requested {
		if o, err := broker.ParseOptionSymbol(s); err == nil {
			out[o.Type]++
		}
	}
	return out
}

func TestExpectedMove(t *testing.T) {
	assert.Equal(t, 50.0, ExpectedMove(5000, testVIX, 5))
	assert.Equal(t, 55.0, ExpectedMove(5800, 15, 5))
	assert.Equal(t, 0.0, ExpectedMove(5000, 0, 5))
}

func TestSelect_BaseStrikesAtExpectedMove(t *testing.T) {
	s := NewSelector(&curveQuoter{}, testStrategyConfig(), quietLogger())

	sel, err := s.Select(context.Background(), testExpiry, 5000, testVIX, models.Sides, nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, sel.ExpectedMove)

	call := sel.Candidates[models.SideCall]
	require.NotNil(t, call)
	assert.True(t, call.Viable)
	assert.Equal(t, 5050.0, call.ShortStrike)
	assert.Equal(t, 5060.0, call.LongStrike)
	assert.InDelta(t, 0.9, call.Credit, 1e-9)
	assert.Equal(t, "SPXW260302C05050000", call.ShortSymbol)

	put := sel.Candidates[models.SidePut]
	require.NotNil(t, put)
	assert.True(t, put.Viable)
	assert.Equal(t, 4950.0, put.ShortStrike)
	assert.Equal(t, 4940.0, put.LongStrike)
	assert.Equal(t, "SPXW260302P04950000", put.ShortSymbol)
}

func TestSelect_TightensUntilCreditMet(t *testing.T) {
	cfg := testStrategyConfig()
	cfg.Credit.MinCallCredit = 1.0
	s := NewSelector(&curveQuoter{}, cfg, quietLogger())

	sel, err := s.Select(context.Background(), testExpiry, 5000, testVIX, []models.Side{models.SideCall}, nil)
	require.NoError(t, err)
	c := sel.Candidates[models.SideCall]
	assert.True(t, c.Viable)
	assert.Equal(t, 1, c.Tightenings)
	assert.Equal(t, 5045.0, c.ShortStrike)
	assert.Equal(t, 5055.0, c.LongStrike)
	assert.Equal(t, 45.0, c.Distance)
}

func TestSelect_StopsAtMinimumDistance(t *testing.T) {
	cfg := testStrategyConfig()
	cfg.Credit.MinCallCredit = 5.0
	s := NewSelector(&curveQuoter{}, cfg, quietLogger())

	sel, err := s.Select(context.Background(), testExpiry, 5000, testVIX, []models.Side{models.SideCall}, nil)
	require.NoError(t, err)
	c := sel.Candidates[models.SideCall]
	assert.False(t, c.Viable)
	assert.Contains(t, c.Reason, ReasonCreditFloor)
	assert.Equal(t, 6, c.Tightenings)
	assert.Equal(t, 5020.0, c.ShortStrike)
	assert.False(t, sel.Viable(models.SideCall))
}

func TestSelect_IlliquidStepsTowardMoney(t *testing.T) {
	q := &curveQuoter{illiquid: func(o broker.OptionSymbol) bool { return o.Strike >= 5060 }}
	s := NewSelector(q, testStrategyConfig(), quietLogger())

	sel, err := s.Select(context.Background(), testExpiry, 5000, testVIX, []models.Side{models.SideCall}, nil)
	require.NoError(t, err)
	c := sel.Candidates[models.SideCall]
	assert.True(t, c.Viable)
	assert.Equal(t, 1, c.IlliquidSteps)
	assert.Equal(t, 5045.0, c.ShortStrike)
	assert.Equal(t, 5055.0, c.LongStrike)
}

func TestSelect_IlliquidBudgetExhausted(t *testing.T) {
	q := &curveQuoter{illiquid: func(broker.OptionSymbol) bool { return true }}
	s := NewSelector(q, testStrategyConfig(), quietLogger())

	sel, err := s.Select(context.Background(), testExpiry, 5000, testVIX, []models.Side{models.SidePut}, nil)
	require.NoError(t, err)
	c := sel.Candidates[models.SidePut]
	assert.False(t, c.Viable)
	assert.Equal(t, ReasonIlliquid, c.Reason)
	assert.Equal(t, 2, c.IlliquidSteps)
}

func TestSelect_ShiftsAwayFromOpenStrikes(t *testing.T) {
	s := NewSelector(&curveQuoter{}, testStrategyConfig(), quietLogger())
	occupied := map[models.Side][]float64{models.SideCall: {5050, 5060}}

	sel, err := s.Select(context.Background(), testExpiry, 5000, testVIX, []models.Side{models.SideCall}, occupied)
	require.NoError(t, err)
	c := sel.Candidates[models.SideCall]
	assert.True(t, c.Viable)
	assert.Equal(t, 1, c.ConflictShifts)
	assert.Equal(t, 5055.0, c.ShortStrike)
	assert.Equal(t, 5065.0, c.LongStrike)
}

func TestSelect_ConflictBudgetExhausted(t *testing.T) {
	s := NewSelector(&curveQuoter{}, testStrategyConfig(), quietLogger())
	occupied := map[models.Side][]float64{models.SideCall: {5050, 5055, 5060}}

	sel, err := s.Select(context.Background(), testExpiry, 5000, testVIX, []models.Side{models.SideCall}, occupied)
	require.NoError(t, err)
	c := sel.Candidates[models.SideCall]
	assert.False(t, c.Viable)
	assert.Equal(t, ReasonConflict, c.Reason)
}

func TestSelect_BrokerErrorAborts(t *testing.T) {
	s := NewSelector(&curveQuoter{err: errors.New("boom")}, testStrategyConfig(), quietLogger())
	_, err := s.Select(context.Background(), testExpiry, 5000, testVIX, models.Sides, nil)
	require.Error(t, err)

	_, err = s.Select(context.Background(), testExpiry, 0, testVIX, models.Sides, nil)
	require.Error(t, err)
}

func TestSelect_AgainstSimulatedBroker(t *testing.T) {
	sim := mock.NewSimBroker("SPX", "VIX", 5800, 15)
	cfg := testStrategyConfig()
	cfg.SpreadWidth = 20
	s := NewSelector(sim, cfg, quietLogger())

	sel, err := s.Select(context.Background(), testExpiry, 5800, 15, models.Sides, nil)
	require.NoError(t, err)
	for _, side := range models.Sides {
		c := sel.Candidates[side]
		require.True(t, c.Viable, "%s: %s", side, c.Reason)
		assert.Equal(t, 20.0, math.Abs(c.LongStrike-c.ShortStrike))
		assert.GreaterOrEqual(t, math.Abs(c.ShortStrike-5800), 55.0)
		assert.Greater(t, c.Credit, 0.0)
	}
}

func TestPlanEntry_DirectionalPricesOneSide(t *testing.T) {
	q := &curveQuoter{}
	s := NewSelector(q, testStrategyConfig(), quietLogger())

	plan, err := s.PlanEntry(context.Background(), TrendReading{Signal: models.SignalBearish, Ready: true},
		testExpiry, 5000, testVIX, nil)
	require.NoError(t, err)
	assert.Equal(t, models.KindCallOnly, plan.Decision.Kind)
	assert.Zero(t, q.requestedTypes()[broker.OptionTypePut])
	_, priced := plan.Selection.Candidates[models.SidePut]
	assert.False(t, priced)
}

func TestPlanEntry_NeutralOneViableSide(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		wantKind   models.EntryKind
		wantReason string
	}{
		{"skip policy", config.NeutralPolicySkip, models.KindSkipped, models.SkipCreditGate},
		{"one sided policy", config.NeutralPolicyOneSided, models.KindCallOnly, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStrategyConfig()
			cfg.Credit.MinPutCredit = 10
			cfg.Credit.NeutralOneSided = tt.policy
			s := NewSelector(&curveQuoter{}, cfg, quietLogger())

			plan, err := s.PlanEntry(context.Background(), TrendReading{Signal: models.SignalNeutral, Ready: true},
				testExpiry, 5000, testVIX, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, plan.Decision.Kind)
			assert.Equal(t, tt.wantReason, plan.SkipReason)
			if tt.wantKind == models.KindSkipped {
				assert.Contains(t, plan.Decision.Reason, "put: "+ReasonCreditFloor)
			}
		})
	}
}

func TestPlanEntry_ConflictSkipReason(t *testing.T) {
	s := NewSelector(&curveQuoter{}, testStrategyConfig(), quietLogger())
	occupied := map[models.Side][]float64{models.SideCall: {5050, 5055, 5060}}

	plan, err := s.PlanEntry(context.Background(), TrendReading{Signal: models.SignalBearish, Ready: true},
		testExpiry, 5000, testVIX, occupied)
	require.NoError(t, err)
	assert.Equal(t, models.KindSkipped, plan.Decision.Kind)
	assert.Equal(t, models.SkipStrikeConflict, plan.SkipReason)
}

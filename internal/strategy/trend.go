package strategy

import (
	"math"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
)

// ExponentialMA is a streaming exponential moving average seeded by its first sample.
type ExponentialMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
}

// NewEMA creates an EMA with alpha = 2/(period+1).
func NewEMA(period int) *ExponentialMA {
	return &ExponentialMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Update adds a sample.
func (e *ExponentialMA) Update(v float64) {
	if e.count == 0 {
		e.ema = v
	} else {
		e.ema = (v-e.ema)*e.multiplier + e.ema
	}
	e.count++
}

// Ready reports whether at least period samples were seen.
func (e *ExponentialMA) Ready() bool {
	return e.count >= e.period
}

// Value returns the current average.
func (e *ExponentialMA) Value() float64 {
	return e.ema
}

// TrendReading is the filter's classification at one point in time.
type TrendReading struct {
	Signal     models.TrendSignal
	Fast       float64
	Slow       float64
	Divergence float64
	Samples    int
	Ready      bool
}

// TrendFilter classifies the underlying with a fast and a slow EMA.
type TrendFilter struct {
	lastSample time.Time
	fast       *ExponentialMA
	slow       *ExponentialMA
	cfg        config.TrendConfig
}

// NewTrendFilter creates a filter from configuration.
func NewTrendFilter(cfg config.TrendConfig) *TrendFilter {
	return &TrendFilter{
		fast: NewEMA(cfg.FastPeriod),
		slow: NewEMA(cfg.SlowPeriod),
		cfg:  cfg,
	}
}

// Observe feeds a price. Samples closer than the sample interval to the
// previous one are ignored; it reports whether the sample was taken.
func (f *TrendFilter) Observe(now time.Time, price float64) bool {
	if price <= 0 || math.IsNaN(price) {
		return false
	}
	if !f.lastSample.IsZero() && now.Sub(f.lastSample) < f.cfg.SampleInterval {
		return false
	}
	f.fast.Update(price)
	f.slow.Update(price)
	f.lastSample = now
	return true
}

// Reading classifies the current state. Until the slow average is warmed up
// the signal is NEUTRAL with Ready false.
func (f *TrendFilter) Reading() TrendReading {
	r := TrendReading{
		Signal:  models.SignalNeutral,
		Fast:    f.fast.Value(),
		Slow:    f.slow.Value(),
		Samples: f.slow.count,
		Ready:   f.slow.Ready(),
	}
	if r.Slow > 0 {
		r.Divergence = (r.Fast - r.Slow) / r.Slow
	}
	if !r.Ready || math.Abs(r.Divergence) < f.cfg.NeutralThreshold {
		return r
	}
	if r.Fast < r.Slow {
		r.Signal = models.SignalBearish
	} else {
		r.Signal = models.SignalBullish
	}
	return r
}

// State exports the averages for the snapshot.
func (f *TrendFilter) State() models.TrendState {
	return models.TrendState{
		LastSample: f.lastSample,
		Fast:       f.fast.Value(),
		Slow:       f.slow.Value(),
		Samples:    f.slow.count,
	}
}

// Restore resumes from a snapshot taken earlier the same day.
func (f *TrendFilter) Restore(st models.TrendState) {
	if st.Samples <= 0 {
		return
	}
	f.fast.ema, f.fast.count = st.Fast, st.Samples
	f.slow.ema, f.slow.count = st.Slow, st.Samples
	f.lastSample = st.LastSample
}

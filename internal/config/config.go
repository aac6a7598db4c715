// Package config provides configuration management for the trading bot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Policies for a NEUTRAL signal with exactly one viable side.
const (
	NeutralPolicySkip     = "skip"
	NeutralPolicyOneSided = "one_sided"
)

// Defaults applied by Validate when a value is unset.
const (
	defaultTimezone         = "America/New_York"
	defaultFastPeriod       = 20
	defaultSlowPeriod       = 40
	defaultNeutralThreshold = 0.002
	defaultOneSidedMult     = 2.0
	defaultMinStopLevel     = 0.50
	defaultConsecutive      = 5
	defaultWindowSize       = 10
	defaultWindowFailures   = 5
	defaultCloseAttempts    = 5
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Risk           RiskConfig           `yaml:"risk"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Emergency      EmergencyConfig      `yaml:"emergency"`
	Registry       RegistryConfig       `yaml:"registry"`
	Storage        StorageConfig        `yaml:"storage"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode       string `yaml:"mode"`        // paper | live | simulate
	LogLevel   string `yaml:"log_level"`   // debug | info | warn | error
	StrategyID string `yaml:"strategy_id"` // owner id written to the position registry
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider       string        `yaml:"provider"`
	APIKey         string        `yaml:"api_key"`
	APIEndpoint    string        `yaml:"api_endpoint"`
	AccountID      string        `yaml:"account_id"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"` // rate-limit retries only
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// BlackoutWindow is a local-time interval with no new entries.
type BlackoutWindow struct {
	Start string `yaml:"start"` // "HH:MM"
	End   string `yaml:"end"`   // "HH:MM"
}

// ScheduleConfig defines the trading day and polling cadence.
type ScheduleConfig struct {
	Timezone       string           `yaml:"timezone"`
	MarketOpen     string           `yaml:"market_open"`     // "HH:MM"
	MarketClose    string           `yaml:"market_close"`    // "HH:MM"
	SettlementTime string           `yaml:"settlement_time"` // "HH:MM"
	EntryTimes     []string         `yaml:"entry_times"`
	EntryWindow    time.Duration    `yaml:"entry_window"`
	Blackouts      []BlackoutWindow `yaml:"blackouts"`
	PollFast       time.Duration    `yaml:"poll_fast"`
	PollActive     time.Duration    `yaml:"poll_active"`
	PollIdle       time.Duration    `yaml:"poll_idle"`
	PollHalted     time.Duration    `yaml:"poll_halted"`
	ShutdownGrace  time.Duration    `yaml:"shutdown_grace"`
}

// StrategyConfig defines iron-condor parameters.
type StrategyConfig struct {
	Symbol           string       `yaml:"symbol"`
	OptionRoot       string       `yaml:"option_root"` // e.g. SPXW for same-day SPX weeklies
	VolatilitySymbol string       `yaml:"volatility_symbol"`
	Quantity         int          `yaml:"quantity"`
	StrikeIncrement  float64      `yaml:"strike_increment"`
	SpreadWidth      float64      `yaml:"spread_width"`
	FeePerContract   float64      `yaml:"fee_per_contract"`
	Trend            TrendConfig  `yaml:"trend"`
	Credit           CreditConfig `yaml:"credit"`
	Stops            StopConfig   `yaml:"stops"`
	Fills            FillConfig   `yaml:"fills"`
}

// TrendConfig configures the EMA trend filter.
type TrendConfig struct {
	FastPeriod       int           `yaml:"fast_period"`
	SlowPeriod       int           `yaml:"slow_period"`
	NeutralThreshold float64       `yaml:"neutral_threshold"` // fraction, 0.002 = 0.2%
	SampleInterval   time.Duration `yaml:"sample_interval"`
}

// CreditConfig configures strike selection and the credit gate.
type CreditConfig struct {
	MinCallCredit     float64 `yaml:"min_call_credit"`
	MinPutCredit      float64 `yaml:"min_put_credit"`
	NeutralOneSided   string  `yaml:"neutral_one_sided"` // skip | one_sided
	EMMultiplier      float64 `yaml:"em_multiplier"`
	MinOTMDistance    float64 `yaml:"min_otm_distance"`
	TightenStep       float64 `yaml:"tighten_step"`
	MaxIlliquidSteps  int     `yaml:"max_illiquid_steps"`
	MaxConflictShifts int     `yaml:"max_conflict_shifts"`
}

// StopConfig configures stop levels.
type StopConfig struct {
	Enhanced           bool    `yaml:"enhanced"`
	EnhancedFloor      float64 `yaml:"enhanced_floor"`
	EnhancedOffset     float64 `yaml:"enhanced_offset"`
	OneSidedMultiplier float64 `yaml:"one_sided_multiplier"`
	MinStopLevel       float64 `yaml:"min_stop_level"`
}

// LadderStep is one attempt of the entry price ladder.
type LadderStep struct {
	Tolerance float64 `yaml:"tolerance"` // fraction of mid conceded to the market
	Kind      string  `yaml:"kind"`      // limit | market
}

// FillConfig configures leg placement and fill verification.
type FillConfig struct {
	Ladder        []LadderStep  `yaml:"ladder"`
	FillTimeout   time.Duration `yaml:"fill_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	LookupRetries int           `yaml:"lookup_retries"`
	LookupDelay   time.Duration `yaml:"lookup_delay"`
	PriceTick     float64       `yaml:"price_tick"`
}

// RiskConfig defines cross-entry breakers.
type RiskConfig struct {
	CascadeStops            int           `yaml:"cascade_stops"`
	MaxDailyLoss            float64       `yaml:"max_daily_loss"` // positive dollars
	ROCThreshold            float64       `yaml:"roc_threshold"`  // fraction, 0.03 = 3%
	HoldSafeCushion         float64       `yaml:"hold_safe_cushion"`
	HoldMargin              float64       `yaml:"hold_margin"`
	HoldMarginPct           float64       `yaml:"hold_margin_pct"`
	FastCushion             float64       `yaml:"fast_cushion"`
	ReconcileInterval       time.Duration `yaml:"reconcile_interval"`
	ReconcileEscalatePasses int           `yaml:"reconcile_escalate_passes"`
}

// CircuitBreakerConfig defines broker failure detection.
type CircuitBreakerConfig struct {
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	WindowSize          int           `yaml:"window_size"`
	WindowFailures      int           `yaml:"window_failures"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

// EmergencyConfig defines protective-close behavior.
type EmergencyConfig struct {
	MaxCloseAttempts   int           `yaml:"max_close_attempts"`
	MaxSpreadPct       float64       `yaml:"max_spread_pct"`
	SpreadWaitCycles   int           `yaml:"spread_wait_cycles"`
	SpreadWaitInterval time.Duration `yaml:"spread_wait_interval"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
}

// RegistryConfig locates the shared ownership registry and intervention flag.
type RegistryConfig struct {
	Path        string        `yaml:"path"`
	FlagPath    string        `yaml:"flag_path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// StorageConfig defines snapshot and journal locations.
type StorageConfig struct {
	Path          string        `yaml:"path"`
	JournalPath   string        `yaml:"journal_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AlertsConfig defines alert transport.
type AlertsConfig struct {
	WebhookURL  string        `yaml:"webhook_url"`
	Username    string        `yaml:"username"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// DashboardConfig defines the status HTTP server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate normalizes defaults and checks that all values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	switch c.Environment.Mode {
	case "paper", "live", "simulate":
	default:
		return fmt.Errorf("environment.mode must be 'paper', 'live' or 'simulate'")
	}
	if c.Environment.StrategyID == "" {
		return fmt.Errorf("environment.strategy_id is required")
	}

	if !c.IsSimulated() {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	}

	s := c.Strategy
	if s.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if s.VolatilitySymbol == "" {
		return fmt.Errorf("strategy.volatility_symbol is required")
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("strategy.quantity must be > 0")
	}
	if s.StrikeIncrement <= 0 {
		return fmt.Errorf("strategy.strike_increment must be > 0")
	}
	if s.SpreadWidth < s.StrikeIncrement {
		return fmt.Errorf("strategy.spread_width (%.2f) must be >= strike_increment (%.2f)",
			s.SpreadWidth, s.StrikeIncrement)
	}
	if s.FeePerContract < 0 {
		return fmt.Errorf("strategy.fee_per_contract must be >= 0")
	}
	if s.Trend.FastPeriod <= 0 || s.Trend.SlowPeriod <= s.Trend.FastPeriod {
		return fmt.Errorf("strategy.trend periods must satisfy 0 < fast_period < slow_period")
	}
	if s.Trend.NeutralThreshold <= 0 || s.Trend.NeutralThreshold >= 0.1 {
		return fmt.Errorf("strategy.trend.neutral_threshold must be in (0, 0.1)")
	}
	if s.Credit.MinCallCredit <= 0 || s.Credit.MinPutCredit <= 0 {
		return fmt.Errorf("strategy.credit minimums must be > 0")
	}
	if s.Credit.NeutralOneSided != NeutralPolicySkip && s.Credit.NeutralOneSided != NeutralPolicyOneSided {
		return fmt.Errorf("strategy.credit.neutral_one_sided must be '%s' or '%s'",
			NeutralPolicySkip, NeutralPolicyOneSided)
	}
	if s.Credit.MinOTMDistance < 0 || s.Credit.TightenStep <= 0 {
		return fmt.Errorf("strategy.credit.min_otm_distance must be >= 0 and tighten_step > 0")
	}
	if s.Stops.OneSidedMultiplier < 1 {
		return fmt.Errorf("strategy.stops.one_sided_multiplier must be >= 1")
	}
	if s.Stops.MinStopLevel <= 0 {
		return fmt.Errorf("strategy.stops.min_stop_level must be > 0")
	}
	if s.Stops.Enhanced && (s.Stops.EnhancedOffset <= 0 || s.Stops.EnhancedOffset >= s.Stops.EnhancedFloor) {
		return fmt.Errorf("strategy.stops.enhanced_offset must be in (0, enhanced_floor)")
	}
	if len(s.Fills.Ladder) == 0 {
		return fmt.Errorf("strategy.fills.ladder must have at least one step")
	}
	for i, step := range s.Fills.Ladder {
		if step.Kind != "limit" && step.Kind != "market" {
			return fmt.Errorf("strategy.fills.ladder[%d].kind must be 'limit' or 'market'", i)
		}
		if step.Tolerance < 0 || step.Tolerance > 1 {
			return fmt.Errorf("strategy.fills.ladder[%d].tolerance must be in [0,1]", i)
		}
	}

	if c.Risk.CascadeStops <= 0 {
		return fmt.Errorf("risk.cascade_stops must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.ROCThreshold <= 0 {
		return fmt.Errorf("risk.roc_threshold must be > 0")
	}

	cb := c.CircuitBreaker
	if cb.WindowFailures > cb.WindowSize {
		return fmt.Errorf("circuit_breaker.window_failures (%d) must be <= window_size (%d)",
			cb.WindowFailures, cb.WindowSize)
	}

	if c.Registry.Path == "" || c.Registry.FlagPath == "" {
		return fmt.Errorf("registry.path and registry.flag_path are required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	loc := c.Location()
	if len(c.Schedule.EntryTimes) == 0 {
		return fmt.Errorf("schedule.entry_times must not be empty")
	}
	openClock, err1 := parseClock(c.Schedule.MarketOpen, loc)
	closeClock, err2 := parseClock(c.Schedule.MarketClose, loc)
	settleClock, err3 := parseClock(c.Schedule.SettlementTime, loc)
	if err1 != nil || err2 != nil || err3 != nil || !openClock.Before(closeClock) || settleClock.Before(closeClock) {
		return fmt.Errorf("schedule market_open < market_close <= settlement_time required")
	}
	var prev time.Time
	for i, et := range c.Schedule.EntryTimes {
		t, err := parseClock(et, loc)
		if err != nil {
			return fmt.Errorf("schedule.entry_times[%d] invalid: %w", i, err)
		}
		if t.Before(openClock) || !t.Before(closeClock) {
			return fmt.Errorf("schedule.entry_times[%d] (%s) outside market hours", i, et)
		}
		if i > 0 && !t.After(prev) {
			return fmt.Errorf("schedule.entry_times must be strictly increasing")
		}
		prev = t
	}
	for i, b := range c.Schedule.Blackouts {
		s, err1 := parseClock(b.Start, loc)
		e, err2 := parseClock(b.End, loc)
		if err1 != nil || err2 != nil || !s.Before(e) {
			return fmt.Errorf("schedule.blackouts[%d] invalid (start/end parse/order)", i)
		}
	}

	return nil
}

// normalize sets default values for unset fields.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	setDuration(&c.Broker.Timeout, 10*time.Second)
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 3
	}
	setDuration(&c.Broker.InitialBackoff, time.Second)
	setDuration(&c.Broker.MaxBackoff, 30*time.Second)

	sc := &c.Schedule
	setString(&sc.Timezone, defaultTimezone)
	setString(&sc.MarketOpen, "09:30")
	setString(&sc.MarketClose, "16:00")
	setString(&sc.SettlementTime, "16:15")
	setDuration(&sc.EntryWindow, 5*time.Minute)
	setDuration(&sc.PollFast, 2*time.Second)
	setDuration(&sc.PollActive, 5*time.Second)
	setDuration(&sc.PollIdle, 30*time.Second)
	setDuration(&sc.PollHalted, 2*time.Minute)
	setDuration(&sc.ShutdownGrace, 60*time.Second)

	st := &c.Strategy
	setString(&st.OptionRoot, st.Symbol)
	if st.Quantity == 0 {
		st.Quantity = 1
	}
	if st.Trend.FastPeriod == 0 {
		st.Trend.FastPeriod = defaultFastPeriod
	}
	if st.Trend.SlowPeriod == 0 {
		st.Trend.SlowPeriod = defaultSlowPeriod
	}
	if st.Trend.NeutralThreshold == 0 {
		st.Trend.NeutralThreshold = defaultNeutralThreshold
	}
	setDuration(&st.Trend.SampleInterval, time.Minute)
	setString(&st.Credit.NeutralOneSided, NeutralPolicySkip)
	if st.Credit.EMMultiplier == 0 {
		st.Credit.EMMultiplier = 1.0
	}
	if st.Credit.TightenStep == 0 {
		st.Credit.TightenStep = st.StrikeIncrement
	}
	if st.Credit.MaxIlliquidSteps == 0 {
		st.Credit.MaxIlliquidSteps = 3
	}
	if st.Credit.MaxConflictShifts == 0 {
		st.Credit.MaxConflictShifts = 3
	}
	if st.Stops.OneSidedMultiplier == 0 {
		st.Stops.OneSidedMultiplier = defaultOneSidedMult
	}
	if st.Stops.MinStopLevel == 0 {
		st.Stops.MinStopLevel = defaultMinStopLevel
	}
	if len(st.Fills.Ladder) == 0 {
		st.Fills.Ladder = []LadderStep{
			{Tolerance: 0, Kind: "limit"},
			{Tolerance: 0.05, Kind: "limit"},
			{Tolerance: 0.10, Kind: "limit"},
			{Tolerance: 0, Kind: "market"},
		}
	}
	setDuration(&st.Fills.FillTimeout, 20*time.Second)
	setDuration(&st.Fills.PollInterval, time.Second)
	if st.Fills.LookupRetries == 0 {
		st.Fills.LookupRetries = 3
	}
	setDuration(&st.Fills.LookupDelay, 2*time.Second)
	if st.Fills.PriceTick == 0 {
		st.Fills.PriceTick = 0.05
	}

	r := &c.Risk
	if r.HoldSafeCushion == 0 {
		r.HoldSafeCushion = 0.5
	}
	if r.HoldMargin == 0 {
		r.HoldMargin = 100
	}
	if r.HoldMarginPct == 0 {
		r.HoldMarginPct = 0.25
	}
	if r.FastCushion == 0 {
		r.FastCushion = 0.3
	}
	setDuration(&r.ReconcileInterval, 5*time.Minute)
	if r.ReconcileEscalatePasses == 0 {
		r.ReconcileEscalatePasses = 2
	}

	cb := &c.CircuitBreaker
	if cb.ConsecutiveFailures == 0 {
		cb.ConsecutiveFailures = defaultConsecutive
	}
	if cb.WindowSize == 0 {
		cb.WindowSize = defaultWindowSize
	}
	if cb.WindowFailures == 0 {
		cb.WindowFailures = defaultWindowFailures
	}
	setDuration(&cb.Cooldown, 5*time.Minute)

	em := &c.Emergency
	if em.MaxCloseAttempts == 0 {
		em.MaxCloseAttempts = defaultCloseAttempts
	}
	if em.MaxSpreadPct == 0 {
		em.MaxSpreadPct = 0.5
	}
	if em.SpreadWaitCycles == 0 {
		em.SpreadWaitCycles = 3
	}
	setDuration(&em.SpreadWaitInterval, 2*time.Second)
	setDuration(&em.RetryDelay, 2*time.Second)

	setDuration(&c.Registry.LockTimeout, 10*time.Second)
	setDuration(&c.Storage.FlushInterval, 30*time.Second)
	setDuration(&c.Alerts.MinInterval, time.Minute)
	setString(&c.Alerts.Username, "dunder-condor")
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

// IsPaperTrading returns true if orders go to the broker sandbox.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsSimulated returns true if the in-process simulated broker is used.
func (c *Config) IsSimulated() bool {
	return c.Environment.Mode == "simulate"
}

// Location returns the schedule timezone with a DST-agnostic fallback for minimal containers.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallbackLoc
		}
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Session holds the wall-clock times of one trading day.
type Session struct {
	Open       time.Time
	Close      time.Time
	Settlement time.Time
	Entries    []time.Time
}

// SessionFor resolves the configured clock times on the calendar day of now.
func (c *Config) SessionFor(now time.Time) Session {
	loc := c.Location()
	day := now.In(loc)
	s := Session{
		Open:       atClock(day, c.Schedule.MarketOpen, loc),
		Close:      atClock(day, c.Schedule.MarketClose, loc),
		Settlement: atClock(day, c.Schedule.SettlementTime, loc),
	}
	for _, et := range c.Schedule.EntryTimes {
		s.Entries = append(s.Entries, atClock(day, et, loc))
	}
	return s
}

// IsTradingDay reports whether now falls on a weekday; holidays come from the broker clock.
func (c *Config) IsTradingDay(now time.Time) bool {
	wd := now.In(c.Location()).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsWithinTradingHours checks if the given time falls within configured market hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	s := c.SessionFor(now)
	// Inclusive start, exclusive end
	return !now.Before(s.Open) && now.Before(s.Close)
}

// InBlackout reports whether now is inside a configured blackout window.
func (c *Config) InBlackout(now time.Time) bool {
	loc := c.Location()
	day := now.In(loc)
	for _, b := range c.Schedule.Blackouts {
		start := atClock(day, b.Start, loc)
		end := atClock(day, b.End, loc)
		if !now.Before(start) && now.Before(end) {
			return true
		}
	}
	return false
}

// DateKey returns the trading date of now as YYYY-MM-DD in the schedule timezone.
func (c *Config) DateKey(now time.Time) string {
	return now.In(c.Location()).Format("2006-01-02")
}

func parseClock(v string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("15:04", v, loc)
}

func atClock(day time.Time, clock string, loc *time.Location) time.Time {
	t, err := parseClock(clock, loc)
	if err != nil {
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

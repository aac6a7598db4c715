package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "paper", StrategyID: "condor-a"},
		Broker:      BrokerConfig{APIKey: "test-key", AccountID: "test-account"},
		Schedule: ScheduleConfig{
			EntryTimes: []string{"10:05", "10:35", "11:05"},
		},
		Strategy: StrategyConfig{
			Symbol:           "SPX",
			OptionRoot:       "SPXW",
			VolatilitySymbol: "VIX",
			Quantity:         1,
			StrikeIncrement:  5,
			SpreadWidth:      50,
			Credit: CreditConfig{
				MinCallCredit:  1.0,
				MinPutCredit:   1.75,
				MinOTMDistance: 25,
			},
		},
		Risk:     RiskConfig{CascadeStops: 3, MaxDailyLoss: 1500, ROCThreshold: 0.03},
		Registry: RegistryConfig{Path: "registry.json", FlagPath: "critical.json"},
		Storage:  StorageConfig{Path: "state.json"},
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	t.Setenv("TRADIER_API_KEY", "k")
	t.Setenv("TRADIER_ACCOUNT_ID", "acc")
	cfg, err := Load(filepath.Join("..", "..", "config.yaml.example"))
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Broker.APIKey)
	assert.Equal(t, "SPXW", cfg.Strategy.OptionRoot)
	assert.Equal(t, 5*time.Minute, cfg.CircuitBreaker.Cooldown)
	assert.Len(t, cfg.Strategy.Fills.Ladder, 4)
	assert.Equal(t, NeutralPolicySkip, cfg.Strategy.Credit.NeutralOneSided)
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment:\n  mode: paper\n  bogus: 1\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Strategy.Trend.FastPeriod)
	assert.Equal(t, 40, cfg.Strategy.Trend.SlowPeriod)
	assert.InDelta(t, 0.002, cfg.Strategy.Trend.NeutralThreshold, 1e-12)
	assert.Equal(t, 5, cfg.CircuitBreaker.ConsecutiveFailures)
	assert.Equal(t, 10, cfg.CircuitBreaker.WindowSize)
	assert.Equal(t, 5, cfg.CircuitBreaker.WindowFailures)
	assert.InDelta(t, 2.0, cfg.Strategy.Stops.OneSidedMultiplier, 1e-12)
	assert.InDelta(t, 5.0, cfg.Strategy.Credit.TightenStep, 1e-12)
	assert.Equal(t, "market", cfg.Strategy.Fills.Ladder[len(cfg.Strategy.Fills.Ladder)-1].Kind)
	assert.Equal(t, "16:15", cfg.Schedule.SettlementTime)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }, "environment.mode"},
		{"missing strategy id", func(c *Config) { c.Environment.StrategyID = "" }, "strategy_id"},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }, "broker.api_key"},
		{"narrow spread", func(c *Config) { c.Strategy.SpreadWidth = 1 }, "spread_width"},
		{"inverted periods", func(c *Config) { c.Strategy.Trend.FastPeriod = 50 }, "trend periods"},
		{"bad policy", func(c *Config) { c.Strategy.Credit.NeutralOneSided = "maybe" }, "neutral_one_sided"},
		{"bad ladder kind", func(c *Config) {
			c.Strategy.Fills.Ladder = []LadderStep{{Kind: "stop"}}
		}, "ladder[0].kind"},
		{"zero cascade", func(c *Config) { c.Risk.CascadeStops = -1 }, "cascade_stops"},
		{"window too small", func(c *Config) {
			c.CircuitBreaker.WindowSize = 3
			c.CircuitBreaker.WindowFailures = 5
		}, "window_failures"},
		{"entry outside hours", func(c *Config) { c.Schedule.EntryTimes = []string{"08:00"} }, "outside market hours"},
		{"entries out of order", func(c *Config) { c.Schedule.EntryTimes = []string{"11:00", "10:00"} }, "strictly increasing"},
		{"bad blackout", func(c *Config) {
			c.Schedule.Blackouts = []BlackoutWindow{{Start: "14:05", End: "14:00"}}
		}, "blackouts[0]"},
		{"enhanced offset too big", func(c *Config) {
			c.Strategy.Stops = StopConfig{Enhanced: true, EnhancedFloor: 1, EnhancedOffset: 2}
		}, "enhanced_offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_SimulateNeedsNoCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.Environment.Mode = "simulate"
	cfg.Broker = BrokerConfig{}
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsSimulated())
	assert.False(t, cfg.IsPaperTrading())
}

func TestSessionFor_ResolvesClockTimes(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, cfg.Validate())
	loc := cfg.Location()

	now := time.Date(2026, 10, 16, 9, 0, 0, 0, loc)
	s := cfg.SessionFor(now)
	assert.Equal(t, time.Date(2026, 10, 16, 9, 30, 0, 0, loc), s.Open)
	assert.Equal(t, time.Date(2026, 10, 16, 16, 0, 0, 0, loc), s.Close)
	require.Len(t, s.Entries, 3)
	assert.Equal(t, time.Date(2026, 10, 16, 10, 35, 0, 0, loc), s.Entries[1])
	assert.Equal(t, "2026-10-16", cfg.DateKey(now))
}

func TestTradingHoursAndBlackouts(t *testing.T) {
	cfg := baseConfig()
	cfg.Schedule.Blackouts = []BlackoutWindow{{Start: "14:00", End: "14:05"}}
	require.NoError(t, cfg.Validate())
	loc := cfg.Location()

	friday := time.Date(2026, 10, 16, 10, 0, 0, 0, loc)
	saturday := time.Date(2026, 10, 17, 10, 0, 0, 0, loc)
	assert.True(t, cfg.IsWithinTradingHours(friday))
	assert.False(t, cfg.IsWithinTradingHours(saturday))
	assert.False(t, cfg.IsWithinTradingHours(time.Date(2026, 10, 16, 16, 0, 0, 0, loc)))

	assert.True(t, cfg.InBlackout(time.Date(2026, 10, 16, 14, 2, 0, 0, loc)))
	assert.False(t, cfg.InBlackout(time.Date(2026, 10, 16, 14, 5, 0, 0, loc)))
}

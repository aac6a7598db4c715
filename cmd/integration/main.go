// Command integration runs read-only pre-flight checks against the paper
// sandbox: connectivity, market data, a dry-run strike plan, ownership of
// held positions and the local state files. It never sends an order.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/mock"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/eddiefleurent/dunder_condor/internal/strategy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const checkTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var simulate bool
	cmd := &cobra.Command{
		Use:          "integration",
		Short:        "Pre-flight checks against the paper sandbox",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())

			var b broker.Broker
			switch {
			case simulate:
				b = mock.NewSimBroker(cfg.Strategy.Symbol, cfg.Strategy.VolatilitySymbol, 5800, 16)
			case cfg.IsPaperTrading():
				// always the sandbox endpoint, whatever the config says
				b = broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, true, "", cfg.Broker.Timeout, logger)
			default:
				return errors.New("integration checks must run in paper mode (environment.mode: paper) or with --simulate")
			}

			c, err := newChecker(cfg, b, logger)
			if err != nil {
				return err
			}
			if failed := c.run(cmd.Context(), cmd.OutOrStdout()); failed > 0 {
				return fmt.Errorf("%d check(s) failed, review before trading", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Run against the built-in simulated broker")
	return cmd
}

type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

type checker struct {
	cfg      *config.Config
	broker   broker.Broker
	registry *registry.Registry
	flag     *safety.CriticalFlag
	store    storage.Interface
	selector *strategy.Selector
	logger   logrus.FieldLogger
	now      func() time.Time

	price, vix float64
}

func newChecker(cfg *config.Config, b broker.Broker, logger *logrus.Logger) (*checker, error) {
	reg, err := registry.New(cfg.Registry.Path, cfg.Registry.LockTimeout)
	if err != nil {
		return nil, err
	}
	flag, err := safety.NewCriticalFlag(cfg.Registry.FlagPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewJSONStorage(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	return &checker{
		cfg:      cfg,
		broker:   b,
		registry: reg,
		flag:     flag,
		store:    store,
		selector: strategy.NewSelector(b, cfg.Strategy, logger),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (c *checker) checks() []check {
	return []check{
		{"Broker connectivity", c.checkClock},
		{"Market data", c.checkMarketData},
		{"Dry-run entry plan", c.checkPlan},
		{"Position ownership", c.checkOwnership},
		{"State snapshot", c.checkSnapshot},
		{"Critical intervention flag", c.checkFlag},
	}
}

// run executes every check and returns the number that failed.
func (c *checker) run(ctx context.Context, out io.Writer) int {
	checks := c.checks()
	failed := 0
	for i, ck := range checks {
		fmt.Fprintf(out, "Check %d: %s\n", i+1, ck.name)
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		detail, err := ck.run(cctx)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(out, "  FAILED: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "  ok: %s\n", detail)
	}
	fmt.Fprintf(out, "%d/%d checks passed\n", len(checks)-failed, len(checks))
	return failed
}

func (c *checker) checkClock(ctx context.Context) (string, error) {
	clock, err := c.broker.GetMarketClock(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("market is %s (%s)", clock.State, clock.Description), nil
}

func (c *checker) checkMarketData(ctx context.Context) (string, error) {
	underlying, vol := c.cfg.Strategy.Symbol, c.cfg.Strategy.VolatilitySymbol
	quotes, err := c.broker.GetQuotes(ctx, []string{underlying, vol})
	if err != nil {
		return "", err
	}
	u, ok := quotes[underlying]
	if !ok || u.Mid() <= 0 {
		return "", fmt.Errorf("%w: %s", broker.ErrNoQuote, underlying)
	}
	v, ok := quotes[vol]
	if !ok || v.Mid() <= 0 {
		return "", fmt.Errorf("%w: %s", broker.ErrNoQuote, vol)
	}
	c.price, c.vix = u.Mid(), v.Mid()
	return fmt.Sprintf("%s %.2f, %s %.2f", underlying, c.price, vol, c.vix), nil
}

// checkPlan prices a neutral entry for today's expiry. A credit-gate skip is
// a valid answer; only pricing errors fail.
func (c *checker) checkPlan(ctx context.Context) (string, error) {
	if c.price <= 0 {
		return "", errors.New("no market data from the previous check")
	}
	now := c.now().In(c.cfg.Location())
	expiry := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.cfg.Location())
	plan, err := c.selector.PlanEntry(ctx, strategy.TrendReading{Signal: models.SignalNeutral}, expiry, c.price, c.vix, nil)
	if err != nil {
		return "", err
	}
	for _, side := range models.Sides {
		cand, ok := plan.Selection.Candidates[side]
		if !ok {
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"side":   side,
			"short":  cand.ShortSymbol,
			"long":   cand.LongSymbol,
			"credit": cand.Credit,
			"viable": cand.Viable,
			"reason": cand.Reason,
		}).Info("Priced side")
	}
	if plan.Decision.Kind == models.KindSkipped {
		return fmt.Sprintf("entry would be skipped: %s (%s)", plan.SkipReason, plan.Decision.Reason), nil
	}
	return fmt.Sprintf("would place %s, expected move %.0f", plan.Decision.Kind, plan.Selection.ExpectedMove), nil
}

// checkOwnership fails when the registry claims a position the broker does not hold.
func (c *checker) checkOwnership(ctx context.Context) (string, error) {
	owned, err := c.registry.Owned(ctx, c.cfg.Environment.StrategyID)
	if err != nil {
		return "", err
	}
	positions, err := c.broker.GetPositions(ctx)
	if err != nil {
		return "", err
	}
	held := make(map[string]bool, len(positions))
	foreign := 0
	for _, p := range positions {
		held[p.Symbol] = true
		if _, ok := owned[p.Symbol]; !ok {
			foreign++
		}
	}
	var missing []string
	for sym := range owned {
		if !held[sym] {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("registry owns %d position(s) the broker does not hold: %v", len(missing), missing)
	}
	return fmt.Sprintf("%d position(s) held, %d owned by %s, %d belong to others",
		len(positions), len(owned), c.cfg.Environment.StrategyID, foreign), nil
}

func (c *checker) checkSnapshot(context.Context) (string, error) {
	snap, err := c.store.Load()
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
		return "no snapshot yet", nil
	case err != nil:
		return "", err
	case snap.StrategyID != "" && snap.StrategyID != c.cfg.Environment.StrategyID:
		return "", fmt.Errorf("snapshot belongs to strategy %q", snap.StrategyID)
	case snap.Day == nil:
		return "snapshot holds no day", nil
	}
	return fmt.Sprintf("day %s, phase %s, %d entries, %d open", snap.Day.Date, snap.Day.Phase,
		len(snap.Day.Entries), len(snap.Day.OpenEntries())), nil
}

func (c *checker) checkFlag(context.Context) (string, error) {
	st, err := c.flag.State()
	if err != nil {
		return "", err
	}
	if st.Set {
		return "", fmt.Errorf("set since %s: %s", st.SetAt.Format(time.RFC3339), st.Reason)
	}
	return "clear", nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eddiefleurent/dunder_condor/internal/config"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/registry"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// statusReport is what the status command prints.
type statusReport struct {
	Day      *models.DailyState         `json:"day"`
	Critical safety.FlagState           `json:"critical_flag"`
	Owned    map[string]registry.Record `json:"owned_positions"`
	Snapshot string                     `json:"snapshot"`
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the saved day, the intervention flag and owned positions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			report := statusReport{Snapshot: cfg.Storage.Path}

			store, err := storage.NewJSONStorage(cfg.Storage.Path)
			if err != nil {
				return err
			}
			snap, err := store.Load()
			switch {
			case errors.Is(err, storage.ErrNoSnapshot):
			case err != nil:
				return err
			default:
				report.Day = snap.Day
			}

			flag, err := safety.NewCriticalFlag(cfg.Registry.FlagPath)
			if err != nil {
				return err
			}
			if report.Critical, err = flag.State(); err != nil {
				return err
			}

			reg, err := registry.New(cfg.Registry.Path, cfg.Registry.LockTimeout)
			if err != nil {
				return err
			}
			if report.Owned, err = reg.Owned(cmd.Context(), cfg.Environment.StrategyID); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the saved day with broker positions once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			logger.SetOutput(cmd.ErrOrStderr())

			bot, err := buildBot(cfg, logger)
			if err != nil {
				return err
			}
			defer bot.Close()

			day := models.NewDailyState(cfg.DateKey(bot.now()))
			snap, err := bot.storage.Load()
			switch {
			case errors.Is(err, storage.ErrNoSnapshot):
				logger.Info("No snapshot found, expecting no open legs")
			case err != nil:
				return err
			case snap.Day != nil:
				day = snap.Day
			}

			r := NewReconciler(bot)
			r.escalate = 0 // a single manual pass never latches the flag
			found, err := r.Reconcile(cmd.Context(), day)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), found); err != nil {
				return err
			}
			if len(found) > 0 {
				return fmt.Errorf("%d position discrepancies", len(found))
			}
			return nil
		},
	}
}

func newClearInterventionCmd(configPath *string) *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   "clear-intervention",
		Short: "Clear the critical intervention flag after manual review",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			flag, err := safety.NewCriticalFlag(cfg.Registry.FlagPath)
			if err != nil {
				return err
			}
			prev, err := flag.State()
			if err != nil {
				logger.WithError(err).Warn("Flag file unreadable, clearing anyway")
			}
			if err == nil && !prev.Set {
				fmt.Fprintln(cmd.OutOrStdout(), "critical intervention flag is not set")
				return nil
			}
			if err := flag.Clear(by, reason); err != nil {
				return err
			}

			if cfg.Storage.JournalPath != "" {
				j, err := storage.NewSQLiteJournal(cfg.Storage.JournalPath)
				if err != nil {
					logger.WithError(err).Warn("Journal unavailable, clear not recorded")
				} else {
					if err := j.RecordEvent(cmd.Context(), storage.EventRecord{
						Kind:    storage.EventCriticalClear,
						Reason:  reason,
						Message: fmt.Sprintf("cleared by %s (was: %s)", by, prev.Reason),
					}); err != nil {
						logger.WithError(err).Warn("Failed to journal flag clear")
					}
					_ = j.Close()
				}
			}
			logger.WithFields(logrus.Fields{
				"by":        by,
				"reason":    reason,
				"was":       prev.Reason,
				"was_set":   prev.SetAt,
				"flag_path": cfg.Registry.FlagPath,
			}).Warn("Critical intervention flag cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "Operator clearing the flag")
	cmd.Flags().StringVar(&reason, "reason", "", "Why automation may resume (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

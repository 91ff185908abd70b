package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/monitoring"
)

// -- migrate --

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the request registry schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show breaker state, request counts and stuck requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		lookback, _ := cmd.Flags().GetInt("failures")
		collector := monitoring.NewCollector(env.Store, env.Gate, env.Orchestrator.Tiers())
		snap, err := collector.Collect(ctx, lookback)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		format, _ := cmd.Flags().GetString("output")
		if format == "text" {
			formatSnapshot(os.Stdout, snap)
			return nil
		}
		return writeDocument(os.Stdout, format, snap)
	},
}

// -- monitor --

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run one alert check and send any alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		_, alerts, err := newChecker(env).Check(ctx)
		if err != nil {
			return eris.Wrap(err, "monitor")
		}
		if len(alerts) == 0 {
			fmt.Fprintln(os.Stderr, "No alerts.")
			return nil
		}
		for _, a := range alerts {
			fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", a.Severity, a.Type, a.Message)
		}
		return nil
	},
}

func formatSnapshot(w io.Writer, snap *monitoring.Snapshot) {
	state := "running"
	if snap.Breaker.Paused {
		state = "PAUSED"
	}
	fmt.Fprintf(w, "Breaker:   %s (%d consecutive failures)\n", state, snap.Breaker.ConsecutiveFailures)
	if !snap.Breaker.LastFailureAt.IsZero() {
		fmt.Fprintf(w, "           last failure %s\n", snap.Breaker.LastFailureAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Requests:  %d submitted, %d manual requested, %d terminal\n",
		snap.Submitted, snap.ManualRequested, snap.Terminal)
	fmt.Fprintf(w, "Stuck:     %d (%d can self-withdraw)\n", snap.StuckTotal, snap.WithdrawOpen)
	for _, s := range snap.Stuck {
		fmt.Fprintf(w, "  #%d  %-20s %-17s age %s\n", s.ID, s.Beneficiary, s.Status, s.Age.Truncate(time.Second))
	}
	if more := snap.StuckTotal - len(snap.Stuck); more > 0 {
		fmt.Fprintf(w, "  ... and %d more\n", more)
	}
	fmt.Fprintf(w, "Failures:  %d recent, %d ledger\n", len(snap.RecentFailures), snap.LedgerFailures)
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "output format (text, json, yaml)")
	statusCmd.Flags().Int("failures", 20, "number of recent failures to include")

	rootCmd.AddCommand(migrateCmd, statusCmd, monitorCmd)
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/risk-oracle/internal/escalation"
	"github.com/sells-group/risk-oracle/internal/model"
)

// -- escalation --

var escalationCmd = &cobra.Command{
	Use:   "escalation <request-id>",
	Short: "Show which remedies are open for a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRequestID(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		av, err := env.Orchestrator.Escalation(ctx, id)
		if err != nil {
			return eris.Wrap(err, "escalation")
		}
		formatAvailability(os.Stdout, av, time.Now())
		return nil
	},
}

// -- manual-request --

var manualRequestCmd = &cobra.Command{
	Use:   "manual-request <request-id>",
	Short: "Flag a stuck request for processor attention (beneficiary only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRequestID(args[0])
		if err != nil {
			return err
		}
		caller, _ := cmd.Flags().GetString("caller")

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Orchestrator.ManualRequest(ctx, id, caller)
		if err != nil {
			return eris.Wrap(err, "manual-request")
		}
		fmt.Fprintf(os.Stdout, "Request %d flagged for manual processing at %s.\n",
			rec.ID, rec.ManualRequestedAt.Format(time.RFC3339))
		return nil
	},
}

// -- finalize --

var finalizeCmd = &cobra.Command{
	Use:   "finalize <request-id>",
	Short: "Manually resolve a stuck request (owner or processor)",
	Long: `Resolve a request whose manual tier is open.

Strategies:
  off_chain_ai          parse --response like a provider result
  force_default_mint    mint at the configured default ratio
  emergency_withdrawal  return the collateral without minting`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRequestID(args[0])
		if err != nil {
			return err
		}
		caller, _ := cmd.Flags().GetString("caller")
		strategy, _ := cmd.Flags().GetString("strategy")
		response, _ := cmd.Flags().GetString("response")

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Orchestrator.ManualFinalize(ctx, id, caller, model.Strategy(strategy), response)
		if err != nil {
			return eris.Wrap(err, "finalize")
		}
		printOutcome(os.Stdout, rec)
		return nil
	},
}

// -- withdraw --

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <request-id>",
	Short: "Emergency self-withdrawal once the emergency tier is open (beneficiary only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRequestID(args[0])
		if err != nil {
			return err
		}
		caller, _ := cmd.Flags().GetString("caller")

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Orchestrator.SelfWithdraw(ctx, id, caller)
		if err != nil {
			return eris.Wrap(err, "withdraw")
		}
		printOutcome(os.Stdout, rec)
		return nil
	},
}

func formatAvailability(w io.Writer, av escalation.Availability, now time.Time) {
	fmt.Fprintf(w, "Request %d (%s)\n", av.RequestID, av.Status)
	if av.Terminal {
		fmt.Fprintln(w, "Request is terminal; no remedies apply.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REMEDY\tOPEN\tOPENS AT\tIN")
	for _, row := range []struct {
		name string
		tier escalation.Tier
	}{
		{"manual-request", av.ManualRequest},
		{"finalize", av.ManualFinalize},
		{"withdraw", av.SelfWithdraw},
	} {
		in := "-"
		if !row.tier.Open && row.tier.OpensAt.After(now) {
			in = row.tier.OpensAt.Sub(now).Truncate(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", row.name, row.tier.Open, row.tier.OpensAt.Format(time.RFC3339), in)
	}
	tw.Flush() //nolint:errcheck
}

func printOutcome(w io.Writer, rec *model.RequestRecord) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request %d is %s (%s", rec.ID, rec.Status, rec.TerminalReason)
	if rec.Strategy != "" {
		fmt.Fprintf(&b, ", %s", rec.Strategy)
	}
	b.WriteString(")")
	if rec.Ratio > 0 && rec.MintAmount != nil {
		fmt.Fprintf(&b, ": ratio %d, confidence %d, mint %s", rec.Ratio, rec.Confidence, rec.MintAmount)
	} else {
		b.WriteString(": collateral withdrawn")
	}
	if rec.PostProcessingError != "" {
		fmt.Fprintf(&b, "\nWarning: ledger notification failed: %s", rec.PostProcessingError)
	}
	fmt.Fprintln(w, b.String())
}

func init() {
	manualRequestCmd.Flags().String("caller", "", "acting party (must be the beneficiary)")
	_ = manualRequestCmd.MarkFlagRequired("caller")

	finalizeCmd.Flags().String("caller", "", "acting party (owner or processor)")
	finalizeCmd.Flags().String("strategy", "", "off_chain_ai, force_default_mint or emergency_withdrawal")
	finalizeCmd.Flags().String("response", "", "assessment text for off_chain_ai")
	_ = finalizeCmd.MarkFlagRequired("caller")
	_ = finalizeCmd.MarkFlagRequired("strategy")

	withdrawCmd.Flags().String("caller", "", "acting party (must be the beneficiary)")
	_ = withdrawCmd.MarkFlagRequired("caller")

	rootCmd.AddCommand(escalationCmd, manualRequestCmd, finalizeCmd, withdrawCmd)
}

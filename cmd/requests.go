package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/risk-oracle/internal/model"
	"github.com/sells-group/risk-oracle/internal/store"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect assessment requests",
	Long:  "Commands for listing and viewing assessment requests and their failure history.",
}

// -- requests list --

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List assessment requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		beneficiary, _ := cmd.Flags().GetString("beneficiary")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RequestFilter{
			Status:      model.RequestStatus(status),
			Beneficiary: beneficiary,
			Limit:       limit,
		}
		if filter.Status != "" && !filter.Status.IsValid() {
			return eris.Errorf("requests list: unknown status %q", status)
		}

		recs, err := st.ListRequests(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "requests list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No requests found.")
			return nil
		}

		formatRequestsList(os.Stdout, recs)
		return nil
	},
}

// -- requests show --

var requestsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show full details of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRequestID(args[0])
		if err != nil {
			return err
		}

		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRequest(ctx, id)
		if err != nil {
			return eris.Wrap(err, "requests show")
		}
		failures, err := st.ListFailures(ctx, store.FailureFilter{RequestID: id})
		if err != nil {
			return eris.Wrap(err, "requests show: failures")
		}

		format, _ := cmd.Flags().GetString("output")
		return writeDocument(os.Stdout, format, requestDetail{Request: rec, Failures: failures})
	},
}

type requestDetail struct {
	Request  *model.RequestRecord  `json:"request" yaml:"request"`
	Failures []model.FailureRecord `json:"failures" yaml:"failures"`
}

func formatRequestsList(w io.Writer, recs []model.RequestRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBENEFICIARY\tSTATUS\tOUTCOME\tRATIO\tMINT\tRETRIES\tCREATED")
	for _, r := range recs {
		outcome := "-"
		if r.TerminalReason != "" {
			outcome = string(r.TerminalReason)
		}
		ratio := "-"
		if r.Ratio > 0 {
			ratio = strconv.Itoa(r.Ratio)
		}
		mint := "-"
		if r.MintAmount != nil {
			mint = r.MintAmount.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			r.Beneficiary,
			r.Status,
			outcome,
			ratio,
			mint,
			r.RetryCount,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush() //nolint:errcheck
}

// writeDocument renders v as "json" (default) or "yaml".
func writeDocument(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so yaml sees the json field names and
		// big.Int values as plain numbers.
		raw, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "encode document")
		}
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return eris.Wrap(err, "convert document")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(doc)
	default:
		return eris.Errorf("unsupported output format %q", format)
	}
}

func parseRequestID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, eris.Errorf("invalid request id %q", s)
	}
	return id, nil
}

func init() {
	requestsListCmd.Flags().String("status", "", "filter by status (submitted, manual_requested, terminal)")
	requestsListCmd.Flags().String("beneficiary", "", "filter by beneficiary")
	requestsListCmd.Flags().Int("limit", 20, "max requests to show")

	requestsShowCmd.Flags().StringP("output", "o", "json", "output format (json, yaml)")

	requestsCmd.AddCommand(requestsListCmd, requestsShowCmd)
	rootCmd.AddCommand(requestsCmd)
}

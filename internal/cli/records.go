package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/store"
)

var (
	recordsState  []string
	recordsTarget string
	recordsLimit  int
	recordsJSON   bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List optimization records from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		f := store.RecordFilter{Target: recordsTarget, Limit: recordsLimit}
		for _, st := range recordsState {
			f.States = append(f.States, store.State(strings.TrimSpace(st)))
		}
		recs, err := s.ListRecords(context.Background(), f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if recordsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tSTATE\tEXPECTED\tACTUAL\tSCORE\tCREATED")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%s\t%s\t%s\n",
				shortID(r.ID), r.Type, r.Target, stateLabel(r), r.ExpectedImprovement,
				fmtFloatPtr(r.ActualImprovement), fmtFloatPtr(r.SuccessScore), fmtAge(r.CreatedAt))
		}
		return tw.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stateLabel(r *store.OptimizationRecord) string {
	switch r.State {
	case store.StateConfirmed:
		return color.GreenString(string(r.State))
	case store.StateRolledBack:
		return color.YellowString("%s (%s)", r.State, r.RollbackReason)
	default:
		return string(r.State)
	}
}

func init() {
	recordsCmd.Flags().StringSliceVar(&recordsState, "state", nil, "Filter by state (repeatable)")
	recordsCmd.Flags().StringVar(&recordsTarget, "target", "", "Filter by target")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 50, "Maximum records to list")
	recordsCmd.Flags().BoolVar(&recordsJSON, "json", false, "Print records as JSON")
	rootCmd.AddCommand(recordsCmd)
}

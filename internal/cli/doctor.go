package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/cliconfig"
)

var (
	doctorFix  bool
	doctorJSON bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, project layout, store and integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := cliconfig.RunDoctorWithOptions(cliconfig.DoctorOptions{Fix: doctorFix})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if doctorJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			for _, c := range report.Checks {
				fmt.Fprintf(out, "%s %-16s %s\n", doctorSymbol(c.Status), c.Name, c.Message)
			}
		}
		if report.HasFailures() {
			return fmt.Errorf("doctor: %d failing check(s)", countStatus(report, cliconfig.DoctorFail))
		}
		return nil
	},
}

func doctorSymbol(s cliconfig.DoctorStatus) string {
	switch s {
	case cliconfig.DoctorFail:
		return color.RedString("✗")
	case cliconfig.DoctorWarn:
		return color.YellowString("!")
	default:
		return color.GreenString("✓")
	}
}

func countStatus(r cliconfig.DoctorReport, s cliconfig.DoctorStatus) int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == s {
			n++
		}
	}
	return n
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Create missing state directories")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Print checks as JSON")
	rootCmd.AddCommand(doctorCmd)
}

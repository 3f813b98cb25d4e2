package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/cliconfig"
	"github.com/KafClaw/autotune/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
	Long: `Paths are dotted keys with optional indexes, for example
planner.topN or collector.targets[0].name. "get" reads the effective value
(defaults, file and AUTOTUNE_* environment merged); "set" and "unset" edit
only the file.`,
}

func init() {
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := config.ConfigPath()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), p)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <path>",
			Short: "Print the effective value at path",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := cliconfig.Get(args[0])
				if err != nil {
					return err
				}
				return printConfigValue(cmd.OutOrStdout(), v)
			},
		},
		&cobra.Command{
			Use:   "set <path> <value>",
			Short: "Write a value (JSON literal or plain string) at path",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cliconfig.Set(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "unset <path>",
			Short: "Remove path from the config file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cliconfig.Unset(args[0])
			},
		},
	)
	rootCmd.AddCommand(configCmd)
}

// printConfigValue prints scalars bare and objects or lists as indented JSON.
func printConfigValue(w io.Writer, v any) error {
	switch v.(type) {
	case map[string]any, []any:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	default:
		_, err := fmt.Fprintln(w, v)
		return err
	}
}

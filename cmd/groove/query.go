package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	errorsLimit  int
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check grooved health",
	Long: `Check the health of grooved and its dependencies.

Examples:
  groove health
  groove health --server http://grooved:7474`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().Health(cmd.Context())
		if h.Status != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", h.Status)
			names := make([]string, 0, len(h.Checks))
			for name := range h.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %s\n", name, h.Checks[name])
			}
		}
		return err
	},
}

var valueCmd = &cobra.Command{
	Use:   "value <learning-id>",
	Short: "Show a learning's estimated value and confidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newClient().Value(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <learning-id>",
	Short: "Show the newest attribution records for a learning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := newClient().History(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), recs)
	},
}

var experimentCmd = &cobra.Command{
	Use:   "experiment <learning-id>",
	Short: "Show a learning's ablation experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, err := newClient().Experiment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), exp)
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List attribution failures kept for replay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := newClient().Errors(cmd.Context(), errorsLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), recs)
	},
}

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Show the active threshold snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		th, err := newClient().Thresholds(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), th)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum records (server default when 0)")
	errorsCmd.Flags().IntVar(&errorsLimit, "limit", 100, "maximum records")
}

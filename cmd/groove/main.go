// Package main implements the groove CLI for querying and operating a grooved
// daemon.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	apihttp "github.com/run-vibes/groove/internal/http"
)

var (
	// serverURL is the base URL of the grooved API.
	serverURL string
	// adminToken authenticates mutating commands.
	adminToken string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "groove",
	Short: "CLI for the groove attribution daemon",
	Long: `groove queries learning values, ablation experiments and error records
kept by grooved, and runs the operator actions: syncing learnings,
re-enabling retired learnings and replaying failed attributions.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("GROOVE_SERVER", "http://127.0.0.1:7474"), "grooved API URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("GROOVE_ADMIN_TOKEN"), "admin token for mutating commands")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(valueCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(experimentCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(thresholdsCmd)
	rootCmd.AddCommand(putLearningCmd)
	rootCmd.AddCommand(withholdCmd)
	rootCmd.AddCommand(reenableCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(outcomeCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *apihttp.Client {
	return apihttp.NewClient(serverURL, adminToken)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/run-vibes/groove/internal/attribution"
	apihttp "github.com/run-vibes/groove/internal/http"
)

var (
	learningScope   string
	learningInsight string
	learningFile    string

	withholdSession   string
	withholdStartedAt string

	replayLimit int
)

var putLearningCmd = &cobra.Command{
	Use:   "put-learning <learning-id>",
	Short: "Create or update a learning's content",
	Long: `Create or update a learning. The insight comes from --insight, or from
a JSON file with scope, insight and embedding fields (--file, "-" for stdin).
A learning's status is owned by grooved and is never changed here.

Examples:
  groove put-learning l-42 --scope myproj --insight "Wrap errors with context"
  groove put-learning l-42 --file learning.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := learningRequest(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := newClient().PutLearning(cmd.Context(), args[0], req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "learning %s saved\n", args[0])
		return nil
	},
}

func learningRequest(stdin io.Reader) (apihttp.LearningRequest, error) {
	var req apihttp.LearningRequest
	if learningFile != "" {
		var data []byte
		var err error
		if learningFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(learningFile)
		}
		if err != nil {
			return req, fmt.Errorf("failed to read %s: %w", learningFile, err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse learning: %w", err)
		}
	}
	if learningScope != "" {
		req.Scope = learningScope
	}
	if learningInsight != "" {
		req.Insight = learningInsight
	}
	if req.Insight == "" {
		return req, fmt.Errorf("an insight is required (--insight or --file)")
	}
	return req, nil
}

var withholdCmd = &cobra.Command{
	Use:   "withhold <learning-id>",
	Short: "Ask whether a learning should be withheld from a session",
	Long: `Ask grooved for the ablation decision for one session. The first call
for a session assigns it to an experiment arm; later calls return the same
answer.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if withholdSession == "" {
			return fmt.Errorf("--session is required")
		}
		sc := attribution.SessionContext{SessionID: withholdSession}
		if withholdStartedAt != "" {
			t, err := time.Parse(time.RFC3339, withholdStartedAt)
			if err != nil {
				return fmt.Errorf("--started-at must be RFC 3339: %w", err)
			}
			sc.StartedAt = t
		}
		withhold, err := newClient().ShouldWithhold(cmd.Context(), args[0], sc)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), apihttp.WithholdResponse{LearningID: args[0], Withhold: withhold})
	},
}

var reenableCmd = &cobra.Command{
	Use:   "reenable <learning-id>",
	Short: "Return a retired learning to active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Reenable(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if resp.Transition == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "learning %s is already active\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "learning %s: %s -> %s\n", args[0], resp.Transition.From, resp.Transition.To)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reprocess attribution failures kept in the error log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient().Replay(cmd.Context(), replayLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	putLearningCmd.Flags().StringVar(&learningScope, "scope", "", "learning scope, usually a project")
	putLearningCmd.Flags().StringVar(&learningInsight, "insight", "", "learning text")
	putLearningCmd.Flags().StringVarP(&learningFile, "file", "f", "", "JSON learning file, - for stdin")

	withholdCmd.Flags().StringVar(&withholdSession, "session", "", "session id")
	withholdCmd.Flags().StringVar(&withholdStartedAt, "started-at", "", "session start time (RFC 3339)")

	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "maximum records to replay (server maximum when 0)")
}

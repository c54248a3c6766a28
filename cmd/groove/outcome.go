package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/run-vibes/groove/internal/attribution"
	"github.com/run-vibes/groove/internal/stream"
)

var (
	natsURL      string
	streamName   string
	outcomeInput string
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Work with outcome events on the broker",
}

var outcomePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish outcome events to JetStream",
	Long: `Publish outcome events, one JSON object per line, from a file or stdin.
Events are validated before publishing; the broker drops event ids it has
already seen.

Examples:
  groove outcome publish -f outcomes.jsonl
  echo '{"event_id":"e1","session_id":"s1","candidate_learning_ids":["l1"],"outcome_value":0.5}' | groove outcome publish`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if outcomeInput != "" && outcomeInput != "-" {
			f, err := os.Open(outcomeInput)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", outcomeInput, err)
			}
			defer f.Close()
			in = f
		}
		return publishOutcomes(cmd.Context(), in, cmd)
	},
}

func publishOutcomes(ctx context.Context, in io.Reader, cmd *cobra.Command) error {
	cfg := stream.DefaultConfig()
	cfg.URL = natsURL
	if streamName != "" {
		cfg.Stream = streamName
	}
	client, err := stream.Connect(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer client.Close()
	pub := client.Publisher()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := attribution.DecodeOutcomeEvent(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		seq, err := pub.PublishOutcome(ctx, ev)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> seq %d\n", ev.EventID, seq)
	}
	return scanner.Err()
}

func init() {
	outcomePublishCmd.Flags().StringVar(&natsURL, "nats", envOr("GROOVE_STREAM_URL", stream.DefaultConfig().URL), "NATS server URL")
	outcomePublishCmd.Flags().StringVar(&streamName, "stream", "", "JetStream stream name")
	outcomePublishCmd.Flags().StringVarP(&outcomeInput, "file", "f", "", "JSONL file, - for stdin")
	outcomeCmd.AddCommand(outcomePublishCmd)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leo-guinan/loveops-world-model/internal/queue"
)

func EnqueueCmd(queues []*queue.Store) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <payload(json)>",
		Short: "Adds a job to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := findQueue(queues, args[0])
			if err != nil {
				return err
			}
			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("invalid payload JSON")
			}

			at, _ := cmd.Flags().GetString("at")
			delay, _ := cmd.Flags().GetDuration("delay")
			var scheduledFor *time.Time
			switch {
			case at != "" && delay > 0:
				return fmt.Errorf("--at and --delay are mutually exclusive")
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				scheduledFor = &t
			case delay > 0:
				t := time.Now().Add(delay)
				scheduledFor = &t
			}

			id, err := store.Enqueue(payload, scheduledFor)
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}
			if scheduledFor != nil {
				fmt.Printf("Job %s scheduled for %s.\n", id, scheduledFor.UTC().Format(time.RFC3339))
				return nil
			}
			fmt.Printf("Job %s enqueued.\n", id)
			return nil
		},
	}
	cmd.Flags().String("at", "", "Run no earlier than this RFC3339 time")
	cmd.Flags().Duration("delay", 0, "Run after this delay (e.g. 30s)")
	return cmd
}

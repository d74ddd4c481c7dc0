package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/leo-guinan/loveops-world-model/internal/config"
	"github.com/leo-guinan/loveops-world-model/internal/model"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
)

func printJobs(jobs []*model.Job) {
	fmt.Println("ID\t\t\t\t\tAttempts\tCreated\t\t\tScheduled")
	for _, job := range jobs {
		scheduled := "-"
		if job.ScheduledFor != nil {
			scheduled = job.ScheduledFor.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%d\t\t%s\t%s\n", job.ID, job.Attempts, job.CreatedAt.Format(time.RFC3339), scheduled)
	}
}

func ListCmd(queues []*queue.Store) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of a queue by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("queue")
			store, err := findQueue(queues, name)
			if err != nil {
				return err
			}
			rawState, _ := cmd.Flags().GetString("state")
			state, err := model.ParseState(rawState)
			if err != nil {
				return err
			}

			jobs, err := store.List(state)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Printf("No jobs found in %s/%s\n", name, state)
				return nil
			}

			fmt.Printf("--- Jobs in %s/%s ---\n", name, state)
			printJobs(jobs)
			return nil
		},
	}
	cmd.Flags().String("queue", "", "Queue name")
	cmd.Flags().String("state", string(model.StateReady), "ready, in_progress, scheduled, done or dead")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func StatusCmd(queues []*queue.Store, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a summary of job states",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("--- Job Queue Status ---")
			for _, q := range queues {
				stats, err := q.Stats()
				if err != nil {
					return fmt.Errorf("failed to get stats for %s: %w", q.Name(), err)
				}
				fmt.Printf("%s:\n", q.Name())
				for _, st := range model.States() {
					fmt.Printf("  %s: \t%d\n", st, stats[st])
				}
			}

			fmt.Println("\n--- Worker Status ---")
			data, err := os.ReadFile(filepath.Join(cfg.BasePath, statusFile))
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("Workers: \t0 (stopped)")
					return nil
				}
				return fmt.Errorf("could not read worker status: %w", err)
			}

			var status WorkerStatus
			if err := json.Unmarshal(data, &status); err != nil {
				return fmt.Errorf("could not parse worker status: %w", err)
			}
			fmt.Printf("Role: \t%s\nQueues: \t%v\nWorkers: \t%d started at: %v\nPID of worker pool: %d\n",
				status.Role, status.Queues, status.Count, status.StartedAt, status.Pid)
			return nil
		},
	}
	return cmd
}

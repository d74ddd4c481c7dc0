package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leo-guinan/loveops-world-model/internal/model"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
)

func DlqCmd(queues []*queue.Store) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the Dead Letter Queue (DLQ)",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected := queues
			if name, _ := cmd.Flags().GetString("queue"); name != "" {
				q, err := findQueue(queues, name)
				if err != nil {
					return err
				}
				selected = []*queue.Store{q}
			}

			total := 0
			for _, q := range selected {
				jobs, err := q.List(model.StateDead)
				if err != nil {
					return fmt.Errorf("failed to list DLQ jobs: %w", err)
				}
				if len(jobs) == 0 {
					continue
				}
				total += len(jobs)
				fmt.Printf("--- Jobs in DLQ of %s ---\n", q.Name())
				printJobs(jobs)
			}
			if total == 0 {
				fmt.Println("Dead Letter Queue is empty.")
			}
			return nil
		},
	}
	listCmd.Flags().String("queue", "", "Only this queue")

	retryCmd := &cobra.Command{
		Use:   "retry <queue> <job-id>",
		Short: "Move a job from the DLQ back to ready",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := findQueue(queues, args[0])
			if err != nil {
				return err
			}
			if err := q.RetryDead(args[1]); err != nil {
				return err
			}
			fmt.Printf("Job %s moved from DLQ to 'ready'.\n", args[1])
			return nil
		},
	}

	dlqCmd.AddCommand(listCmd)
	dlqCmd.AddCommand(retryCmd)
	return dlqCmd
}

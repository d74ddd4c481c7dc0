package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leo-guinan/loveops-world-model/internal/config"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
	"github.com/leo-guinan/loveops-world-model/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:          "vibequeue",
	Short:        "A durable file-based job queue and its world-model processor",
	SilenceUsage: true,
}

func Execute(cfg *config.Config, events *storage.Store, queues []*queue.Store) {
	rootCmd.AddCommand(EnqueueCmd(queues))
	rootCmd.AddCommand(ListCmd(queues))
	rootCmd.AddCommand(StatusCmd(queues, cfg))
	rootCmd.AddCommand(WorkerCmd(cfg, events, queues))
	rootCmd.AddCommand(DlqCmd(queues))
	rootCmd.AddCommand(ConfigCmd(cfg))
	rootCmd.AddCommand(EventsCmd(events))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func findQueue(queues []*queue.Store, name string) (*queue.Store, error) {
	for _, q := range queues {
		if q.Name() == name {
			return q, nil
		}
	}
	return nil, fmt.Errorf("unknown queue: %s", name)
}

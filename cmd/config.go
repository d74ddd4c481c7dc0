package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leo-guinan/loveops-world-model/internal/config"
)

func ConfigCmd(cfg *config.Config) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init <file>",
		Short: "Write the effective queue list to a file for VQ_QUEUE_CONFIG_FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := &config.QueueFile{BasePath: cfg.BasePath, Queues: cfg.Queues}
			if err := config.SaveQueueFile(args[0], f); err != nil {
				return err
			}
			fmt.Printf("Queue config written to %s\n", args[0])
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <queue> <key> <value>",
		Short: "Set a queue setting in VQ_QUEUE_CONFIG_FILE (workers, batch-size, timeout-ms, max-retries, retry-base-delay-ms, lease-timeout-ms)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.QueueConfigFile == "" || cfg.QueueConfig != "" {
				return fmt.Errorf("config set needs VQ_QUEUE_CONFIG_FILE (and no inline VQ_QUEUE_CONFIG)")
			}
			if err := cfg.SetQueueField(args[0], args[1], args[2]); err != nil {
				return err
			}
			f := &config.QueueFile{BasePath: cfg.BasePath, Queues: cfg.Queues}
			if err := config.SaveQueueFile(cfg.QueueConfigFile, f); err != nil {
				return err
			}
			fmt.Printf("%s.%s = %s\n", args[0], args[1], args[2])
			return nil
		},
	}

	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(setCmd)
	return configCmd
}

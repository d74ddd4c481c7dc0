package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leo-guinan/loveops-world-model/internal/storage"
)

func EventsCmd(events *storage.Store) *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the world-model event log",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List events in append order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f storage.EventFilter
			f.Type, _ = cmd.Flags().GetString("type")
			f.Domain, _ = cmd.Flags().GetString("domain")
			f.ActorID, _ = cmd.Flags().GetString("actor")
			f.Limit, _ = cmd.Flags().GetInt("limit")
			if since, _ := cmd.Flags().GetString("since"); since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				f.Since = t
			}

			list, err := events.ListEvents(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No events found.")
				return nil
			}
			fmt.Println("Timestamp\t\t\tDomain\t\tType\t\tActor\t\tID")
			for _, e := range list {
				fmt.Printf("%s\t%s\t\t%s\t%s\t\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Domain, e.Type, e.ActorID, e.ID)
			}
			return nil
		},
	}
	listCmd.Flags().String("type", "", "Filter by event type")
	listCmd.Flags().String("domain", "", "Filter by domain")
	listCmd.Flags().String("actor", "", "Filter by actor id")
	listCmd.Flags().String("since", "", "Only events at or after this RFC3339 time")
	listCmd.Flags().Int("limit", 50, "Maximum events to show (0 for all)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count events by type",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := events.GetEventStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			fmt.Println("--- Event Log ---")
			if len(stats) == 0 {
				fmt.Println("No events recorded.")
			}
			for eventType, count := range stats {
				fmt.Printf("%s: \t%d\n", eventType, count)
			}
			return nil
		},
	}

	eventsCmd.AddCommand(listCmd)
	eventsCmd.AddCommand(statsCmd)
	return eventsCmd
}

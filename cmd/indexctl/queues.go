package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"thirdcoast.systems/sceneindex/internal/queue"
)

type queueStats struct {
	Queue    string `json:"queue"`
	Active   int    `json:"active"`
	Waiting  int    `json:"waiting"`
	Delayed  int    `json:"delayed"`
	Retry    int    `json:"retry"`
	Archived int    `json:"archived"`
}

func newQueuesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show task counts for every queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, false, true)
			if err != nil {
				return err
			}
			defer e.close()

			names := append(queue.StageQueues(), queue.MaintenanceQueues()...)
			stats := make([]queueStats, 0, len(names))
			for _, name := range names {
				s := queueStats{Queue: name}
				inflight, err := e.insp.ListInFlight(name)
				if err != nil {
					return err
				}
				for _, t := range inflight {
					switch t.State {
					case queue.StateActive:
						s.Active++
					case queue.StatePending:
						s.Waiting++
					case queue.StateScheduled:
						s.Delayed++
					case queue.StateRetry:
						s.Retry++
					}
				}
				archived, err := e.insp.ListArchived(name)
				if err != nil {
					return err
				}
				s.Archived = len(archived)
				stats = append(stats, s)
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tACTIVE\tWAITING\tDELAYED\tRETRY\tARCHIVED")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Active, s.Waiting, s.Delayed, s.Retry, s.Archived)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

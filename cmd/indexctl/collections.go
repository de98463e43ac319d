package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"thirdcoast.systems/sceneindex/internal/collections"
	"thirdcoast.systems/sceneindex/internal/mlservice"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

func newCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "collections", Short: "Smart collection maintenance"}

	var now bool
	regen := &cobra.Command{
		Use:   "regenerate",
		Short: "Regenerate smart collections",
		Long: `Enqueue a regeneration run for the workers, or with --now run it in this
process. Either way the run is skipped while embedding work is in progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, now, true)
			if err != nil {
				return err
			}
			defer e.close()

			if !now {
				id := "smart-collections:" + time.Now().UTC().Truncate(time.Minute).Format("200601021504")
				if err := e.qc.Enqueue(ctx, queue.SmartCollections, struct{}{}, queue.EnqueueOptions{TaskID: id}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "enqueued", id)
				return nil
			}

			ml := mlservice.New(mlservice.Config{
				Command:      e.conf.ML.Command,
				Args:         e.conf.MLArgs(),
				URL:          e.conf.ML.URL,
				StartTimeout: e.conf.ML.StartTimeout,
			})
			defer ml.Stop(ctx)
			store := vectorstore.NewStore(e.dbc.Pool)
			r := collections.NewRegenerator(e.insp, collections.NewDBStore(e.dbc), collections.NewVectorScorer(ml, store))
			res, err := r.Run(ctx)
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	regen.Flags().BoolVar(&now, "now", false, "run in this process instead of enqueueing")

	cmd.AddCommand(regen)
	return cmd
}

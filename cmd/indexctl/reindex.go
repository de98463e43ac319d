package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"thirdcoast.systems/sceneindex/internal/pipeline"
)

func newReindexCmd() *cobra.Command {
	var req pipeline.Request
	cmd := &cobra.Command{
		Use:   "reindex [video-path]",
		Short: "Submit a video to the pipeline",
		Long: `Submit a video at the transcription stage. Pass the path, or --job to rerun
an existing job. --force recomputes artifacts that already exist.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				p, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				req.VideoPath = p
			}
			e, err := loadEnv(ctx, true, true)
			if err != nil {
				return err
			}
			defer e.close()

			sub, err := e.submitter(ctx).Submit(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		},
	}
	cmd.Flags().StringVar(&req.JobID, "job", "", "existing job id")
	cmd.Flags().BoolVar(&req.ForceReIndexing, "force", false, "recompute existing artifacts")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "manual priority, 1 is most urgent")
	return cmd
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <folder>",
		Short: "Submit every video in a registered folder that is not indexed yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			folder, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			e, err := loadEnv(ctx, true, true)
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.submitter(ctx).ScanFolder(ctx, folder)
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
}

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"thirdcoast.systems/sceneindex/internal/db"
)

func newFolderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "folder", Short: "Manage indexed folders"}

	var owner string
	var watch bool
	add := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a media folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			userID, err := db.ParseUUID(owner)
			if err != nil {
				return err
			}
			e, err := loadEnv(ctx, true, false)
			if err != nil {
				return err
			}
			defer e.close()

			f, err := e.dbc.Queries(ctx).CreateFolder(ctx, db.CreateFolderParams{UserID: userID, Path: path, Watch: watch})
			if err != nil {
				if db.IsUniqueViolation(err) {
					return fmt.Errorf("folder %s is already registered", path)
				}
				return fmt.Errorf("create folder: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), f)
		},
	}
	add.Flags().StringVar(&owner, "user", "", "owning user id")
	add.Flags().BoolVar(&watch, "watch", true, "pick up new files automatically")
	_ = add.MarkFlagRequired("user")

	cmd.AddCommand(add)
	return cmd
}

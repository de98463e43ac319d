package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"thirdcoast.systems/sceneindex/cmd/web/auth"
	"thirdcoast.systems/sceneindex/internal/db"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage API users"}

	var email, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, true, false)
			if err != nil {
				return err
			}
			defer e.close()

			u, err := e.dbc.Queries(ctx).NewUser(ctx, db.NewUserParams{Email: email, Name: name})
			if err != nil {
				if db.IsUniqueViolation(err) {
					return fmt.Errorf("a user with email %s already exists", email)
				}
				return fmt.Errorf("create user: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	create.Flags().StringVar(&email, "email", "", "user email")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("email")

	cmd.AddCommand(create)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, true, false)
			if err != nil {
				return err
			}
			defer e.close()

			id, err := db.ParseUUID(args[0])
			if err != nil {
				return err
			}
			if _, err := e.dbc.Queries(ctx).GetUserByID(ctx, id); err != nil {
				if db.IsNotFound(err) {
					return fmt.Errorf("user %s not found", args[0])
				}
				return err
			}
			if ttl <= 0 {
				ttl = e.conf.TokenTTL
			}
			token, err := auth.NewTokenManager(e.conf.JWTSecret, ttl).Issue(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/flagstaff/internal/repository"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admin API keys",
	}

	create := &cobra.Command{
		Use:   "create [NAME]",
		Short: "Create a key; the name is recorded as the actor on its changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withRepository(cmd, func(ctx context.Context, repo *repository.PostgresRepository) error {
				id, secret, err := repo.CreateAPIKey(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s.%s\n", id, secret)
				fmt.Fprintln(cmd.ErrOrStderr(), "Store this token now; the secret cannot be shown again.")
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRepository(cmd, func(ctx context.Context, repo *repository.PostgresRepository) error {
				keys, err := repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCREATED")
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(ctx context.Context, repo *repository.PostgresRepository) error {
				if err := repo.RevokeAPIKey(ctx, args[0]); err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return fmt.Errorf("api key %q not found or already revoked", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func withRepository(cmd *cobra.Command, fn func(context.Context, *repository.PostgresRepository) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	commandLogger(cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return fn(ctx, repository.NewPostgresRepository(pool))
}

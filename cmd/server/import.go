package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matt-riley/flagstaff/internal/importer"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Apply a YAML state file of projects, environments and features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keepExisting, err := cmd.Flags().GetBool("keep-existing")
			if err != nil {
				return fmt.Errorf("failed to get keep-existing flag: %w", err)
			}
			drop, err := cmd.Flags().GetBool("drop-before-import")
			if err != nil {
				return fmt.Errorf("failed to get drop-before-import flag: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := commandLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := importer.New(a.svc, log).ImportFile(ctx, args[0], importer.Options{
				KeepExisting:     keepExisting,
				DropBeforeImport: drop,
			})
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created %d features, updated %d, skipped %d, dropped %d\n",
				res.FeaturesCreated, res.FeaturesUpdated, res.FeaturesSkipped, res.FeaturesDropped)
			return nil
		},
	}
	cmd.Flags().Bool("keep-existing", false, "Leave features that already exist untouched")
	cmd.Flags().Bool("drop-before-import", false, "Archive and delete every feature before importing")
	return cmd
}

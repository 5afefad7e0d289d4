package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/domain/scope"
	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/db"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import a scope hierarchy from a YAML file",
		Long: `Import a scope hierarchy from a YAML file into a tenant schema.

Units are upserted parents first in a single transaction: a unit whose
parent differs from the stored one aborts the whole import.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := scope.ParseSeed(f)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if err := db.ValidateTenantID(tenant); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := scope.NewService(scope.NewUnitRepo(pool), cfg.SearchPageSize)
			svc.SetLogger(logger)

			var count int
			err = db.RunInTx(ctx, pool, func(ctx context.Context) error {
				if _, err := db.TxFromContext(ctx).Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", db.SchemaFor(tenant))); err != nil {
					return fmt.Errorf("set search_path: %w", err)
				}
				count, err = svc.Seed(ctx, seed)
				return err
			})
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Printf("Imported %d unit(s) into %s.\n", count, db.SchemaFor(tenant))
			return nil
		},
	}
	cmd.Flags().String("file", "", "YAML hierarchy file")
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	return cmd
}

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tabesh/internal/database"
	"tabesh/internal/database/migrations"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(
		migrateStep("up", "Apply every pending migration", cobra.NoArgs, func(r *migrations.Runner, _ []string) error {
			return r.MigrateUp()
		}),
		migrateStep("down [steps]", "Roll back the given number of migrations, or all of them", cobra.MaximumNArgs(1), func(r *migrations.Runner, args []string) error {
			steps := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("steps must be a positive number, got %q", args[0])
				}
				steps = n
			}
			return r.MigrateDown(steps)
		}),
		migrateStep("version", "Print the applied schema version", cobra.NoArgs, func(r *migrations.Runner, _ []string) error {
			v, dirty, err := r.Version()
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty: %t)\n", v, dirty)
			return nil
		}),
	)
	return cmd
}

func migrateStep(use, short string, args cobra.PositionalArgs, fn func(r *migrations.Runner, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Close()

			db, err := database.Open(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			runner := migrations.NewRunner(db, cfg.Database.Driver, log)
			defer runner.Close()

			if err := fn(runner, args); err != nil {
				return err
			}
			log.Info("DATABASE", fmt.Sprintf("migrate %s finished", cmd.Name()))
			return nil
		},
	}
}

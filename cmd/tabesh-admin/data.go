package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tabesh/internal/app"
	"tabesh/internal/cleanup"
	"tabesh/internal/dataio"
	"tabesh/internal/models"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exportCommand() *cobra.Command {
	var (
		opts dataio.ExportOptions
		out  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the dataset to a JSON or ZIP file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Format != dataio.FormatJSON && opts.Format != dataio.FormatZIP {
				return fmt.Errorf("format must be json or zip, got %q", opts.Format)
			}
			if out == "" {
				out = dataio.Filename(opts.Format, time.Now())
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				// out only appears once the export has completed.
				tmp, err := os.CreateTemp(filepath.Dir(out), ".tabesh-export-*")
				if err != nil {
					return err
				}
				defer os.Remove(tmp.Name())

				counts, err := a.DataIO.Export(cmd.Context(), tmp, opts)
				if cerr := tmp.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				if err := os.Rename(tmp.Name(), out); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "exported to %s\n", out)
				return printJSON(counts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", dataio.FormatZIP, "json or zip")
	cmd.Flags().BoolVar(&opts.IncludeFiles, "files", true, "include uploaded files (zip only)")
	cmd.Flags().BoolVar(&opts.IncludeAI, "ai", false, "include AI profiles and behavior rows")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default: tabesh-export-<timestamp>.<format>)")
	return cmd
}

func importCommand() *cobra.Command {
	var opts dataio.ImportOptions
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load a JSON or ZIP export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				counts, err := a.DataIO.Import(cmd.Context(), f, info.Size(), opts)
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Mode, "mode", dataio.ModeMerge, "merge or replace")
	return cmd
}

func cleanupCommand() *cobra.Command {
	var (
		req    cleanup.Request
		status string
	)
	cmd := &cobra.Command{
		Use:       "cleanup <action>",
		Short:     "Run a maintenance action",
		Long:      "Actions: " + fmt.Sprint(cleanup.Actions),
		Args:      cobra.ExactArgs(1),
		ValidArgs: cleanup.Actions,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Status = models.OrderStatus(status)
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Cleanup.Run(cmd.Context(), args[0], req)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "count without deleting")
	cmd.Flags().IntVar(&req.Days, "days", 0, "age threshold in days for old_behavior and deleted_orders")
	cmd.Flags().StringVar(&status, "status", "", "order status for orders_by_status")
	cmd.Flags().StringVar(&req.Before, "before", "", "YYYY-MM-DD cutoff for orders_by_status")
	cmd.Flags().StringVar(&req.Confirm, "confirm", "", "confirmation phrase for reset_all")
	return cmd
}

func seedCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Store the default pricing matrix and upload rules as settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				written, err := a.SeedDefaults(cmd.Context(), force)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"written": written})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing settings")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
)

var errMigrateMemory = errors.New("migrations require LEDGER_BACKEND=postgres")

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(rootOpts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(rootOpts, cmd)
		},
	})
	return cmd
}

type migrationRow struct {
	Version int64  `json:"version"`
	Source  string `json:"source"`
	State   string `json:"state"`
}

func runMigrateUp(rootOpts *RootOptions, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)
	ctx := cmd.Context()
	cfg, logger, err := rootOpts.bootstrap(cmd)
	if err != nil {
		return err
	}
	stores, err := rootOpts.Env.OpenStores(ctx, cfg, logger)
	if err != nil {
		return out.Error(ExitCommandError, "open stores", err)
	}
	defer stores.Close()
	if stores.Pool == nil {
		return out.Error(ExitCommandError, "migrate", errMigrateMemory)
	}

	results, err := db.Migrate(ctx, stores.Pool)
	if err != nil {
		return out.Error(ExitFailure, "migrate up", err)
	}
	rows := make([]migrationRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, migrationRow{Version: res.Source.Version, Source: res.Source.Path, State: "applied"})
	}
	return out.Success(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "schema is up to date")
			return
		}
		printMigrations(w, rows)
	})
}

func runMigrateStatus(rootOpts *RootOptions, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)
	ctx := cmd.Context()
	cfg, logger, err := rootOpts.bootstrap(cmd)
	if err != nil {
		return err
	}
	stores, err := rootOpts.Env.OpenStores(ctx, cfg, logger)
	if err != nil {
		return out.Error(ExitCommandError, "open stores", err)
	}
	defer stores.Close()
	if stores.Pool == nil {
		return out.Error(ExitCommandError, "migrate", errMigrateMemory)
	}

	statuses, err := db.MigrationStatus(ctx, stores.Pool)
	if err != nil {
		return out.Error(ExitFailure, "migrate status", err)
	}
	rows := make([]migrationRow, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, migrationRow{Version: st.Source.Version, Source: st.Source.Path, State: string(st.State)})
	}
	return out.Success(rows, func(w io.Writer) { printMigrations(w, rows) })
}

func printMigrations(w io.Writer, rows []migrationRow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tSOURCE")
	for _, row := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", row.Version, row.State, row.Source)
	}
	_ = tw.Flush()
}

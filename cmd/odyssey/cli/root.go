// Package cli implements the odyssey command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Environment resolves configuration and stores. Tests swap it for an
// in-memory one.
type Environment struct {
	LoadConfig func() (*app.Config, error)
	OpenStores func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*app.Stores, error)
}

// DefaultEnvironment reads the process environment.
func DefaultEnvironment() Environment {
	return Environment{LoadConfig: app.LoadConfig, OpenStores: app.OpenStores}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string
	Env     Environment
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// bootstrap loads config and builds a logger that writes to stderr, so JSON
// output on stdout stays parseable.
func (o *RootOptions) bootstrap(cmd *cobra.Command) (*app.Config, *slog.Logger, error) {
	cfg, err := o.Env.LoadConfig()
	if err != nil {
		return nil, nil, o.formatter(cmd).Error(ExitCommandError, "load config", err)
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	var w io.Writer = cmd.ErrOrStderr()
	return cfg, app.NewLoggerTo(w, cfg), nil
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(DefaultEnvironment())
}

// NewRootCommandWith creates the root command with a custom environment.
func NewRootCommandWith(env Environment) *cobra.Command {
	opts := &RootOptions{Env: env}

	cmd := &cobra.Command{
		Use:   "odyssey",
		Short: "Odyssey POS inventory service",
		Long:  "Odyssey POS keeps the per-product, per-vendor stock ledger and syncs every change to the vendor portal.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))

	return cmd
}

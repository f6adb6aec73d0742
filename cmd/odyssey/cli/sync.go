package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/portalsync"
)

// NewSyncCommand creates the sync command group for outbox operations.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and operate the portal sync outbox",
	}
	var limit int
	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered sync events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListEvents(rootOpts, cmd, inventory.SyncDead, limit)
		},
	}
	deadLetters.Flags().IntVar(&limit, "limit", 100, "maximum events to list")

	var pendingLimit int
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List sync events awaiting delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListEvents(rootOpts, cmd, inventory.SyncPending, pendingLimit)
		},
	}
	pending.Flags().IntVar(&pendingLimit, "limit", 100, "maximum events to list")

	requeue := &cobra.Command{
		Use:   "requeue <event-id>",
		Short: "Move a dead-lettered event back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequeue(rootOpts, cmd, args[0])
		},
	}

	relay := &cobra.Command{
		Use:   "relay",
		Short: "Deliver due events once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(rootOpts, cmd)
		},
	}

	cmd.AddCommand(deadLetters, pending, requeue, relay)
	return cmd
}

func openDispatcher(rootOpts *RootOptions, cmd *cobra.Command) (*portalsync.Dispatcher, *app.Stores, *OutputFormatter, error) {
	out := rootOpts.formatter(cmd)
	cfg, logger, err := rootOpts.bootstrap(cmd)
	if err != nil {
		return nil, nil, out, err
	}
	stores, err := rootOpts.Env.OpenStores(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, out, out.Error(ExitCommandError, "open stores", err)
	}
	dispatcher := portalsync.NewDispatcher(stores.Outbox, cfg.NewPortalClient(), cfg.SyncPolicy(), portalsync.WithLogger(logger))
	return dispatcher, stores, out, nil
}

func runListEvents(rootOpts *RootOptions, cmd *cobra.Command, status inventory.SyncStatus, limit int) error {
	dispatcher, stores, out, err := openDispatcher(rootOpts, cmd)
	if err != nil {
		return err
	}
	defer stores.Close()

	var events []inventory.SyncEvent
	if status == inventory.SyncDead {
		events, err = dispatcher.DeadLetters(cmd.Context(), limit)
	} else {
		events, err = dispatcher.Pending(cmd.Context(), limit)
	}
	if err != nil {
		return out.Error(ExitFailure, "list sync events", err)
	}
	return out.Success(events, func(w io.Writer) { printEvents(w, events) })
}

func runRequeue(rootOpts *RootOptions, cmd *cobra.Command, id string) error {
	dispatcher, stores, out, err := openDispatcher(rootOpts, cmd)
	if err != nil {
		return err
	}
	defer stores.Close()

	evt, err := dispatcher.Requeue(cmd.Context(), id)
	if err != nil {
		return out.Error(ExitFailure, "requeue "+id, err)
	}
	return out.Success(evt, func(w io.Writer) {
		fmt.Fprintf(w, "requeued %s (%s %s/%s) as seq %d\n", evt.ID, evt.Kind, evt.ProductID, evt.VendorID, evt.Seq)
	})
}

func runRelay(rootOpts *RootOptions, cmd *cobra.Command) error {
	dispatcher, stores, out, err := openDispatcher(rootOpts, cmd)
	if err != nil {
		return err
	}
	defer stores.Close()

	summary, err := dispatcher.Drain(cmd.Context())
	if err != nil {
		return out.Error(ExitFailure, "relay", err)
	}
	return out.Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "claimed=%d delivered=%d retried=%d dead=%d\n", summary.Claimed, summary.Delivered, summary.Retried, summary.Dead)
	})
}

func printEvents(w io.Writer, events []inventory.SyncEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEQ\tKIND\tPRODUCT\tVENDOR\tQTY\tATTEMPTS\tOCCURRED\tLAST ERROR")
	for _, evt := range events {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			evt.ID, evt.Seq, evt.Kind, evt.ProductID, evt.VendorID, evt.Quantity, evt.Attempts,
			evt.OccurredAt.Format(time.RFC3339), evt.LastError)
	}
	_ = tw.Flush()
}

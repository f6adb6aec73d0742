package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
)

// SeedRow is one demo inventory record.
type SeedRow struct {
	ProductID string
	VendorID  string
	Quantity  int64
}

// DemoInventory is the stock loaded by `odyssey seed`.
var DemoInventory = []SeedRow{
	{ProductID: "PROD001", VendorID: "VENDOR001", Quantity: 20},
	{ProductID: "PROD001", VendorID: "VENDOR002", Quantity: 15},
	{ProductID: "PROD002", VendorID: "VENDOR001", Quantity: 30},
	{ProductID: "PROD003", VendorID: "VENDOR003", Quantity: 50},
	{ProductID: "PROD004", VendorID: "VENDOR002", Quantity: 10},
	{ProductID: "PROD005", VendorID: "VENDOR001", Quantity: 25},
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo inventory",
		Long: `Load demo inventory by auditing each record to its demo quantity.

Every row goes through the ledger, so each one also queues a sync event for
the portal. Running seed twice leaves the same quantities.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(rootOpts, cmd)
		},
	}
}

func runSeed(rootOpts *RootOptions, cmd *cobra.Command) error {
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

	service := inventory.NewService(stores.Ledger, inventory.ServiceConfig{Audit: stores.Audit, Logger: logger})
	records := make([]inventory.Record, 0, len(DemoInventory))
	for _, row := range DemoInventory {
		result, err := service.Correct(ctx, inventory.CorrectInput{
			ProductID:   row.ProductID,
			VendorID:    row.VendorID,
			NewQuantity: row.Quantity,
			Reason:      "seed",
		})
		if err != nil {
			return out.Error(ExitFailure, fmt.Sprintf("seed %s/%s", row.ProductID, row.VendorID), err)
		}
		out.VerboseLog("%s %s/%s -> %d", result.Outcome, row.ProductID, row.VendorID, result.Record.QuantityAvailable)
		records = append(records, result.Record)
	}
	return out.Success(records, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PRODUCT\tVENDOR\tQUANTITY")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", rec.ProductID, rec.VendorID, rec.QuantityAvailable)
		}
		_ = tw.Flush()
	})
}

// Command settle runs the daily settlement jobs by hand, one per
// sub-command, against the configured store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/config"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/settlement"
	"github.com/serenissima/engine/internal/store/sqlite"
)

var descriptions = map[string]string{
	"daily_wages":               "Pay each occupant's wages from the business that employs them",
	"daily_rent":                "Collect rent from the occupants of homes",
	"distribute_leases":         "Collect land leases and split them with the Consiglio",
	"pay_storage_contracts":     "Charge the daily fee on active storage contracts",
	"daily_loan_payments":       "Collect the daily installment on active loans",
	"process_influence":         "Grant daily influence by class and from religious buildings",
	"process_passive_buildings": "Restock public wells and cisterns",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts settlement.Options
	root := &cobra.Command{
		Use:          "settle",
		Short:        "Run the daily settlement jobs of the city",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be paid without writing")
	root.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false, "Log every record and notify recipients")

	// Job values only carry their dependencies, so a nil Deps is enough
	// to enumerate names here.
	for _, job := range settlement.All(nil) {
		root.AddCommand(jobCmd(job.Name(), &opts))
	}
	root.AddCommand(allCmd(&opts))
	return root
}

func jobCmd(name string, opts *settlement.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: descriptions[name],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, *opts, name)
		},
	}
	switch name {
	case "process_influence":
		cmd.Flags().StringVar(&opts.BuildingType, "buildingType", "", "Only grant influence from buildings of this type")
	case "process_passive_buildings":
		cmd.Flags().StringVar(&opts.BuildingID, "buildingId", "", "Only restock this building")
	case "daily_wages", "daily_rent", "distribute_leases", "pay_storage_contracts":
		cmd.Flags().StringVar(&opts.BuildingID, "buildingId", "", "Only settle this building")
	}
	return cmd
}

func allCmd(opts *settlement.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every job in daily order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, *opts, "")
		},
	}
}

// run opens the store and runs the named job, or all of them when name is
// empty.
func run(cmd *cobra.Command, opts settlement.Options, name string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	clock.SetTimezone(cfg.Timezone)

	db, err := sqlite.Open(cfg.Store.Path, cfg.Store.Base)
	if err != nil {
		return err
	}
	defer db.Close()

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			return err
		}
	}
	trust := relationships.New(db)
	deps := &settlement.Deps{
		Store:   db,
		Economy: economy.New(db, trust),
		Trust:   trust,
		Catalog: catalog.Static{C: cat},
	}

	jobs := settlement.All(deps)
	if name != "" {
		job, ok := settlement.ByName(deps, name)
		if !ok {
			return fmt.Errorf("unknown job %q", name)
		}
		jobs = []settlement.Job{job}
	}

	summaries := settlement.RunAll(cmd.Context(), jobs, opts)
	if len(summaries) < len(jobs) {
		return fmt.Errorf("%d of %d jobs could not run", len(jobs)-len(summaries), len(jobs))
	}
	out := cmd.OutOrStdout()
	for _, sum := range summaries {
		fmt.Fprintln(out, sum.Line())
	}
	return nil
}

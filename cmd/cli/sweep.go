package main

import (
	"fmt"

	"github.com/nimasrn/donation-engine/internal/app"
	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/processor"
	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := engine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			locks := idempotency.NewService(a.Redis, app.LockConfig(0))
			sweeper := processor.NewSweeper(a.Donations, a.SideEffects, a.Payments, a.Redis, locks, processor.SweepConfigFrom(config.Get()))
			report, err := sweeper.RunOnce(cmd.Context())
			if report != nil {
				printSweep(cmd, report)
			}
			return err
		},
	}
}

func printSweep(cmd *cobra.Command, r *processor.SweepReport) {
	out := cmd.OutOrStdout()
	if r.Skipped {
		fmt.Fprintln(out, "another sweep is running, nothing done")
		return
	}
	fmt.Fprintf(out, "gateway payments settled: %d\n", r.Settled)
	fmt.Fprintf(out, "side effects repaired:    %d\n", r.Repaired)
	fmt.Fprintf(out, "side effects failed:      %d\n", r.Failed)
	fmt.Fprintf(out, "missing receipt numbers:  %d\n", r.MissingReceiptNumbers)
	for _, id := range r.MissingReceiptIDs {
		fmt.Fprintf(out, "  %s\n", id)
	}
}

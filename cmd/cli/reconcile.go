package main

import (
	"fmt"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "reconcile [student-id]",
		Short: "Compare funding aggregates with completed donations",
		Long: `Recompute amount raised per student and amount funded per wishlist item
from completed gifts and report every aggregate that drifted. With --fix the
stored aggregates are overwritten with the recomputed values.

Without a student id every student is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := engine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var drifts []model.LedgerDrift
			if len(args) == 1 {
				drifts, err = a.Ledger.Reconcile(cmd.Context(), args[0], fix)
			} else {
				drifts, err = a.Ledger.ReconcileAll(cmd.Context(), fix)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, d := range drifts {
				fmt.Fprintf(out, "%s %s: stored %s, expected %s\n", d.Entity, d.ID, d.Stored, d.Expected)
			}
			switch {
			case len(drifts) == 0:
				fmt.Fprintln(out, "ledger is consistent")
			case fix:
				fmt.Fprintf(out, "%d aggregate(s) corrected\n", len(drifts))
			default:
				fmt.Fprintf(out, "%d aggregate(s) drifted, rerun with --fix to correct\n", len(drifts))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "overwrite drifted aggregates")
	return cmd
}

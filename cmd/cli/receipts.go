package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Inspect and repair receipt numbers",
	}
	cmd.AddCommand(receiptsMissingCmd())
	cmd.AddCommand(receiptsRegenerateCmd())
	return cmd
}

func receiptsMissingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "missing",
		Short: "List completed donations without a receipt number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := engine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			donations, total, err := a.Donations.ListMissingReceiptNumbers(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, d := range donations {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s %s\n", d.ID, d.PaymentReference, d.GrossAmount, d.Currency)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d donation(s) without a receipt number\n", total)

			numbering := a.Receipts.Numbering()
			year := time.Now().UTC().Year()
			current, err := a.Receipts.Current(cmd.Context(), numbering.Prefix, year)
			if err != nil {
				return err
			}
			if current == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no receipt numbers issued in %d\n", year)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "last issued receipt number: %s\n", numbering.Format(year, current))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum donations to list")
	return cmd
}

func receiptsRegenerateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "regenerate [donation-id...]",
		Short: "Allocate receipt numbers for completed donations that lack one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass donation ids or --all")
			}
			a, closeFn, err := engine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			ids := args
			if all {
				donations, _, err := a.Donations.ListMissingReceiptNumbers(cmd.Context(), 1000)
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, d := range donations {
					ids = append(ids, d.ID)
				}
			}

			var errs []error
			for _, id := range ids {
				number, err := a.Payments.AssignReceiptNumber(cmd.Context(), id)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, number)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "number every completed donation missing a receipt number")
	return cmd
}

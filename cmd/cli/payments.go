package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func verifyCmd() *cobra.Command {
	var verifiedBy string
	cmd := &cobra.Command{
		Use:   "verify [payment-reference]",
		Short: "Confirm a bank transfer that arrived in the account",
		Long: `Confirm a bank transfer donation by the payment reference the donor
quoted. The donation is completed, numbered and its receipt is sent.

Examples:
  donations verify GIFT-2026-3F2A9C1B7D4E --by ops@example.org`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(verifiedBy) == "" {
				return fmt.Errorf("--by is required")
			}
			a, closeFn, err := engine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			outcome, err := a.Payments.VerifyManualPayment(cmd.Context(), args[0], verifiedBy)
			if err != nil {
				return err
			}
			d := outcome.Donation
			receipt := "-"
			if d.ReceiptNumber != nil {
				receipt = *d.ReceiptNumber
			}
			fmt.Fprintf(cmd.OutOrStdout(), "donation %s %s, receipt %s, net %s %s\n",
				d.ID, outcome.Status, receipt, d.NetAmount, d.Currency)
			return nil
		},
	}
	cmd.Flags().StringVar(&verifiedBy, "by", "", "administrator confirming the transfer")
	return cmd
}

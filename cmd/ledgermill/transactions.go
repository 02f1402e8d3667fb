package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func transactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List finalized transactions in the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := initStores(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			transactions, err := rt.ledger.ListTransactions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(transactions) == 0 {
				fmt.Println("The ledger is empty.")
				return nil
			}

			fmt.Printf("%-10s  %9s  %-24s  %s\n", "DATE", "AMOUNT", "CATEGORY", "DESCRIPTION")
			for _, t := range transactions {
				fmt.Printf("%-10s  %9.2f  %-24s  %s\n",
					t.Date.Format("2006-01-02"), t.Amount, t.Category, t.Description)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 50, "maximum transactions to list (0 for all)")

	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Transfer a reviewed session's transactions into the ledger",
		Long: `Approve moves the session's categorized transactions into the permanent
ledger and deletes the session. A completed session can always be approved;
a paused one can be approved once at least one transaction is categorized.

Transfers are atomic and safe to retry: duplicate transactions are detected
by content hash and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := initStores(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := newFinalizer(rt).Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Transferred %d transaction(s) to the ledger.\n", result.Transferred)
			if result.Skipped > 0 {
				fmt.Printf("Skipped %d uncategorized transaction(s).\n", result.Skipped)
			}
			if result.Deduplicated > 0 {
				fmt.Printf("Skipped %d duplicate(s) already in the ledger.\n", result.Deduplicated)
			}
			return nil
		},
	}
}

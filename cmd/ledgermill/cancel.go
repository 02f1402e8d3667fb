package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Discard an import session and everything it staged",
		Long: `Cancel discards the session, its staged transactions, and its batch state.
Nothing reaches the permanent ledger. Any session that isn't already
cancelled can be cancelled, including one that is mid-run in another
process; that run stops at its next checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := initStores(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := newFinalizer(rt).Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Printf("Session %s cancelled.\n", args[0])
			return nil
		},
	}
}

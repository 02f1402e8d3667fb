package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/model"
)

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Return an errored session to idle",
		Long: `Reset moves a session that ended in an error back to idle. Staged
transactions and succeeded batches are kept; re-importing the same statement
re-runs only the batches that are still missing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := initStores(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.sessions.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !sess.Status.CanTransition(model.StatusIdle) {
				return fmt.Errorf("%w: cannot reset session in status %s", common.ErrInvalidState, sess.Status)
			}

			sess.Status = model.StatusIdle
			if err := rt.sessions.Save(cmd.Context(), sess); err != nil {
				return err
			}

			fmt.Printf("Session %s reset to idle.\n", sess.ID)
			return nil
		},
	}
}

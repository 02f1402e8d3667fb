package main

import (
	"github.com/spf13/cobra"
)

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a paused import session",
		Long: `Resume continues a paused session from the stage the pause interrupted.
Batches that already succeeded are never re-run; batches that exhausted
their retries stay failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, orch, err := initPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			opCtx, done := pauseOnSignal(cmd.Context(), orch)
			defer done()

			go watchEvents(opCtx, orch.Events())

			final, err := orch.Resume(opCtx, args[0])
			if err != nil {
				return err
			}
			return reportOutcome(final)
		},
	}
}

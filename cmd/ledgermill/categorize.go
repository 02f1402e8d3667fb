package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmorris/ledgermill/internal/model"
)

func categorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categorize <session-id>",
		Short: "Categorize what a paused session has staged so far",
		Long: `Categorize runs the categorization stage over the transactions a paused
session has already extracted, then returns the session to paused. Useful
for reviewing a partial import with categories before deciding whether to
resume extraction or approve what's there.`,
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

			sess, err := orch.CategorizePaused(opCtx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Session %s: %d of %d staged transactions categorized.\n",
				sess.ID, sess.CategorizedCount(), len(sess.Staged))
			printStaged(sess)
			return nil
		},
	}
}

func printStaged(sess *model.ImportSession) {
	for _, t := range sess.Staged {
		category := "(uncategorized)"
		if t.Category != nil {
			category = *t.Category
		}
		date := ""
		if !t.Date.IsZero() {
			date = t.Date.Format("2006-01-02")
		}
		fmt.Printf("  %-10s  %9.2f  %-24s  %s\n", date, t.Amount, category, t.Description)
	}
}

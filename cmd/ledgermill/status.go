package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmorris/ledgermill/internal/model"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's stage progress and failures",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatusCmd,
	}

	cmd.Flags().Bool("staged", false, "also list staged transactions")

	return cmd
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	rt, err := initStores(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	sess, err := rt.sessions.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("File:     %s (%d rows)\n", sess.FileName, sess.TotalRows)
	fmt.Printf("Status:   %s\n", sess.Status)
	fmt.Printf("Updated:  %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()

	for _, stage := range []model.Stage{model.StageExtraction, model.StageCategorization} {
		batches := sess.BatchesForStage(stage)
		if len(batches) == 0 {
			fmt.Printf("%-14s not started\n", stage)
			continue
		}
		var succeeded, failed, pending int
		for _, b := range batches {
			switch b.Status {
			case model.BatchSucceeded:
				succeeded++
			case model.BatchFailed:
				failed++
			default:
				pending++
			}
		}
		fmt.Printf("%-14s %d/%d batches succeeded, %d failed, %d remaining\n",
			stage, succeeded, len(batches), failed, pending)
	}

	fmt.Printf("\nStaged: %d transactions, %d categorized\n", len(sess.Staged), sess.CategorizedCount())

	if len(sess.FailedBatches) > 0 {
		fmt.Println("\nFailed batches:")
		for _, f := range sess.FailedBatches {
			fmt.Printf("  %-14s rows %-10s after %d attempt(s): %s\n",
				f.Stage, f.Range.String(), f.RetryCount, f.Error)
		}
	}

	if showStaged, _ := cmd.Flags().GetBool("staged"); showStaged && len(sess.Staged) > 0 {
		fmt.Println("\nStaged transactions:")
		printStaged(sess)
	}

	return nil
}

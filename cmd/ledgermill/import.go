package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/model"
	"github.com/pmorris/ledgermill/internal/statement"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <statement.csv>",
		Short: "Import a bank statement through the AI pipeline",
		Long: `Import parses the statement, extracts transactions from it in batches with
the configured AI model, categorizes them, and leaves the session ready for
review. Re-importing the same file resumes its existing session.

Press Ctrl-C to pause; 'ledgermill resume' picks up where the run stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: runImportCmd,
	}

	cmd.Flags().Int("batch-size", 0, "rows per AI batch (default 20)")
	cmd.Flags().Int("parallel", 0, "concurrent AI batches (default 2)")
	cmd.Flags().Int("max-retries", 0, "attempts per batch before giving up (default 3)")

	_ = viper.BindPFlag("pipeline.batch_size", cmd.Flags().Lookup("batch-size"))
	_ = viper.BindPFlag("pipeline.parallel", cmd.Flags().Lookup("parallel"))
	_ = viper.BindPFlag("pipeline.max_retries", cmd.Flags().Lookup("max-retries"))

	return cmd
}

func runImportCmd(cmd *cobra.Command, args []string) error {
	file, err := statement.Read(args[0])
	if err != nil {
		return common.NewUserError(fmt.Sprintf("could not read statement file %s", args[0]), err)
	}

	rt, orch, err := initPipeline(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	opCtx, done := pauseOnSignal(cmd.Context(), orch)
	defer done()

	sess, resumed, err := orch.Upload(opCtx, file.Name, file.Fingerprint, file.Rows)
	if err != nil {
		return err
	}

	go watchEvents(opCtx, orch.Events())

	var final *model.ImportSession
	if resumed && sess.Status == model.StatusPaused {
		final, err = orch.Resume(opCtx, sess.ID)
	} else {
		final, err = orch.Run(opCtx, sess.ID)
	}
	if err != nil {
		return err
	}

	return reportOutcome(final)
}

// reportOutcome prints the end-of-run summary shared by import and resume.
func reportOutcome(sess *model.ImportSession) error {
	switch sess.Status {
	case model.StatusCompleted:
		fmt.Printf("Session %s completed: %d transactions staged, %d categorized.\n",
			sess.ID, len(sess.Staged), sess.CategorizedCount())
		if len(sess.FailedBatches) > 0 {
			fmt.Printf("%d batch(es) failed; run 'ledgermill status %s' for details.\n",
				len(sess.FailedBatches), sess.ID)
		}
		fmt.Printf("Review and approve with: ledgermill approve %s\n", sess.ID)
	case model.StatusPaused:
		fmt.Printf("Session %s paused with %d transactions staged.\n", sess.ID, len(sess.Staged))
		fmt.Printf("Continue with: ledgermill resume %s\n", sess.ID)
	default:
		slog.Warn("Run ended in unexpected status",
			"session_id", sess.ID,
			"status", sess.Status)
	}
	return nil
}

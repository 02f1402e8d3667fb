package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/pmorris/ledgermill/internal/model"
	"github.com/pmorris/ledgermill/internal/scheduler"
)

// watchEvents renders pipeline progress to stderr while a run is active.
// One bar per stage; terminal batch failures surface as warnings without
// interrupting the bar for long.
func watchEvents(ctx context.Context, events <-chan scheduler.Event) {
	var bar *progressbar.ProgressBar
	var stage model.Stage

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case scheduler.EventProgress:
				if bar == nil || stage != ev.Progress.Stage {
					stage = ev.Progress.Stage
					bar = progressbar.NewOptions(ev.Progress.Total,
						progressbar.OptionSetDescription(fmt.Sprintf("%s batches", stage)),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionShowCount(),
						progressbar.OptionSetPredictTime(true),
						progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
					)
				}
				_ = bar.Set(ev.Progress.Current)
			case scheduler.EventBatchFailed:
				slog.Warn("Batch failed after retries",
					"stage", ev.Batch.Stage,
					"rows", ev.Batch.Range.String(),
					"attempts", ev.Batch.RetryCount,
					"error", ev.Err)
			}
		}
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/config"
	"github.com/pmorris/ledgermill/internal/finalize"
	"github.com/pmorris/ledgermill/internal/ledger"
	"github.com/pmorris/ledgermill/internal/llm"
	"github.com/pmorris/ledgermill/internal/pipeline"
	"github.com/pmorris/ledgermill/internal/session"
)

// runtime bundles the stores and clients a command needs, so each command
// builds exactly what it uses and closes it afterward.
type runtime struct {
	sessions *session.SQLiteStore
	ledger   *ledger.SQLiteStore
	client   llm.Client
}

func (r *runtime) Close() {
	if r.client != nil {
		_ = r.client.Close()
	}
	if r.ledger != nil {
		_ = r.ledger.Close()
	}
	if r.sessions != nil {
		_ = r.sessions.Close()
	}
}

// initStores opens and migrates both databases.
func initStores(ctx context.Context) (*runtime, error) {
	sessionsPath := viper.GetString("storage.sessions_path")
	if sessionsPath == "" {
		sessionsPath = "$HOME/.local/share/ledgermill/sessions.db"
	}

	sessions, err := session.NewSQLiteStore(config.ExpandPath(sessionsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if err := sessions.Migrate(ctx); err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}

	ledgerPath := viper.GetString("storage.ledger_path")
	if ledgerPath == "" {
		ledgerPath = "$HOME/.local/share/ledgermill/ledger.db"
	}

	ledgerStore, err := ledger.NewSQLiteStore(config.ExpandPath(ledgerPath))
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	if err := ledgerStore.Migrate(ctx); err != nil {
		_ = ledgerStore.Close()
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to migrate ledger store: %w", err)
	}

	return &runtime{sessions: sessions, ledger: ledgerStore}, nil
}

// initPipeline builds the full stack for commands that run stages: stores,
// LLM client, invoker factory, and orchestrator.
func initPipeline(ctx context.Context) (*runtime, *pipeline.Orchestrator, error) {
	rt, err := initStores(ctx)
	if err != nil {
		return nil, nil, err
	}

	client, err := llm.NewClient(llm.Config{
		Provider:    viper.GetString("llm.provider"),
		APIKey:      viper.GetString("llm.api_key"),
		Model:       viper.GetString("llm.model"),
		BaseURL:     viper.GetString("llm.base_url"),
		RateLimit:   viper.GetInt("llm.rate_limit"),
		MaxTokens:   viper.GetInt("llm.max_tokens"),
		Temperature: viper.GetFloat64("llm.temperature"),
		Timeout:     viper.GetDuration("llm.timeout"),
	})
	if err != nil {
		rt.Close()
		return nil, nil, common.NewUserError(
			"AI provider is not configured; set llm.provider and llm.api_key in the config file or LEDGERMILL_ environment", err)
	}
	rt.client = client

	categories, err := rt.ledger.Categories(ctx)
	if err != nil {
		rt.Close()
		return nil, nil, fmt.Errorf("failed to load categories: %w", err)
	}

	orch := pipeline.New(rt.sessions, llm.NewInvokerFactory(client, categories), pipelineConfig())
	return rt, orch, nil
}

func pipelineConfig() pipeline.Config {
	return pipeline.Config{
		BatchSize:     viper.GetInt("pipeline.batch_size"),
		ParallelCount: viper.GetInt("pipeline.parallel"),
		MaxRetries:    viper.GetInt("pipeline.max_retries"),
		BaseDelay:     viper.GetDuration("pipeline.base_delay"),
		MaxDelay:      viper.GetDuration("pipeline.max_delay"),
		StageTimeout:  viper.GetDuration("pipeline.stage_timeout"),
	}
}

func newFinalizer(rt *runtime) *finalize.Finalizer {
	return finalize.New(rt.sessions, rt.ledger)
}

// pauseOnSignal turns command-context cancellation into a cooperative stop.
// The returned context stays alive so pause checkpoints can still be saved.
func pauseOnSignal(cmdCtx context.Context, orch *pipeline.Orchestrator) (context.Context, func()) {
	opCtx, opCancel := context.WithCancel(context.Background())
	stop := make(chan struct{})

	go func() {
		select {
		case <-cmdCtx.Done():
			orch.Stop()
			// Give the run a window to checkpoint and pause, then cut the
			// operation context so a second interrupt can't hang forever.
			select {
			case <-stop:
			case <-time.After(2 * time.Minute):
				opCancel()
			}
		case <-stop:
		}
	}()

	return opCtx, func() {
		close(stop)
		opCancel()
	}
}

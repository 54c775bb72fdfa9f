package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/agent"
	"github.com/jonathan/contrib-evaluator/internal/config"
	"github.com/jonathan/contrib-evaluator/internal/connector"
	"github.com/jonathan/contrib-evaluator/internal/db"
	"github.com/jonathan/contrib-evaluator/internal/evaluate"
	"github.com/jonathan/contrib-evaluator/internal/gather"
	"github.com/jonathan/contrib-evaluator/internal/grid"
	"github.com/jonathan/contrib-evaluator/internal/identify"
	"github.com/jonathan/contrib-evaluator/internal/llm"
	"github.com/jonathan/contrib-evaluator/internal/localstore"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/merge"
	"github.com/jonathan/contrib-evaluator/internal/metrics"
	"github.com/jonathan/contrib-evaluator/internal/pipeline"
	"github.com/jonathan/contrib-evaluator/internal/runs"
	"github.com/jonathan/contrib-evaluator/internal/snapshot"
	"github.com/jonathan/contrib-evaluator/internal/store"
)

// appStore is what the CLI needs from a backend
type appStore interface {
	store.Store
	store.Seeder
}

// app holds the wired components of one command invocation
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   appStore
	metrics *metrics.Recorder
	tracker *runs.Tracker
	grids   *grid.Catalog
	orch    *pipeline.Orchestrator
	client  llm.Client
}

// appOptions selects which parts of the app a command needs
type appOptions struct {
	// withAgents builds the LLM client; commands that never call an agent skip it
	withAgents bool
	onProgress pipeline.ProgressCallback
}

// newApp loads configuration and wires storage, stages and the orchestrator
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.New(),
	}

	if opts.withAgents {
		a.client, err = llm.NewClient(ctx, llm.NewConfig(cfg.LLM.Provider, cfg.LLM.BaseURL, cfg.LLM.Models), apiKey(cfg))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
	}

	repos := connector.NewRegistry()
	for _, c := range cfg.Connectors {
		f, err := connector.LoadFileFacade(c.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connector %s: %w", c.RepoID, err)
		}
		repos.Register(c.RepoID, f)
	}
	var docs connector.DocumentSource
	if cfg.MeetingNotesDir != "" {
		docs = &connector.DirDocumentSource{Dir: cfg.MeetingNotesDir}
	}

	base, maxDelay := cfg.AgentBackoff()
	policy := agent.Policy{
		MaxAttempts: cfg.Agent.MaxAttempts,
		BackoffBase: base,
		BackoffMax:  maxDelay,
		Logger:      logger,
		Metrics:     a.metrics,
	}

	resolver := connector.NewResolver()
	a.tracker = runs.NewTracker(st, runs.Options{ErrorMessageLimit: cfg.Runs.ErrorMessageLimit}, logger, a.metrics)
	a.grids = grid.NewCatalog(st, logger)
	a.orch = pipeline.New(pipeline.Deps{
		Store:   st,
		Tracker: a.tracker,
		Gatherer: gather.New(st, repos, resolver, docs, gather.Options{
			DefaultWindowDays: cfg.Sync.DefaultWindowDays,
			MaxCommits:        cfg.Sync.MaxCommits,
		}, logger),
		Identify:  identify.New(a.client, policy, logger),
		Merge:     merge.New(a.client, policy, logger),
		Evaluate:  evaluate.New(a.client, policy, cfg.Evaluate.MaxToolRounds, logger),
		Grids:     a.grids,
		Snapshots: snapshot.NewAggregator(logger),
		Resolver:  resolver,
		Metrics:   a.metrics,
		Logger:    logger,
	}, pipeline.Options{
		Concurrency:  cfg.Evaluate.Concurrency,
		MaxFileBytes: cfg.Evaluate.MaxFileBytes,
		RunTimeout:   cfg.Runs.Timeout,
		OnProgress:   opts.onProgress,
	})
	return a, nil
}

// Close releases the store, the LLM client and flushes the logger
func (a *app) Close() {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("failed to close LLM client", zap.Error(err))
		}
	}
	a.store.Close()
	_ = a.logger.Sync()
}

// openStore connects to PostgreSQL when a database URL is configured and
// falls back to the embedded SQLite file otherwise
func openStore(ctx context.Context, cfg *config.Config) (appStore, error) {
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return database, nil
	}

	ls, err := localstore.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.SQLitePath, err)
	}
	return ls, nil
}

// apiKey prefers the configured key and falls back to the provider's
// conventional environment variable
func apiKey(cfg *config.Config) string {
	if cfg.LLM.APIKey != "" {
		return cfg.LLM.APIKey
	}
	if cfg.LLM.Provider == string(llm.ProviderOpenAI) {
		return os.Getenv("OPENAI_API_KEY")
	}
	return os.Getenv("GEMINI_API_KEY")
}

// printProgress writes pipeline progress to stdout
func printProgress(event pipeline.ProgressEvent) {
	fmt.Printf("[%s] %s\n", event.Stage, event.Message)
}

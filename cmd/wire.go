package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetwise/internal/config"
	"github.com/meetwise/internal/database"
	"github.com/meetwise/internal/dispatch"
	"github.com/meetwise/internal/extraction"
	"github.com/meetwise/internal/jobqueue"
	"github.com/meetwise/internal/llm"
	"github.com/meetwise/internal/retrieval"
	"github.com/meetwise/internal/retry"
	"github.com/meetwise/internal/session"
	"github.com/meetwise/internal/tasks"
)

const gatewayTimeout = 10 * time.Second

// buildSession assembles a session from configuration. With a database URL
// the task registry, dispatch ledger and corpus live in Postgres; otherwise
// everything is in memory. The returned cleanup closes database handles.
func buildSession(ctx context.Context, cfg *config.Config, id string, brief session.Brief, seed bool, logger zerolog.Logger) (*session.Session, func(), error) {
	var deps session.Deps
	cleanup := func() {}

	if cfg.Dispatch.GatewayURL != "" {
		deps.Gateway = dispatch.NewHTTPGateway(cfg.Dispatch.GatewayURL, gatewayTimeout, cfg.Dispatch.RatePerSecond, cfg.Dispatch.Burst)
	} else {
		logger.Warn().Msg("no dispatch.gateway_url configured; dispatches are confirmed by the in-memory gateway")
	}

	if cfg.Extraction.Detector == "llm" {
		model, err := llm.NewModel(ctx, llm.Config{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
			Timeout:  cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("create model: %w", err)
		}
		client := llm.NewResilientClient(model, retry.QueryConfig(), cfg.LLM.Timeout, logger)
		deps.Detector = extraction.NewLLMDetector(client)
	}

	dbURL, err := database.ResolveURL(cfg.Database.URL)
	if err != nil || dbURL == "" {
		if cfg.Dispatch.Backend == "river" {
			return nil, cleanup, fmt.Errorf("dispatch backend river needs a database: %v", err)
		}
		logger.Info().Msg("no database configured; session state is kept in memory")
		corpus := retrieval.NewMemoryCorpus()
		deps.Corpus, deps.Indexer = corpus, corpus
		if seed {
			if err := retrieval.Seed(ctx, corpus, retrieval.SeedDocuments(time.Now())); err != nil {
				return nil, cleanup, err
			}
		}
		s, err := session.New(id, session.ConfigFrom(cfg), brief, deps, logger)
		return s, cleanup, err
	}

	db, err := database.Open(ctx, dbURL)
	if err != nil {
		return nil, cleanup, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, cleanup, err
	}
	pool, err := database.OpenPool(ctx, dbURL)
	if err != nil {
		db.Close()
		return nil, cleanup, err
	}
	cleanup = func() {
		pool.Close()
		db.Close()
	}

	ledger := dispatch.NewPostgresLedger(pool, id)
	corpus := retrieval.NewPostgresCorpus(db)
	deps.Store = tasks.NewPostgresStore(pool, id)
	deps.Ledger = ledger
	deps.Corpus, deps.Indexer = corpus, corpus
	if seed {
		if err := retrieval.Seed(ctx, corpus, retrieval.SeedDocuments(time.Now())); err != nil {
			cleanup()
			return nil, func() {}, err
		}
	}

	if cfg.Dispatch.Backend == "river" {
		qc := jobqueue.DefaultQueueConfig()
		qc.MaxWorkers = cfg.Dispatch.Workers
		queue, err := jobqueue.NewRiverQueue(pool, ledger, qc, logger)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("create river queue: %w", err)
		}
		deps.Queue = queue
	}

	s, err := session.New(id, session.ConfigFrom(cfg), brief, deps, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return s, cleanup, nil
}

func loadBrief(path string) (session.Brief, error) {
	if path == "" {
		return session.SampleBrief(time.Now()), nil
	}
	return session.LoadBrief(path)
}

// loadConfig loads and validates the configuration and sets up logging.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/backend"
	"github.com/sells-group/prep-cli/internal/billing"
	"github.com/sells-group/prep-cli/internal/cost"
	"github.com/sells-group/prep-cli/internal/credit"
	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/pipeline"
	"github.com/sells-group/prep-cli/internal/research"
	"github.com/sells-group/prep-cli/internal/store"
	anthropicpkg "github.com/sells-group/prep-cli/pkg/anthropic"
	"github.com/sells-group/prep-cli/pkg/jina"
	"github.com/sells-group/prep-cli/pkg/perplexity"
)

// appEnv holds the store, ledgers and (for research commands) the pipeline
// shared by every subcommand.
type appEnv struct {
	Store    store.Store
	Credits  credit.AdminLedger
	Guard    *credit.Guard
	Resolver *cost.Resolver
	Metrics  *metrics.Metrics
	Pipeline *pipeline.Pipeline

	closers []func() error
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// initEnv validates the config for mode, opens and migrates the store and
// builds the credit ledger and cost resolver. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Metrics: metrics.New()}
	env.closers = append(env.closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ledger, closeLedger, err := initCredits(ctx, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeLedger != nil {
		env.closers = append(env.closers, closeLedger)
	}
	env.Credits = ledger

	policy, err := credit.ParsePolicy(cfg.Credits.DegradedPolicy)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Guard = credit.NewGuard(ledger, policy, env.Metrics)
	env.Resolver = cost.NewResolver(st, cfg.Pricing.Coefficients(), env.Metrics)

	return env, nil
}

// initResearchEnv extends initEnv with the search and generation backends
// and the meeting pipeline.
func initResearchEnv(ctx context.Context, mode string) (*appEnv, error) {
	env, err := initEnv(ctx, mode)
	if err != nil {
		return nil, err
	}

	gen, err := initGenerator()
	if err != nil {
		env.Close()
		return nil, err
	}

	jinaOpts := []jina.Option{}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	search := backend.NewJinaSearch(jina.NewClient(cfg.Jina.Key, jinaOpts...), cfg.Jina.RPS)

	meter := billing.NewMeter(env.Store, env.Resolver, env.Guard, env.Metrics)
	rcfg := research.Config{
		MaxResults:      cfg.Search.MaxResults,
		SearchTimeout:   seconds(cfg.Search.TimeoutSecs),
		GenerateTimeout: seconds(cfg.Generation.TimeoutSecs),
	}

	env.Pipeline = pipeline.New(
		env.Store,
		research.NewPersonTask(search, gen, meter, rcfg, env.Metrics),
		research.NewCompanyTask(search, gen, meter, rcfg, env.Metrics),
		pipeline.NewExtractor(cfg.Pipeline.TalkingPoints),
		pipeline.Config{
			MaxConcurrency:   cfg.Pipeline.MaxConcurrency,
			Timeout:          seconds(cfg.Pipeline.TimeoutSecs),
			MaxTalkingPoints: cfg.Pipeline.MaxTalkingPoints,
		},
		env.Metrics,
	)

	zap.L().Info("research pipeline ready",
		zap.String("generation_provider", cfg.Generation.Provider),
		zap.String("credits_backend", cfg.Credits.Backend),
		zap.String("degraded_policy", cfg.Credits.DegradedPolicy),
		zap.Int("max_concurrency", cfg.Pipeline.MaxConcurrency),
	)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prep.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCredits returns the configured credit ledger and an optional closer.
func initCredits(ctx context.Context, st store.Store) (credit.AdminLedger, func() error, error) {
	if cfg.Credits.Backend != "redis" {
		return store.NewCreditLedger(st), nil, nil
	}
	ledger, closeFn, err := credit.NewRedisLedgerFromURL(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("credit ledger using redis")
	return ledger, closeFn, nil
}

func initGenerator() (research.Generator, error) {
	switch cfg.Generation.Provider {
	case "perplexity":
		client := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		)
		return backend.NewPerplexityGenerator(client, cfg.Perplexity.Model), nil
	case "anthropic", "":
		claudeCfg := backend.ClaudeConfig{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
		}
		if cfg.Anthropic.WebSearch {
			claudeCfg.WebSearchMaxUses = 3
		}
		return backend.NewClaudeGenerator(anthropicpkg.NewClient(cfg.Anthropic.Key), claudeCfg), nil
	default:
		return nil, eris.Errorf("unsupported generation provider: %s", cfg.Generation.Provider)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

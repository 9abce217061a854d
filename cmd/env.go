package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/green-detective/detective/internal/crawl"
	"github.com/green-detective/detective/internal/objstore"
	"github.com/green-detective/detective/internal/pipeline"
	"github.com/green-detective/detective/internal/store"
	"github.com/green-detective/detective/pkg/anthropic"
	"github.com/green-detective/detective/pkg/assistant"
	"github.com/green-detective/detective/pkg/embed"
)

// appEnv bundles the shared dependencies behind every command.
type appEnv struct {
	store    store.Store
	storage  *objstore.FSStorage
	pipeline *pipeline.Pipeline
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "detective.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	fetchTimeout := time.Duration(cfg.Crawl.FetchTimeoutSecs) * time.Second
	fetcher := crawl.NewChainFetcher(crawl.NewHeadlessRenderer(fetchTimeout), fetchTimeout)

	llm := assistant.NewClient(cfg.Assistant.Key,
		assistant.WithBaseURL(cfg.Assistant.BaseURL))
	embedder := embed.NewClient(cfg.Embed.Key,
		embed.WithBaseURL(cfg.Embed.BaseURL),
		embed.WithModel(cfg.Embed.Model),
		embed.WithDimension(cfg.Embed.Dimension))
	summarizer := anthropic.NewClient(cfg.Anthropic.Key,
		anthropic.WithModel(cfg.Anthropic.Model),
		anthropic.WithMaxTokens(cfg.Anthropic.MaxTokens))

	storage := objstore.NewFS(cfg.Storage)

	return &appEnv{
		store:    st,
		storage:  storage,
		pipeline: pipeline.New(cfg, st, fetcher, llm, embedder, summarizer, storage),
	}, nil
}

func (e *appEnv) Close() {
	e.store.Close()
}

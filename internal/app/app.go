// Package app wires concrete adapters into the use cases according to config.
package app

import (
	"errors"
	"fmt"
	"time"

	"ragkb/config"
	"ragkb/internal/adapter/analyzer"
	"ragkb/internal/adapter/cache"
	"ragkb/internal/adapter/chunker"
	"ragkb/internal/adapter/compressor"
	"ragkb/internal/adapter/embedding"
	"ragkb/internal/adapter/fs"
	"ragkb/internal/adapter/objectstore"
	"ragkb/internal/adapter/parser"
	"ragkb/internal/adapter/retriever"
	"ragkb/internal/adapter/store"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
	"ragkb/internal/usecase"
)

const queryCacheTTL = 10 * time.Minute

// Storage is the persistent part of the system: relational store, vector
// index and object store.
type Storage struct {
	Store     *store.BoltStore
	Index     *store.BoltVectorIndex
	Objects   *objectstore.LocalStore
	Tokenizer *analyzer.Tokenizer
	Migration *store.MigrationResult
}

// OpenStorage opens the data files and applies pending schema migrations.
// Configuration drift is reported in Migration and left for an explicit
// rechunk.
func OpenStorage(cfg *config.Config, log *logger.Logger) (*Storage, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	tok := analyzer.NewTokenizer()

	st, err := store.NewBoltStore(cfg.ChunkStorePath(), tok)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}
	mig, err := st.CheckMigration(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to check migration: %w", err)
	}
	switch {
	case mig.Unsupported:
		st.Close()
		return nil, fmt.Errorf("chunk store: %s", mig.Reason)
	case mig.NeedsMigration:
		log.Info("running schema migration", "from", mig.OldVersion, "to", mig.NewVersion, "reason", mig.Reason)
		if err := st.Migrate(cfg); err != nil {
			st.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	if mig.NeedsRechunk {
		log.Warn("stored chunks were produced with a different configuration; run rechunk --all to refresh them", "reason", mig.Reason)
	}

	idx, err := store.NewBoltVectorIndex(cfg.VectorIndexPath(), cfg.Embedding.Dimension)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	objects, err := objectstore.NewLocalStore(cfg.ObjectStore.BasePath, cfg.ObjectStore.MaxFileSize)
	if err != nil {
		st.Close()
		idx.Close()
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	return &Storage{Store: st, Index: idx, Objects: objects, Tokenizer: tok, Migration: mig}, nil
}

func (s *Storage) Close() error {
	return errors.Join(s.Index.Close(), s.Store.Close())
}

// App holds every use case of the knowledge base.
type App struct {
	*Storage

	Config      *config.Config
	Log         *logger.Logger
	Walker      *fs.Walker
	Coordinator *usecase.Coordinator
	Query       *usecase.QueryService
	Auditor     *usecase.Auditor
	Purger      *usecase.Purger
}

// Open builds the full application from cfg.
func Open(cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	s, err := OpenStorage(cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, s, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, s *Storage, log *logger.Logger) (*App, error) {
	emb, err := NewEmbedder(cfg.Embedding, s.Tokenizer)
	if err != nil {
		return nil, err
	}
	chk, err := NewChunker(cfg.Chunking, s.Tokenizer)
	if err != nil {
		return nil, err
	}

	coord, err := usecase.NewCoordinator(s.Store, s.Objects, parser.Default(), chk, emb, s.Index, usecase.IngestConfig{
		MaxAttempts:   cfg.Ingestion.MaxAttempts,
		MaxJobRetries: cfg.Ingestion.MaxJobRetries,
		RetryBackoff:  cfg.Ingestion.RetryBackoff,
		MaxParallel:   cfg.Ingestion.MaxParallel,
	}, log.With("component", "ingest"))
	if err != nil {
		return nil, err
	}

	qc := cache.NewQueryCache(cfg.Embedding.CacheSize, queryCacheTTL)
	vector, err := retriever.NewSemanticRetriever(s.Index, emb, s.Store, qc, cfg.Retrieval.SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	lexical := retriever.NewBM25Retriever(s.Store, s.Store, s.Tokenizer, cfg.Lexical.K1, cfg.Lexical.B)
	qlog := log.With("component", "query")
	hybrid := retriever.NewHybridRetriever(vector, lexical, cfg.Retrieval.ChannelTimeout, qlog)

	rr, err := NewReranker(cfg.Rerank, s.Tokenizer)
	if err != nil {
		return nil, err
	}
	var comp port.Compressor
	if cfg.Budget.CompressionEnabled {
		comp = compressor.NewFrequencyCompressor(s.Tokenizer)
	}
	walker, err := fs.NewWalker(cfg.Ingestion.Includes, cfg.Ingestion.Excludes, cfg.ObjectStore.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("ingestion globs: %w", err)
	}
	limiter := usecase.NewTenantLimiter(cfg.Security.MaxQueryRate, cfg.Security.QueryBurst)

	query := usecase.NewQueryService(
		usecase.NewVersionResolver(s.Store, qlog),
		hybrid,
		usecase.NewFusionRanker(rr, cfg.Retrieval.TopKRaw, cfg.Retrieval.TopM, qlog),
		usecase.NewBudgetAllocator(s.Tokenizer, comp, cfg.Budget.CompressionRatio, qlog),
		usecase.NewCitationBinder(s.Store),
		limiter,
		usecase.QueryConfig{
			TopKRaw:          cfg.Retrieval.TopKRaw,
			MaxContextTokens: cfg.Budget.MaxContextTokens,
			ChunkMaxTokens:   cfg.Budget.ChunkMaxTokens,
			Timeout:          cfg.Retrieval.QueryTimeout,
		},
		qlog,
	)

	return &App{
		Storage:     s,
		Config:      cfg,
		Log:         log,
		Walker:      walker,
		Coordinator: coord,
		Query:       query,
		Auditor:     usecase.NewAuditor(s.Store, s.Index, log.With("component", "audit")),
		Purger:      usecase.NewPurger(s.Store, s.Index, s.Objects, limiter, log.With("component", "purge"), qc),
	}, nil
}

// RecordConfig stores the current chunking and embedding fingerprint, which
// clears the drift warning.
func (a *App) RecordConfig() error {
	return a.Store.RecordFingerprint(a.Config)
}

// NewEmbedder selects the embedding provider.
func NewEmbedder(cfg config.EmbeddingConfig, tok port.Tokenizer) (port.Embedder, error) {
	switch cfg.Provider {
	case "hash":
		return embedding.NewHashEmbedder(cfg.Dimension, tok), nil
	case "openai":
		e, err := embedding.NewOpenAIEmbedder(cfg.APIKeyEnv, cfg.Model, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		return e.WithBatchSize(cfg.BatchSize), nil
	case "ollama":
		e, err := embedding.NewOllamaEmbedder(cfg.Model, cfg.BaseURL, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		return e.WithBatchSize(cfg.BatchSize), nil
	case "openai-compatible":
		e, err := embedding.NewOpenAICompatibleEmbedder(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		return e.WithBatchSize(cfg.BatchSize), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// NewChunker selects the chunking strategy.
func NewChunker(cfg config.ChunkingConfig, tok port.Tokenizer) (port.Chunker, error) {
	switch cfg.Strategy {
	case "structure":
		return chunker.NewStructureChunker(cfg.ChunkTokens, cfg.ChunkOverlap, tok), nil
	case "window":
		return chunker.NewWindowChunker(cfg.ChunkTokens, cfg.ChunkOverlap, tok), nil
	default:
		return nil, fmt.Errorf("unsupported chunking strategy: %s", cfg.Strategy)
	}
}

// NewReranker returns nil when reranking is disabled.
func NewReranker(cfg config.RerankConfig, tok port.Tokenizer) (port.Reranker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "cohere":
		return retriever.NewCohereReranker(cfg.APIKeyEnv, cfg.Model, cfg.Timeout)
	case "overlap":
		return retriever.NewOverlapReranker(tok), nil
	default:
		return nil, fmt.Errorf("unsupported rerank provider: %s", cfg.Provider)
	}
}

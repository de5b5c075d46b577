package retriever

import (
	"context"
	"fmt"

	"ragkb/internal/adapter/cache"
	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var _ port.ChannelSearcher = (*SemanticRetriever)(nil)

// SemanticRetriever is the vector channel: it embeds the query, searches the
// vector index under the request scope and hydrates hits from the chunk store.
type SemanticRetriever struct {
	index     port.VectorIndex
	embedder  port.Embedder
	store     port.ChunkStore
	cache     *cache.QueryCache
	threshold float64
}

// NewSemanticRetriever drops hits scoring below threshold. A threshold of 0
// disables the cut-off. cache may be nil.
func NewSemanticRetriever(
	index port.VectorIndex,
	embedder port.Embedder,
	store port.ChunkStore,
	queryCache *cache.QueryCache,
	threshold float64,
) (*SemanticRetriever, error) {
	if embedder.Dimension() != index.Dimension() {
		return nil, fmt.Errorf("%w: embedder %s produces %d, index expects %d",
			domain.ErrDimensionMismatch, embedder.ModelName(), embedder.Dimension(), index.Dimension())
	}
	return &SemanticRetriever{
		index:     index,
		embedder:  embedder,
		store:     store,
		cache:     queryCache,
		threshold: threshold,
	}, nil
}

func (r *SemanticRetriever) Channel() domain.Channel { return domain.ChannelVector }

func (r *SemanticRetriever) Search(ctx context.Context, req domain.SearchRequest) ([]domain.Hit, error) {
	scope := req.Scope()
	if err := scope.Require("vector search"); err != nil {
		return nil, err
	}
	if scope.Empty() {
		return nil, nil
	}

	vector, err := r.embedQuery(ctx, scope.Tenant(), req.Query)
	if err != nil {
		return nil, err
	}

	minScore := r.threshold
	if minScore == 0 {
		minScore = -1
	}
	results, err := r.index.Search(ctx, port.VectorQuery{
		Scope:    scope,
		Vector:   vector,
		Model:    r.embedder.ModelName(),
		TopK:     req.TopKRaw,
		MinScore: minScore,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	ranked := make([]scoredUID, 0, len(results))
	for _, result := range results {
		if err := domain.CheckTenant(scope.Tenant(), result.TenantID, "vector index"); err != nil {
			return nil, err
		}
		ranked = append(ranked, scoredUID{uid: result.ChunkUID, score: result.Score})
	}

	return hydrate(ctx, r.store, scope, ranked, "vector channel")
}

func (r *SemanticRetriever) embedQuery(ctx context.Context, tenant domain.TenantID, query string) ([]float32, error) {
	model := r.embedder.ModelName()
	if r.cache != nil {
		if v, ok := r.cache.Get(tenant, model, query); ok {
			return v, nil
		}
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, &domain.EmbedError{Cause: err}
	}
	if len(embeddings) == 0 {
		return nil, &domain.EmbedError{Cause: fmt.Errorf("embedding returned empty result")}
	}

	if r.cache != nil {
		r.cache.Put(tenant, model, query, embeddings[0])
	}
	return embeddings[0], nil
}

package port

import (
	"context"
	"time"

	"ragkb/internal/domain"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// VectorIndex is a derived, rebuildable projection of the chunk store.
// Every query carries a domain.Scope which the index applies while scanning.
type VectorIndex interface {
	Upsert(ctx context.Context, entries []VectorEntry) error

	Search(ctx context.Context, query VectorQuery) ([]VectorHit, error)

	Delete(ctx context.Context, tenant domain.TenantID, ids []string) error

	ListIDs(ctx context.Context, tenant domain.TenantID) ([]string, error)

	Count(ctx context.Context, tenant domain.TenantID) (int, error)

	DeleteTenant(ctx context.Context, tenant domain.TenantID) error

	Dimension() int
}

// VectorEntry mirrors the relational metadata needed for filtered search
// without a join back to the chunk store.
type VectorEntry struct {
	ID           string
	TenantID     domain.TenantID
	DocumentUUID string
	VersionRef   domain.VersionRef
	VersionLabel string
	ChunkUID     string
	ModelName    string
	Vector       []float32
	Timestamp    time.Time
}

type VectorQuery struct {
	Scope  domain.Scope
	Vector []float32
	// Model restricts hits to vectors produced by that embedding model.
	Model    string
	TopK     int
	MinScore float64
}

type VectorHit struct {
	ID         string
	TenantID   domain.TenantID
	VersionRef domain.VersionRef
	ChunkUID   string
	Score      float64
}

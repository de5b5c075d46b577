package port

import (
	"context"

	"ragkb/internal/domain"
)

// ChannelSearcher is one retrieval channel of the hybrid retriever.
type ChannelSearcher interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.Hit, error)

	Channel() domain.Channel
}

// HybridSearcher runs every channel for one scoped request. Only isolation
// violations and caller cancellation are returned as errors; a slow or
// failing channel is reported in the result instead.
type HybridSearcher interface {
	Search(ctx context.Context, req domain.SearchRequest) (domain.ChannelResults, error)
}

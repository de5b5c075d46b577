package port

import "context"

// Reranker scores query-document pairs for relevance.
type Reranker interface {
	// Rerank returns a reordered subset of the input, best first.
	Rerank(ctx context.Context, query string, texts []string) ([]RerankedResult, error)

	ModelName() string
}

// RerankedResult points back into the slice passed to Rerank.
type RerankedResult struct {
	Index int
	Score float64
}

// Compressor merges a group of related texts into one shorter block.
type Compressor interface {
	Compress(ctx context.Context, texts []string, targetRatio float64) (string, error)
}

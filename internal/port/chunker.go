package port

import "ragkb/internal/domain"

// Chunker turns parsed blocks into ordered chunk drafts. Implementations must
// be deterministic for identical input and configuration.
type Chunker interface {
	Chunk(blocks []domain.Block) ([]domain.ChunkDraft, error)

	// Fingerprint identifies the strategy and its parameters.
	Fingerprint() string
}

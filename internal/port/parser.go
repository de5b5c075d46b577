package port

import (
	"context"

	"ragkb/internal/domain"
)

// Parser extracts structured text blocks from raw bytes. Failures are
// reported as *domain.ParseError.
type Parser interface {
	Parse(ctx context.Context, mimeType string, data []byte) ([]domain.Block, error)

	// DetectMIME picks the MIME type for an upload.
	DetectMIME(filename string, data []byte) string

	// Title returns a title found in the content, or "".
	Title(mimeType string, data []byte) string
}

// ObjectStore holds uploaded bytes. Put never overwrites an existing URI.
type ObjectStore interface {
	Put(ctx context.Context, tenant domain.TenantID, documentUUID, versionLabel, filename string, data []byte) (string, error)

	Get(ctx context.Context, sourceURI string) ([]byte, error)

	DeleteTenant(ctx context.Context, tenant domain.TenantID) error
}

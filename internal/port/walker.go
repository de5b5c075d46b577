package port

import (
	"context"
	"io"
)

// FileWalker selects the files a batch ingestion picks up.
type FileWalker interface {
	// Walk lists candidate files under root in relative-path order. Files
	// that match but cannot be ingested carry a SkipReason.
	Walk(ctx context.Context, root string) ([]FileInfo, error)
	Open(path string) (io.ReadCloser, error)
}

type FileInfo struct {
	Path       string
	RelPath    string
	ModTime    int64
	Size       int64
	SkipReason string
}

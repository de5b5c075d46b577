package usecase

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

// BatchResult contains the outcome of a directory ingestion.
type BatchResult struct {
	Files      []BatchFile
	Ingested   int
	Duplicates int
	Failed     int
}

type BatchFile struct {
	Path   string
	Result IngestResult
	Err    string
}

// IngestBatch ingests every file the walker selects under root, at most
// MaxParallel at a time. A file becomes a document titled by its relative
// path, so re-running a batch adds versions only for files that changed.
// progress, if set, is called once per file.
func (c *Coordinator) IngestBatch(ctx context.Context, tenant domain.TenantID, root string, walker port.FileWalker, progress func(BatchFile)) (*BatchResult, error) {
	if err := domain.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	files, err := walker.Walk(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	existing, err := c.store.ListDocuments(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing documents: %w", err)
	}
	byTitle := make(map[string]string, len(existing))
	for _, doc := range existing {
		byTitle[doc.Title] = doc.UUID
	}

	result := &BatchResult{Files: make([]BatchFile, len(files))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallel)
	for i, file := range files {
		g.Go(func() error {
			bf := c.ingestFile(gctx, tenant, file, byTitle[file.RelPath], walker)

			mu.Lock()
			defer mu.Unlock()
			result.Files[i] = bf
			switch {
			case bf.Err != "" || bf.Result.Failed():
				result.Failed++
			case bf.Result.Duplicate:
				result.Duplicates++
			default:
				result.Ingested++
			}
			if progress != nil {
				progress(bf)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Coordinator) ingestFile(ctx context.Context, tenant domain.TenantID, file port.FileInfo, docUUID string, walker port.FileWalker) BatchFile {
	bf := BatchFile{Path: file.RelPath}
	if file.SkipReason != "" {
		bf.Err = "skipped: " + file.SkipReason
		return bf
	}
	body, err := walker.Open(file.Path)
	if err != nil {
		bf.Err = err.Error()
		return bf
	}
	defer body.Close()

	res, err := c.Ingest(ctx, IngestRequest{
		TenantID:     tenant,
		DocumentUUID: docUUID,
		Filename:     file.RelPath,
		Title:        file.RelPath,
		Body:         body,
	})
	if err != nil {
		bf.Err = err.Error()
		c.log.Warn("batch file rejected", "tenant_id", tenant, "path", file.RelPath, "error", err)
	}
	bf.Result = res
	return bf
}

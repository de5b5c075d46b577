package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

var (
	chunkNamespace  = uuid.MustParse("6f1c1b0e-3f7a-5d8e-9a51-2c4b7e0d9a10")
	vectorNamespace = uuid.MustParse("b8e3a2d4-71c9-5f06-8e2b-4d5a6c7e8f90")
)

// IngestConfig bounds retries and parallelism of the ingestion pipeline.
type IngestConfig struct {
	// MaxAttempts is the number of in-phase attempts for parse and embed.
	MaxAttempts int
	// MaxJobRetries is how often a job may leave the error phase via Resume.
	MaxJobRetries int
	RetryBackoff  time.Duration
	MaxParallel   int
}

// Coordinator drives uploads through upload → parse → chunk → embed →
// complete. Every phase transition is persisted before the next phase starts.
type Coordinator struct {
	store    port.ChunkStore
	objects  port.ObjectStore
	parser   port.Parser
	chunker  port.Chunker
	embedder port.Embedder
	index    port.VectorIndex
	cfg      IngestConfig
	log      *logger.Logger
	now      func() time.Time
}

func NewCoordinator(
	store port.ChunkStore,
	objects port.ObjectStore,
	parser port.Parser,
	chunker port.Chunker,
	embedder port.Embedder,
	index port.VectorIndex,
	cfg IngestConfig,
	log *logger.Logger,
) (*Coordinator, error) {
	if embedder.Dimension() != index.Dimension() {
		return nil, fmt.Errorf("%w: embedder %s produces %d, index expects %d",
			domain.ErrDimensionMismatch, embedder.ModelName(), embedder.Dimension(), index.Dimension())
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		store:    store,
		objects:  objects,
		parser:   parser,
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}, nil
}

// IngestRequest describes one upload. DocumentUUID is empty for a new
// document; VersionLabel defaults to the next free integer label.
type IngestRequest struct {
	TenantID      domain.TenantID
	DocumentUUID  string
	Filename      string
	Title         string
	VersionLabel  string
	EffectiveDate *time.Time
	Body          io.Reader
}

// IngestResult is the job status handed back to the caller.
type IngestResult struct {
	JobID        string            `json:"job_id"`
	TenantID     domain.TenantID   `json:"tenant_id"`
	DocumentUUID string            `json:"document_uuid"`
	VersionRef   domain.VersionRef `json:"version_ref,omitempty"`
	Phase        domain.Phase      `json:"phase"`
	Duplicate    bool              `json:"duplicate,omitempty"`
	Retries      int               `json:"retries"`
	LastError    string            `json:"last_error,omitempty"`
	ChunkCount   int               `json:"chunk_count"`
}

// Failed reports whether the job ended in the error phase.
func (r IngestResult) Failed() bool { return r.Phase == domain.PhaseError }

// Ingest stores the upload and runs the pipeline to completion. Malformed
// requests are rejected with an error before anything is written; once a job
// exists, failures are reported through the returned job status.
func (c *Coordinator) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if err := domain.ValidateTenant(req.TenantID); err != nil {
		return IngestResult{}, err
	}
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return IngestResult{}, domain.Invalid("filename", "must not be empty")
	}
	if req.Body == nil {
		return IngestResult{}, domain.Invalid("file", "no content")
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return IngestResult{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return IngestResult{}, domain.Invalid("file", "empty upload")
	}
	checksum := contentChecksum(data)

	doc, err := c.resolveDocument(ctx, req, filename, data)
	if err != nil {
		return IngestResult{}, err
	}

	job := domain.IngestionJob{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Phase:     domain.PhaseUpload,
		CreatedAt: c.now().UTC(),
		UpdatedAt: c.now().UTC(),
		Log:       []domain.JobLogEntry{{At: c.now().UTC(), Phase: domain.PhaseUpload, Message: "upload received: " + filename}},
	}

	existing, found, err := c.store.FindVersionByChecksum(ctx, req.TenantID, doc.UUID, checksum)
	if err != nil {
		return IngestResult{}, err
	}
	if found {
		return c.adoptVersion(ctx, job, doc.UUID, existing, false)
	}

	label := req.VersionLabel
	versions, err := c.store.ListVersions(ctx, req.TenantID, doc.UUID)
	if err != nil {
		return IngestResult{}, err
	}
	if label != "" {
		for _, v := range versions {
			if v.VersionLabel == label {
				return IngestResult{}, domain.Invalid("version_label", "%q already exists for document %s", label, doc.UUID)
			}
		}
	}

	if err := c.store.CreateJob(ctx, job); err != nil {
		return IngestResult{}, fmt.Errorf("create job: %w", err)
	}

	uri, label, err := c.putObject(ctx, req.TenantID, doc.UUID, label, len(versions)+1, filename, data)
	if err != nil {
		c.fail(ctx, &job, fmt.Errorf("store upload: %w", err))
		return c.result(ctx, job, doc.UUID), nil
	}

	ref, err := c.store.CreateVersion(ctx, req.TenantID, port.NewVersion{
		DocumentUUID:  doc.UUID,
		VersionLabel:  label,
		SourceURI:     uri,
		Filename:      filename,
		Checksum:      checksum,
		EffectiveDate: req.EffectiveDate,
		UploadedAt:    c.now().UTC(),
	})
	var dup *domain.DuplicateChecksumError
	switch {
	case errors.As(err, &dup):
		// a concurrent upload of the same bytes created the version first
		ver, err := c.store.GetVersion(ctx, req.TenantID, dup.Existing)
		if err != nil {
			return IngestResult{}, err
		}
		return c.adoptVersion(ctx, job, doc.UUID, ver, true)
	case err != nil:
		c.fail(ctx, &job, fmt.Errorf("create version: %w", err))
		return c.result(ctx, job, doc.UUID), nil
	}

	// persisted before leaving upload so an interrupted job can be resumed
	job.VersionRef = ref
	if err := c.store.SaveJob(ctx, job); err != nil {
		return IngestResult{}, fmt.Errorf("save job: %w", err)
	}
	if err := c.advance(ctx, &job, domain.PhaseParse, "stored as "+uri); err != nil {
		return IngestResult{}, err
	}
	c.drive(ctx, &job)
	return c.result(ctx, job, doc.UUID), nil
}

func (c *Coordinator) resolveDocument(ctx context.Context, req IngestRequest, filename string, data []byte) (domain.Document, error) {
	if req.DocumentUUID != "" {
		return c.store.GetDocument(ctx, req.TenantID, req.DocumentUUID)
	}
	mimeType := c.parser.DetectMIME(filename, data)
	title := req.Title
	if title == "" {
		title = c.parser.Title(mimeType, data)
	}
	if title == "" {
		title = filename
	}
	return c.store.CreateDocument(ctx, req.TenantID, title, mimeType)
}

// putObject never overwrites: an explicit label that is taken fails, an
// automatic label moves on to the next free one.
func (c *Coordinator) putObject(ctx context.Context, tenant domain.TenantID, docUUID, label string, next int, filename string, data []byte) (string, string, error) {
	if label != "" {
		uri, err := c.objects.Put(ctx, tenant, docUUID, label, filename, data)
		return uri, label, err
	}
	const maxLabelTries = 100
	for i := 0; i < maxLabelTries; i++ {
		label = strconv.Itoa(next + i)
		uri, err := c.objects.Put(ctx, tenant, docUUID, label, filename, data)
		if errors.Is(err, domain.ErrObjectExists) {
			continue
		}
		return uri, label, err
	}
	return "", "", fmt.Errorf("no free version label after %d attempts: %w", maxLabelTries, domain.ErrObjectExists)
}

// adoptVersion handles an upload whose bytes already belong to ver. An ok
// version makes the upload a duplicate. Otherwise the upload re-ingests the
// version from parse, unless another job is still working on it, in which
// case that job's status is reported. persisted tells whether job has
// already been stored.
func (c *Coordinator) adoptVersion(ctx context.Context, job domain.IngestionJob, docUUID string, ver domain.DocumentVersion, persisted bool) (IngestResult, error) {
	job.VersionRef = ver.Ref
	if ver.ParseStatus == domain.ParseOK {
		if !persisted {
			if err := c.store.CreateJob(ctx, job); err != nil {
				return IngestResult{}, fmt.Errorf("create job: %w", err)
			}
		}
		if err := c.advance(ctx, &job, domain.PhaseComplete, "duplicate of version "+string(ver.Ref)); err != nil {
			return IngestResult{}, err
		}
		res := c.result(ctx, job, docUUID)
		res.Duplicate = true
		return res, nil
	}

	owner, err := c.store.ClaimVersion(ctx, job)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		// completed by another job since it was read
		ver, err = c.store.GetVersion(ctx, job.TenantID, ver.Ref)
		if err != nil {
			return IngestResult{}, err
		}
		return c.adoptVersion(ctx, job, docUUID, ver, persisted)
	case err != nil:
		return IngestResult{}, fmt.Errorf("claim version: %w", err)
	case owner != nil:
		if persisted {
			if err := c.store.DeleteJob(ctx, job.TenantID, job.ID); err != nil {
				return IngestResult{}, err
			}
		}
		res := c.result(ctx, *owner, docUUID)
		res.Duplicate = true
		return res, nil
	}

	c.log.Info("re-ingesting version", "tenant_id", job.TenantID, "job_id", job.ID, "version_ref", ver.Ref, "previous_status", ver.ParseStatus)
	if err := c.advance(ctx, &job, domain.PhaseParse, fmt.Sprintf("re-ingesting version %s (parse_status %s)", ver.Ref, ver.ParseStatus)); err != nil {
		return IngestResult{}, err
	}
	c.drive(ctx, &job)
	return c.result(ctx, job, docUUID), nil
}

// Resume continues a job from its persisted phase. A job in the error phase
// re-enters the phase that failed while its retry budget lasts.
func (c *Coordinator) Resume(ctx context.Context, tenant domain.TenantID, jobID string) (IngestResult, error) {
	job, err := c.store.GetJob(ctx, tenant, jobID)
	if err != nil {
		return IngestResult{}, err
	}

	switch job.Phase {
	case domain.PhaseComplete:
		return c.result(ctx, job, ""), nil
	case domain.PhaseUpload:
		if job.VersionRef == "" {
			c.fail(ctx, &job, errors.New("upload was interrupted before the version was stored; upload the file again"))
			return c.result(ctx, job, ""), nil
		}
		if err := c.advance(ctx, &job, domain.PhaseParse, "resumed"); err != nil {
			return IngestResult{}, err
		}
	case domain.PhaseError:
		if job.Terminal(c.cfg.MaxJobRetries) {
			return c.result(ctx, job, ""), fmt.Errorf("job %s: %w: retries exhausted or not resumable", job.ID, domain.ErrInvalidTransition)
		}
		owner, err := c.store.ClaimVersion(ctx, job)
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			return c.result(ctx, job, ""), fmt.Errorf("job %s: version was re-ingested by a later upload: %w", job.ID, domain.ErrInvalidTransition)
		case err != nil:
			return IngestResult{}, err
		case owner != nil:
			return c.result(ctx, job, ""), fmt.Errorf("job %s: version is being ingested by job %s: %w", job.ID, owner.ID, domain.ErrInvalidTransition)
		}
		if err := c.advance(ctx, &job, job.FailedPhase, fmt.Sprintf("retry %d of %d", job.Retries+1, c.cfg.MaxJobRetries)); err != nil {
			return IngestResult{}, err
		}
	}

	c.drive(ctx, &job)
	return c.result(ctx, job, ""), nil
}

// Rechunk re-runs chunk and embed for an ok version with the current
// strategy. Readers keep seeing the previous chunk set until the new one is
// committed.
func (c *Coordinator) Rechunk(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef) (IngestResult, error) {
	ver, err := c.store.GetVersion(ctx, tenant, ref)
	if err != nil {
		return IngestResult{}, err
	}
	if ver.ParseStatus != domain.ParseOK {
		return IngestResult{}, domain.Invalid("version_ref", "version %s has parse_status %s; only ok versions can be re-chunked", ref, ver.ParseStatus)
	}

	now := c.now().UTC()
	job := domain.IngestionJob{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		VersionRef: ref,
		Phase:      domain.PhaseComplete,
		CreatedAt:  now,
		UpdatedAt:  now,
		Log:        []domain.JobLogEntry{{At: now, Phase: domain.PhaseComplete, Message: "re-chunk requested, previous config " + ver.ChunkerConfig}},
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return IngestResult{}, fmt.Errorf("create job: %w", err)
	}
	if err := c.advance(ctx, &job, domain.PhaseChunk, "re-chunk with "+c.chunker.Fingerprint()); err != nil {
		return IngestResult{}, err
	}
	c.drive(ctx, &job)
	return c.result(ctx, job, ver.DocumentUUID), nil
}

// drive runs phases until the job completes or fails.
func (c *Coordinator) drive(ctx context.Context, job *domain.IngestionJob) {
	for {
		var (
			next domain.Phase
			msg  string
			err  error
		)
		switch job.Phase {
		case domain.PhaseParse:
			var n int
			err = c.withRetries(ctx, job, func(ctx context.Context) error {
				var perr error
				n, perr = c.parse(ctx, job)
				return perr
			})
			next, msg = domain.PhaseChunk, fmt.Sprintf("parsed %d blocks", n)
		case domain.PhaseChunk:
			var n int
			n, err = c.chunk(ctx, job)
			next, msg = domain.PhaseEmbed, fmt.Sprintf("committed %d chunks (%s)", n, c.chunker.Fingerprint())
		case domain.PhaseEmbed:
			var n int
			err = c.withRetries(ctx, job, func(ctx context.Context) error {
				var eerr error
				n, eerr = c.embed(ctx, job)
				return eerr
			})
			if err == nil {
				err = c.finish(ctx, job)
			}
			next, msg = domain.PhaseComplete, fmt.Sprintf("embedded %d chunks with %s", n, c.embedder.ModelName())
		default:
			return
		}

		if err != nil {
			c.fail(ctx, job, err)
			return
		}
		if err := c.advance(ctx, job, next, msg); err != nil {
			c.log.Error("persist phase transition failed", "tenant_id", job.TenantID, "job_id", job.ID, "phase", next, "error", err)
			return
		}
	}
}

// withRetries runs fn up to MaxAttempts times. Permanent failures and
// cancellation stop early.
func (c *Coordinator) withRetries(ctx context.Context, job *domain.IngestionJob, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if permanent(err) || ctx.Err() != nil || attempt == c.cfg.MaxAttempts {
			break
		}

		c.log.Warn("phase attempt failed",
			"tenant_id", job.TenantID, "job_id", job.ID, "version_ref", job.VersionRef,
			"phase", job.Phase, "attempt", attempt, "error", err)
		job.Log = append(job.Log, domain.JobLogEntry{
			At: c.now().UTC(), Phase: job.Phase,
			Message: fmt.Sprintf("attempt %d failed: %v", attempt, err),
		})
		job.UpdatedAt = c.now().UTC()
		if serr := c.store.SaveJob(ctx, *job); serr != nil {
			return serr
		}

		if c.cfg.RetryBackoff > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func permanent(err error) bool {
	var pe *domain.ParseError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	var re interface{ Retryable() bool }
	if errors.As(err, &re) {
		return !re.Retryable()
	}
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrIsolationViolation) ||
		errors.Is(err, domain.ErrDimensionMismatch) ||
		errors.Is(err, domain.ErrNotFound)
}

func (c *Coordinator) parse(ctx context.Context, job *domain.IngestionJob) (int, error) {
	blocks, err := c.parseSource(ctx, job)
	if err != nil {
		return 0, err
	}
	if err := c.store.StageBlocks(ctx, job.TenantID, job.ID, blocks); err != nil {
		return 0, err
	}
	return len(blocks), nil
}

func (c *Coordinator) parseSource(ctx context.Context, job *domain.IngestionJob) ([]domain.Block, error) {
	ver, err := c.store.GetVersion(ctx, job.TenantID, job.VersionRef)
	if err != nil {
		return nil, err
	}
	data, err := c.objects.Get(ctx, ver.SourceURI)
	if err != nil {
		return nil, err
	}
	blocks, err := c.parser.Parse(ctx, c.parser.DetectMIME(ver.Filename, data), data)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, &domain.ParseError{Cause: "document contains no text", Permanent: true}
	}
	return blocks, nil
}

// chunk commits the complete chunk set of the version in one batch. Blocks
// come from the parse stage; a job without staged blocks (re-chunk, or a
// cleared error) re-parses the stored source, which is deterministic.
func (c *Coordinator) chunk(ctx context.Context, job *domain.IngestionJob) (int, error) {
	chunks, err := c.buildChunks(ctx, job)
	if err != nil {
		return 0, err
	}

	previous, err := c.store.GetChunks(ctx, job.TenantID, job.VersionRef, domain.ChunkFilter{})
	if err != nil {
		return 0, err
	}
	// links are removed with the chunks, so collect vector ids first
	refs := c.vectorRefs(ctx, job.TenantID, previous)
	if err := c.store.CommitChunks(ctx, job.TenantID, job.VersionRef, chunks, c.chunker.Fingerprint()); err != nil {
		return 0, err
	}
	c.dropStaleVectors(ctx, job, refs, chunks)
	return len(chunks), nil
}

func (c *Coordinator) buildChunks(ctx context.Context, job *domain.IngestionJob) ([]domain.Chunk, error) {
	blocks, err := c.store.StagedBlocks(ctx, job.TenantID, job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		blocks, err = c.parseSource(ctx, job)
	}
	if err != nil {
		return nil, err
	}

	drafts, err := c.chunker.Chunk(blocks)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, &domain.ParseError{Cause: "chunker produced no chunks", Permanent: true}
	}

	chunks := make([]domain.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = domain.Chunk{
			TenantID:    job.TenantID,
			VersionRef:  job.VersionRef,
			UID:         ChunkUID(job.TenantID, job.VersionRef, i, d.Text),
			SeqNo:       i,
			SectionPath: d.SectionPath,
			PageNo:      d.PageNo,
			Text:        d.Text,
			TokenCount:  d.TokenCount,
		}
	}
	return chunks, nil
}

// vectorRefs maps each chunk uid to its vector ids under every embedding
// model linked so far and under the current model.
func (c *Coordinator) vectorRefs(ctx context.Context, tenant domain.TenantID, chunks []domain.Chunk) map[string][]string {
	refs := make(map[string][]string, len(chunks))
	if len(chunks) == 0 {
		return refs
	}
	for _, ch := range chunks {
		refs[ch.UID] = []string{VectorID(ch.UID, c.embedder.ModelName())}
	}
	links, err := c.store.ListEmbeddings(ctx, tenant)
	if err != nil {
		c.log.Warn("list embedding links; vectors of other models are left for reconcile", "tenant_id", tenant, "error", err)
		return refs
	}
	for _, l := range links {
		if ids, ok := refs[l.ChunkUID]; ok && !slices.Contains(ids, l.VectorRef) {
			refs[l.ChunkUID] = append(ids, l.VectorRef)
		}
	}
	return refs
}

// dropStaleVectors deletes every vector of the chunks in refs that current
// no longer contains.
func (c *Coordinator) dropStaleVectors(ctx context.Context, job *domain.IngestionJob, refs map[string][]string, current []domain.Chunk) {
	keep := make(map[string]struct{}, len(current))
	for _, ch := range current {
		keep[ch.UID] = struct{}{}
	}
	var stale []string
	for uid, ids := range refs {
		if _, ok := keep[uid]; !ok {
			stale = append(stale, ids...)
		}
	}
	if len(stale) == 0 {
		return
	}
	sort.Strings(stale)
	if err := c.index.Delete(ctx, job.TenantID, stale); err != nil {
		c.log.Warn("stale vector cleanup failed; reconcile will remove them",
			"tenant_id", job.TenantID, "version_ref", job.VersionRef, "count", len(stale), "error", err)
	}
}

// embed is idempotent: vectors are upserted under ids derived from the chunk
// uid and model, and links are upserted per (chunk, model).
func (c *Coordinator) embed(ctx context.Context, job *domain.IngestionJob) (int, error) {
	chunks, err := c.store.GetChunks(ctx, job.TenantID, job.VersionRef, domain.ChunkFilter{})
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		// chunks are cleared when a job fails; rebuild them before embedding
		if _, err := c.chunk(ctx, job); err != nil {
			return 0, err
		}
		if chunks, err = c.store.GetChunks(ctx, job.TenantID, job.VersionRef, domain.ChunkFilter{}); err != nil {
			return 0, err
		}
	}

	ver, err := c.store.GetVersion(ctx, job.TenantID, job.VersionRef)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, &domain.EmbedError{Cause: err}
	}
	if len(vectors) != len(chunks) {
		return 0, &domain.EmbedError{Cause: fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))}
	}

	model := c.embedder.ModelName()
	now := c.now().UTC()
	entries := make([]port.VectorEntry, len(chunks))
	for i, ch := range chunks {
		entries[i] = port.VectorEntry{
			ID:           VectorID(ch.UID, model),
			TenantID:     job.TenantID,
			DocumentUUID: ver.DocumentUUID,
			VersionRef:   ch.VersionRef,
			VersionLabel: ver.VersionLabel,
			ChunkUID:     ch.UID,
			ModelName:    model,
			Vector:       vectors[i],
			Timestamp:    now,
		}
	}
	if err := c.index.Upsert(ctx, entries); err != nil {
		return 0, err
	}
	for i, ch := range chunks {
		err := c.store.LinkEmbedding(ctx, job.TenantID, domain.Embedding{
			ChunkUID:  ch.UID,
			ModelName: model,
			Dim:       len(vectors[i]),
			VectorRef: entries[i].ID,
			UpdatedAt: now,
		})
		if err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// finish publishes the version to queries and drops the staged parse output.
func (c *Coordinator) finish(ctx context.Context, job *domain.IngestionJob) error {
	ver, err := c.store.GetVersion(ctx, job.TenantID, job.VersionRef)
	if err != nil {
		return err
	}
	if ver.ParseStatus == domain.ParsePending {
		if err := c.store.SetParseStatus(ctx, job.TenantID, job.VersionRef, domain.ParseOK); err != nil {
			return err
		}
	}
	return c.store.ClearStaged(ctx, job.TenantID, job.ID)
}

func (c *Coordinator) advance(ctx context.Context, job *domain.IngestionJob, to domain.Phase, msg string) error {
	if err := job.Transition(to, msg, c.cfg.MaxJobRetries, c.now().UTC()); err != nil {
		return err
	}
	if err := c.store.SaveJob(ctx, *job); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	c.log.Info("phase transition",
		"tenant_id", job.TenantID,
		"job_id", job.ID,
		"version_ref", job.VersionRef,
		"phase", to,
	)
	return nil
}

// fail moves the job to error. A pending version is marked error and its
// chunks and vectors are withdrawn, so no chunk outlives a failed version.
// State is persisted even when ctx is already cancelled.
func (c *Coordinator) fail(ctx context.Context, job *domain.IngestionJob, cause error) {
	ctx = context.WithoutCancel(ctx)
	failedPhase := job.Phase

	if job.VersionRef != "" {
		c.withdrawVersion(ctx, job)
	}

	if err := job.Transition(domain.PhaseError, cause.Error(), c.cfg.MaxJobRetries, c.now().UTC()); err != nil {
		c.log.Error("job transition to error refused", "job_id", job.ID, "phase", job.Phase, "error", err)
		return
	}
	if err := c.store.SaveJob(ctx, *job); err != nil {
		c.log.Error("save failed job", "tenant_id", job.TenantID, "job_id", job.ID, "error", err)
	}
	c.log.Error("ingestion failed",
		"tenant_id", job.TenantID,
		"job_id", job.ID,
		"version_ref", job.VersionRef,
		"phase", failedPhase,
		"retries", job.Retries,
		"error", cause,
	)
}

func (c *Coordinator) withdrawVersion(ctx context.Context, job *domain.IngestionJob) {
	ver, err := c.store.GetVersion(ctx, job.TenantID, job.VersionRef)
	if err != nil || ver.ParseStatus != domain.ParsePending {
		return
	}
	previous, err := c.store.GetChunks(ctx, job.TenantID, job.VersionRef, domain.ChunkFilter{})
	if err == nil && len(previous) > 0 {
		refs := c.vectorRefs(ctx, job.TenantID, previous)
		if err := c.store.CommitChunks(ctx, job.TenantID, job.VersionRef, nil, ver.ChunkerConfig); err != nil {
			c.log.Warn("withdraw chunks of failed version", "version_ref", job.VersionRef, "error", err)
		}
		c.dropStaleVectors(ctx, job, refs, nil)
	}
	if err := c.store.SetParseStatus(ctx, job.TenantID, job.VersionRef, domain.ParseFailed); err != nil {
		c.log.Warn("mark version failed", "version_ref", job.VersionRef, "error", err)
	}
}

func (c *Coordinator) result(ctx context.Context, job domain.IngestionJob, docUUID string) IngestResult {
	res := IngestResult{
		JobID:        job.ID,
		TenantID:     job.TenantID,
		DocumentUUID: docUUID,
		VersionRef:   job.VersionRef,
		Phase:        job.Phase,
		Retries:      job.Retries,
		LastError:    job.LastError,
	}
	if job.VersionRef == "" {
		return res
	}
	ctx = context.WithoutCancel(ctx)
	if res.DocumentUUID == "" {
		if ver, err := c.store.GetVersion(ctx, job.TenantID, job.VersionRef); err == nil {
			res.DocumentUUID = ver.DocumentUUID
		}
	}
	if chunks, err := c.store.GetChunks(ctx, job.TenantID, job.VersionRef, domain.ChunkFilter{}); err == nil {
		res.ChunkCount = len(chunks)
	}
	return res
}

// Status returns the persisted state of one job.
func (c *Coordinator) Status(ctx context.Context, tenant domain.TenantID, jobID string) (domain.IngestionJob, error) {
	return c.store.GetJob(ctx, tenant, jobID)
}

func contentChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChunkUID is stable for a given tenant, version, position and text, so
// re-running a deterministic chunker yields the same identifiers.
func ChunkUID(tenant domain.TenantID, ref domain.VersionRef, seq int, text string) string {
	var b bytes.Buffer
	b.WriteString(string(tenant))
	b.WriteByte(0)
	b.WriteString(string(ref))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(seq))
	b.WriteByte(0)
	b.WriteString(text)
	return uuid.NewSHA1(chunkNamespace, b.Bytes()).String()
}

// VectorID is the vector index key of a chunk's embedding under one model.
func VectorID(chunkUID, model string) string {
	return uuid.NewSHA1(vectorNamespace, []byte(chunkUID+"\x00"+model)).String()
}

package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragkb/internal/adapter/analyzer"
	"ragkb/internal/adapter/chunker"
	"ragkb/internal/adapter/embedding"
	"ragkb/internal/adapter/objectstore"
	"ragkb/internal/adapter/parser"
	"ragkb/internal/adapter/store"
	"ragkb/internal/domain"
	"ragkb/internal/port"
)

const testDim = 64

// harness wires real bbolt stores and a local object store on a temp dir.
type harness struct {
	t         *testing.T
	tokenizer *analyzer.Tokenizer
	store     *store.BoltStore
	index     *store.BoltVectorIndex
	objects   *objectstore.LocalStore
	embedder  *flakyEmbedder
	parser    port.Parser
	chunker   port.Chunker
	cfg       IngestConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	tok := analyzer.NewTokenizer()

	st, err := store.NewBoltStore(filepath.Join(dir, "chunks.db"), tok)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idx, err := store.NewBoltVectorIndex(filepath.Join(dir, "vectors.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	objects, err := objectstore.NewLocalStore(filepath.Join(dir, "objects"), 1<<20)
	require.NoError(t, err)

	return &harness{
		t:         t,
		tokenizer: tok,
		store:     st,
		index:     idx,
		objects:   objects,
		embedder:  &flakyEmbedder{Embedder: embedding.NewHashEmbedder(testDim, tok)},
		parser:    parser.Default(),
		chunker:   chunker.NewStructureChunker(120, 10, tok),
		cfg:       IngestConfig{MaxAttempts: 2, MaxJobRetries: 2, MaxParallel: 2},
	}
}

func (h *harness) coordinator() *Coordinator {
	h.t.Helper()
	c, err := NewCoordinator(h.store, h.objects, h.parser, h.chunker, h.embedder, h.index, h.cfg, nil)
	require.NoError(h.t, err)
	return c
}

func (h *harness) ingest(tenant domain.TenantID, docUUID, filename, body string) IngestResult {
	h.t.Helper()
	res, err := h.coordinator().Ingest(context.Background(), IngestRequest{
		TenantID:     tenant,
		DocumentUUID: docUUID,
		Filename:     filename,
		Body:         strings.NewReader(body),
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) chunks(tenant domain.TenantID, ref domain.VersionRef) []domain.Chunk {
	h.t.Helper()
	chunks, err := h.store.GetChunks(context.Background(), tenant, ref, domain.ChunkFilter{})
	require.NoError(h.t, err)
	return chunks
}

// stored puts body into the object store under a new pending version, the
// state an upload leaves behind once CreateVersion has returned.
func (h *harness) stored(tenant domain.TenantID, filename, body string) (string, domain.VersionRef) {
	h.t.Helper()
	ctx := context.Background()
	doc, err := h.store.CreateDocument(ctx, tenant, "Handbook", "text/markdown")
	require.NoError(h.t, err)
	uri, err := h.objects.Put(ctx, tenant, doc.UUID, "1", filename, []byte(body))
	require.NoError(h.t, err)
	ref, err := h.store.CreateVersion(ctx, tenant, port.NewVersion{
		DocumentUUID: doc.UUID,
		VersionLabel: "1",
		SourceURI:    uri,
		Filename:     filename,
		Checksum:     contentChecksum([]byte(body)),
		UploadedAt:   time.Now().UTC(),
	})
	require.NoError(h.t, err)
	return doc.UUID, ref
}

// jobAt persists a job that stopped in phase for ref.
func (h *harness) jobAt(tenant domain.TenantID, id string, ref domain.VersionRef, phase domain.Phase) {
	h.t.Helper()
	now := time.Now().UTC()
	require.NoError(h.t, h.store.CreateJob(context.Background(), domain.IngestionJob{
		ID: id, TenantID: tenant, VersionRef: ref, Phase: phase,
		CreatedAt: now, UpdatedAt: now,
		Log: []domain.JobLogEntry{{At: now, Phase: phase, Message: "interrupted"}},
	}))
}

// crashingStore fails SaveJob once a job reaches crashAt.
type crashingStore struct {
	port.ChunkStore
	crashAt domain.Phase
}

func (s *crashingStore) SaveJob(ctx context.Context, job domain.IngestionJob) error {
	if job.Phase == s.crashAt {
		return errors.New("process killed")
	}
	return s.ChunkStore.SaveJob(ctx, job)
}

// renamedEmbedder reports a different model name for the same vectors.
type renamedEmbedder struct {
	port.Embedder
	name string
}

func (e renamedEmbedder) ModelName() string { return e.name }

// flakyEmbedder fails the next `failures` calls, then delegates.
type flakyEmbedder struct {
	port.Embedder
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *flakyEmbedder) failNext(n int) {
	e.mu.Lock()
	e.failures = n
	e.mu.Unlock()
}

func (e *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.failures > 0
	if fail {
		e.failures--
	}
	e.mu.Unlock()
	if fail {
		return nil, errors.New("embedding service unavailable")
	}
	return e.Embedder.Embed(ctx, texts)
}

// brokenParser always fails with a permanent parse error.
type brokenParser struct {
	port.Parser
	calls int
}

func (p *brokenParser) Parse(context.Context, string, []byte) ([]domain.Block, error) {
	p.calls++
	return nil, &domain.ParseError{Cause: "corrupt file", Permanent: true}
}

const handbook = `# Handbook

## Leave

Employees accrue twenty days of annual leave per calendar year.

## Expenses

Travel expenses are reimbursed within thirty days of submission.

## Security

Laptops must use full disk encryption and a screen lock.
`

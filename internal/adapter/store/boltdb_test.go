package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"ragkb/config"
	"ragkb/internal/adapter/analyzer"
	"ragkb/internal/domain"
	"ragkb/internal/port"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "chunks.db"), analyzer.NewTokenizer())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func chunksFor(tenant domain.TenantID, ref domain.VersionRef, texts ...string) []domain.Chunk {
	out := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		out[i] = domain.Chunk{
			TenantID:    tenant,
			VersionRef:  ref,
			UID:         fmt.Sprintf("%s-%d", ref, i),
			SeqNo:       i,
			SectionPath: "intro",
			Text:        text,
			TokenCount:  len(text) / 4,
		}
	}
	return out
}

func createVersion(t *testing.T, s *BoltStore, tenant domain.TenantID, doc, label, checksum string, at time.Time) domain.VersionRef {
	t.Helper()
	ref, err := s.CreateVersion(context.Background(), tenant, port.NewVersion{
		DocumentUUID: doc,
		VersionLabel: label,
		SourceURI:    "s3://local/" + string(tenant) + "/" + doc + "/v" + label + "/f.txt",
		Checksum:     checksum,
		UploadedAt:   at,
	})
	require.NoError(t, err)
	return ref
}

func TestCreateVersion_DuplicateChecksum(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.CreateDocument(ctx, "acme", "Handbook", "text/plain")
	require.NoError(t, err)

	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum-a", time.Now())

	_, err = s.CreateVersion(ctx, "acme", port.NewVersion{DocumentUUID: doc.UUID, VersionLabel: "2", Checksum: "sum-a"})
	var dup *domain.DuplicateChecksumError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, ref, dup.Existing)
	assert.ErrorIs(t, err, domain.ErrDuplicateChecksum)

	versions, err := s.ListVersions(ctx, "acme", doc.UUID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	_, err = s.CreateVersion(ctx, "acme", port.NewVersion{DocumentUUID: doc.UUID, VersionLabel: "1", Checksum: "sum-b"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := s.GetDocument(ctx, "acme", doc.UUID)
	require.NoError(t, err)
	assert.Equal(t, ref, got.LatestVersionRef)
}

func TestCommitChunks_OrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Manual", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum", time.Now())

	texts := make([]string, 300)
	for i := range texts {
		texts[i] = fmt.Sprintf("paragraph number %d about widgets", i)
	}
	require.NoError(t, s.CommitChunks(ctx, "acme", ref, chunksFor("acme", ref, texts...), "window:v1"))

	all, err := s.GetChunks(ctx, "acme", ref, domain.ChunkFilter{})
	require.NoError(t, err)
	require.Len(t, all, 300)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].SeqNo, all[i].SeqNo)
	}

	page, err := s.GetChunks(ctx, "acme", ref, domain.ChunkFilter{FromSeq: 255, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, 255, page[0].SeqNo)
	assert.Equal(t, 257, page[2].SeqNo)

	ver, err := s.GetVersion(ctx, "acme", ref)
	require.NoError(t, err)
	assert.Equal(t, "window:v1", ver.ChunkerConfig)
}

func TestCommitChunks_RejectsGapsAndKeepsPriorState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Manual", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum", time.Now())

	require.NoError(t, s.CommitChunks(ctx, "acme", ref, chunksFor("acme", ref, "alpha widgets", "beta gadgets"), "cfg"))

	bad := chunksFor("acme", ref, "gamma", "delta", "epsilon")
	bad[2].SeqNo = 5
	err = s.CommitChunks(ctx, "acme", ref, bad, "cfg")
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := s.GetChunks(ctx, "acme", ref, domain.ChunkFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha widgets", got[0].Text)
}

func TestCommitChunks_ReplacesPostingsAndEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Manual", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum", time.Now())

	first := chunksFor("acme", ref, "refund policy applies", "shipping rules")
	require.NoError(t, s.CommitChunks(ctx, "acme", ref, first, "cfg"))
	require.NoError(t, s.LinkEmbedding(ctx, "acme", domain.Embedding{ChunkUID: first[0].UID, ModelName: "m", Dim: 4, VectorRef: "v0"}))

	scope, err := domain.NewScope("acme", []domain.VersionRef{ref})
	require.NoError(t, err)
	postings, err := s.Postings(ctx, scope, []string{"refund", "shipping"})
	require.NoError(t, err)
	assert.Len(t, postings["refund"], 1)
	assert.Len(t, postings["shipping"], 1)

	stats, err := s.LexicalStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChunks)

	second := []domain.Chunk{{TenantID: "acme", VersionRef: ref, UID: "new-0", SeqNo: 0, Text: "warranty terms"}}
	require.NoError(t, s.CommitChunks(ctx, "acme", ref, second, "cfg2"))

	postings, err = s.Postings(ctx, scope, []string{"refund", "warranty"})
	require.NoError(t, err)
	assert.Empty(t, postings["refund"])
	require.Len(t, postings["warranty"], 1)
	assert.Equal(t, "new-0", postings["warranty"][0].ChunkUID)

	stats, err = s.LexicalStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalChunks)
	assert.Equal(t, 2, stats.TotalTokens)

	embeddings, err := s.ListEmbeddings(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, embeddings, "replaced chunks must not keep embedding links")
}

func TestCommitChunks_RefusesErroredVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Manual", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum", time.Now())

	require.NoError(t, s.SetParseStatus(ctx, "acme", ref, domain.ParseFailed))
	err = s.CommitChunks(ctx, "acme", ref, chunksFor("acme", ref, "text"), "cfg")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCommitChunks_ConcurrentWritersLeaveOneCompleteSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Manual", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum", time.Now())

	const writers = 8
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		texts := make([]string, w+1)
		for i := range texts {
			texts[i] = fmt.Sprintf("writer%d section %d", w, i)
		}
		g.Go(func() error {
			return s.CommitChunks(ctx, "acme", ref, chunksFor("acme", ref, texts...), fmt.Sprintf("cfg-%d", w))
		})
	}
	require.NoError(t, g.Wait())

	chunks, err := s.GetChunks(ctx, "acme", ref, domain.ChunkFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	winner := strings.Fields(chunks[0].Text)[0]
	for i, c := range chunks {
		assert.Equal(t, i, c.SeqNo, "seq_no is contiguous from 0")
		assert.Equal(t, fmt.Sprintf("%s section %d", winner, i), c.Text, "chunks come from a single commit")
	}
	var w int
	_, err = fmt.Sscanf(winner, "writer%d", &w)
	require.NoError(t, err)
	assert.Len(t, chunks, w+1, "the winning set is complete")

	ver, err := s.GetVersion(ctx, "acme", ref)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("cfg-%d", w), ver.ChunkerConfig)

	stats, err := s.LexicalStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, len(chunks), stats.TotalChunks, "corpus stats match the surviving set")
}

func TestClaimVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	doc, err := s.CreateDocument(ctx, "acme", "Manual", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum", now)
	require.NoError(t, s.SetParseStatus(ctx, "acme", ref, domain.ParseFailed))

	failed := domain.IngestionJob{ID: "job-1", TenantID: "acme", VersionRef: ref, Phase: domain.PhaseError, FailedPhase: domain.PhaseParse, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, failed))

	retry := domain.IngestionJob{ID: "job-2", TenantID: "acme", VersionRef: ref, Phase: domain.PhaseUpload, CreatedAt: now}
	owner, err := s.ClaimVersion(ctx, retry)
	require.NoError(t, err)
	assert.Nil(t, owner, "a failed job does not hold the version")

	ver, err := s.GetVersion(ctx, "acme", ref)
	require.NoError(t, err)
	assert.Equal(t, domain.ParsePending, ver.ParseStatus, "claim reopens the failed version")
	stored, err := s.GetJob(ctx, "acme", "job-2")
	require.NoError(t, err)
	assert.Equal(t, ref, stored.VersionRef)

	again := domain.IngestionJob{ID: "job-3", TenantID: "acme", VersionRef: ref, Phase: domain.PhaseUpload, CreatedAt: now}
	owner, err = s.ClaimVersion(ctx, again)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "job-2", owner.ID)
	_, err = s.GetJob(ctx, "acme", "job-3")
	assert.ErrorIs(t, err, domain.ErrNotFound, "a refused claim writes nothing")

	owner, err = s.ClaimVersion(ctx, stored)
	require.NoError(t, err)
	assert.Nil(t, owner, "a job does not conflict with itself")

	require.NoError(t, s.CommitChunks(ctx, "acme", ref, chunksFor("acme", ref, "text"), "cfg"))
	require.NoError(t, s.SetParseStatus(ctx, "acme", ref, domain.ParseOK))
	_, err = s.ClaimVersion(ctx, again)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "ok versions are never re-ingested")

	_, err = s.ClaimVersion(ctx, domain.IngestionJob{ID: "job-4", TenantID: "acme", VersionRef: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteJob_RemovesStagedBlocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := domain.IngestionJob{ID: "job-1", TenantID: "acme", Phase: domain.PhaseParse}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.StageBlocks(ctx, "acme", "job-1", []domain.Block{{SectionPath: "a", Text: "one"}}))

	require.NoError(t, s.DeleteJob(ctx, "acme", "job-1"))
	_, err := s.GetJob(ctx, "acme", "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.StagedBlocks(ctx, "acme", "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLinkEmbedding_UpsertAndParentCheck(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Manual", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "sum", time.Now())
	chunks := chunksFor("acme", ref, "text one")
	require.NoError(t, s.CommitChunks(ctx, "acme", ref, chunks, "cfg"))

	err = s.LinkEmbedding(ctx, "acme", domain.Embedding{ChunkUID: "missing", ModelName: "m", VectorRef: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.LinkEmbedding(ctx, "acme", domain.Embedding{ChunkUID: chunks[0].UID, ModelName: "m", VectorRef: "a"}))
	require.NoError(t, s.LinkEmbedding(ctx, "acme", domain.Embedding{ChunkUID: chunks[0].UID, ModelName: "m", VectorRef: "b"}))
	require.NoError(t, s.LinkEmbedding(ctx, "acme", domain.Embedding{ChunkUID: chunks[0].UID, ModelName: "other", VectorRef: "c"}))

	embeddings, err := s.ListEmbeddings(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, embeddings, 2)
	refs := map[string]string{}
	for _, e := range embeddings {
		refs[e.ModelName] = e.VectorRef
	}
	assert.Equal(t, "b", refs["m"])
	assert.Equal(t, "c", refs["other"])
}

func TestResolveLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Policy", "text/plain")
	require.NoError(t, err)

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v1 := createVersion(t, s, "acme", doc.UUID, "1", "c1", t1)
	v2 := createVersion(t, s, "acme", doc.UUID, "2", "c2", t1.Add(time.Hour))
	v3 := createVersion(t, s, "acme", doc.UUID, "3", "c3", t1.Add(2*time.Hour))

	_, err = s.ResolveLatest(ctx, "acme", doc.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "pending versions are invisible")

	require.NoError(t, s.SetParseStatus(ctx, "acme", v1, domain.ParseOK))
	require.NoError(t, s.SetParseStatus(ctx, "acme", v2, domain.ParseOK))

	got, err := s.ResolveLatest(ctx, "acme", doc.UUID)
	require.NoError(t, err)
	assert.Equal(t, v2, got)

	require.NoError(t, s.SetParseStatus(ctx, "acme", v3, domain.ParseFailed))
	got, err = s.ResolveLatest(ctx, "acme", doc.UUID)
	require.NoError(t, err)
	assert.Equal(t, v2, got)

	d, err := s.GetDocument(ctx, "acme", doc.UUID)
	require.NoError(t, err)
	assert.Equal(t, v3, d.LatestVersionRef, "cached pointer tracks creation, not resolution")
}

func TestSetParseStatus_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Policy", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "c1", time.Now())

	require.NoError(t, s.SetParseStatus(ctx, "acme", ref, domain.ParseOK))
	assert.ErrorIs(t, s.SetParseStatus(ctx, "acme", ref, domain.ParsePending), domain.ErrInvalidTransition)
	assert.ErrorIs(t, s.SetParseStatus(ctx, "acme", ref, domain.ParseFailed), domain.ErrInvalidTransition)

	ref2 := createVersion(t, s, "acme", doc.UUID, "2", "c2", time.Now())
	require.NoError(t, s.SetParseStatus(ctx, "acme", ref2, domain.ParseFailed))
	require.NoError(t, s.SetParseStatus(ctx, "acme", ref2, domain.ParsePending), "re-ingestion reopens an errored version")
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.CreateDocument(ctx, "acme", "Secret", "text/plain")
	require.NoError(t, err)
	ref := createVersion(t, s, "acme", doc.UUID, "1", "c1", time.Now())
	chunks := chunksFor("acme", ref, "confidential roadmap")
	require.NoError(t, s.CommitChunks(ctx, "acme", ref, chunks, "cfg"))

	_, err = s.GetDocument(ctx, "globex", doc.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetChunks(ctx, "globex", ref, domain.ChunkFilter{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	byUID, err := s.GetChunksByUID(ctx, "globex", []string{chunks[0].UID})
	require.NoError(t, err)
	assert.Empty(t, byUID)

	foreign, err := domain.NewScope("globex", []domain.VersionRef{ref})
	require.NoError(t, err)
	postings, err := s.Postings(ctx, foreign, []string{"confidential"})
	require.NoError(t, err)
	assert.Empty(t, postings["confidential"])

	_, err = s.Postings(ctx, domain.Scope{}, []string{"confidential"})
	assert.ErrorIs(t, err, domain.ErrIsolationViolation)

	err = s.CommitChunks(ctx, "globex", ref, chunksFor("globex", ref, "x"), "cfg")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.ListDocuments(ctx, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLookupVersions_Batch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	doc, err := s.CreateDocument(ctx, "acme", "Guide", "text/markdown")
	require.NoError(t, err)
	r1 := createVersion(t, s, "acme", doc.UUID, "1", "c1", time.Now())
	r2 := createVersion(t, s, "acme", doc.UUID, "2", "c2", time.Now())

	metas, err := s.LookupVersions(ctx, "acme", []domain.VersionRef{r1, r2, r1})
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "Guide", metas[r1].DocumentTitle)
	assert.Equal(t, "2", metas[r2].VersionLabel)
	assert.Contains(t, metas[r2].SourceURI, "/v2/")
}

func TestJobsAndStaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	job := domain.IngestionJob{ID: "job-1", TenantID: "acme", VersionRef: "ref", Phase: domain.PhaseUpload, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.ErrorIs(t, s.CreateJob(ctx, job), domain.ErrValidation)

	require.NoError(t, job.Transition(domain.PhaseParse, "parsing", 3, now))
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "acme", "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseParse, got.Phase)
	assert.Len(t, got.Log, 1)

	_, err = s.GetJob(ctx, "globex", "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	blocks := []domain.Block{{SectionPath: "a", Text: "one"}, {SectionPath: "b", Text: "two"}}
	require.NoError(t, s.StageBlocks(ctx, "acme", "job-1", blocks))
	staged, err := s.StagedBlocks(ctx, "acme", "job-1")
	require.NoError(t, err)
	assert.Equal(t, blocks, staged)

	require.NoError(t, s.ClearStaged(ctx, "acme", "job-1"))
	_, err = s.StagedBlocks(ctx, "acme", "job-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeleteTenant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateDocument(ctx, "acme", "A", "text/plain")
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "globex", "G", "text/plain")
	require.NoError(t, err)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.TenantID{"acme", "globex"}, tenants)

	require.NoError(t, s.DeleteTenant(ctx, "acme"))
	require.NoError(t, s.DeleteTenant(ctx, "acme"))

	docs, err := s.ListDocuments(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, docs)
	docs, err = s.ListDocuments(ctx, "globex")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestMigrations(t *testing.T) {
	s := newTestStore(t)
	cfg := config.DefaultConfig()

	result, err := s.CheckMigration(cfg)
	require.NoError(t, err)
	assert.True(t, result.NeedsMigration)

	require.NoError(t, s.Migrate(cfg))
	result, err = s.CheckMigration(cfg)
	require.NoError(t, err)
	assert.False(t, result.NeedsMigration)
	assert.False(t, result.NeedsRechunk)

	cfg.Chunking.ChunkTokens = 128
	cfg.Embedding.Model = "other"
	result, err = s.CheckMigration(cfg)
	require.NoError(t, err)
	assert.True(t, result.NeedsRechunk)
	assert.Equal(t, []string{"chunking.chunk_tokens", "embedding.model"}, result.Changed)

	// schema migration keeps the drift visible
	require.NoError(t, s.Migrate(cfg))
	result, err = s.CheckMigration(cfg)
	require.NoError(t, err)
	assert.True(t, result.NeedsRechunk)

	require.NoError(t, s.RecordFingerprint(cfg))
	result, err = s.CheckMigration(cfg)
	require.NoError(t, err)
	assert.False(t, result.NeedsRechunk)
	assert.Empty(t, result.Changed)
}

func TestMigrations_NewerSchemaUnsupported(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, []byte("99"))
	}))
	result, err := s.CheckMigration(config.DefaultConfig())
	require.NoError(t, err)
	assert.True(t, result.Unsupported)
	assert.Error(t, s.Migrate(config.DefaultConfig()))
}

package port

import (
	"context"
	"time"

	"ragkb/internal/domain"
)

// ChunkStore is the source of truth for documents, versions, chunks,
// embedding links and ingestion jobs. Every method is tenant-scoped.
type ChunkStore interface {
	CreateDocument(ctx context.Context, tenant domain.TenantID, title, mimeType string) (domain.Document, error)
	GetDocument(ctx context.Context, tenant domain.TenantID, documentUUID string) (domain.Document, error)
	ListDocuments(ctx context.Context, tenant domain.TenantID) ([]domain.Document, error)

	// CreateVersion returns *domain.DuplicateChecksumError carrying the
	// existing ref when the checksum is already stored for the document.
	CreateVersion(ctx context.Context, tenant domain.TenantID, v NewVersion) (domain.VersionRef, error)
	GetVersion(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef) (domain.DocumentVersion, error)
	ListVersions(ctx context.Context, tenant domain.TenantID, documentUUID string) ([]domain.DocumentVersion, error)
	FindVersionByChecksum(ctx context.Context, tenant domain.TenantID, documentUUID, checksum string) (domain.DocumentVersion, bool, error)
	SetParseStatus(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef, status domain.ParseStatus) error
	ResolveLatest(ctx context.Context, tenant domain.TenantID, documentUUID string) (domain.VersionRef, error)
	LookupVersions(ctx context.Context, tenant domain.TenantID, refs []domain.VersionRef) (map[domain.VersionRef]domain.VersionMeta, error)

	// CommitChunks replaces the version's chunk set in one transaction.
	CommitChunks(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef, chunks []domain.Chunk, chunkerConfig string) error
	GetChunks(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef, filter domain.ChunkFilter) ([]domain.Chunk, error)
	GetChunksByUID(ctx context.Context, tenant domain.TenantID, uids []string) (map[string]domain.Chunk, error)

	LinkEmbedding(ctx context.Context, tenant domain.TenantID, e domain.Embedding) error
	ListEmbeddings(ctx context.Context, tenant domain.TenantID) ([]domain.Embedding, error)

	CreateJob(ctx context.Context, job domain.IngestionJob) error
	SaveJob(ctx context.Context, job domain.IngestionJob) error
	GetJob(ctx context.Context, tenant domain.TenantID, jobID string) (domain.IngestionJob, error)
	ListJobs(ctx context.Context, tenant domain.TenantID) ([]domain.IngestionJob, error)
	DeleteJob(ctx context.Context, tenant domain.TenantID, jobID string) error
	// ClaimVersion stores job as the owner of job.VersionRef, reopening an
	// errored version. It returns the current owner instead when another job
	// is still in the pipeline for that version.
	ClaimVersion(ctx context.Context, job domain.IngestionJob) (*domain.IngestionJob, error)

	StageBlocks(ctx context.Context, tenant domain.TenantID, jobID string, blocks []domain.Block) error
	StagedBlocks(ctx context.Context, tenant domain.TenantID, jobID string) ([]domain.Block, error)
	ClearStaged(ctx context.Context, tenant domain.TenantID, jobID string) error

	ListTenants(ctx context.Context) ([]domain.TenantID, error)
	DeleteTenant(ctx context.Context, tenant domain.TenantID) error
}

// LexicalIndex is the inverted index maintained alongside chunk commits.
type LexicalIndex interface {
	// Postings returns, per term, only the postings the scope admits.
	Postings(ctx context.Context, scope domain.Scope, terms []string) (map[string][]domain.Posting, error)
	LexicalStats(ctx context.Context, tenant domain.TenantID) (domain.LexicalStats, error)
}

type NewVersion struct {
	DocumentUUID  string
	VersionLabel  string
	SourceURI     string
	Filename      string
	Checksum      string
	EffectiveDate *time.Time
	UploadedAt    time.Time
}

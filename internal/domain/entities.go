package domain

import "time"

// TenantID identifies the owner of every record. Nothing is shared across tenants.
type TenantID string

// VersionRef identifies one DocumentVersion.
type VersionRef string

type Document struct {
	TenantID         TenantID   `json:"tenant_id"`
	UUID             string     `json:"document_uuid"`
	Title            string     `json:"title"`
	MimeType         string     `json:"mime_type"`
	LatestVersionRef VersionRef `json:"latest_version_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type ParseStatus string

const (
	ParsePending ParseStatus = "pending"
	ParseOK      ParseStatus = "ok"
	ParseFailed  ParseStatus = "error"
)

type DocumentVersion struct {
	Ref             VersionRef  `json:"version_ref"`
	TenantID        TenantID    `json:"tenant_id"`
	DocumentUUID    string      `json:"document_uuid"`
	VersionLabel    string      `json:"version_label"`
	SourceURI       string      `json:"source_uri"`
	Filename        string      `json:"filename"`
	ContentChecksum string      `json:"content_checksum"`
	EffectiveDate   *time.Time  `json:"effective_date,omitempty"`
	UploadedAt      time.Time   `json:"uploaded_at"`
	ParseStatus     ParseStatus `json:"parse_status"`
	ChunkerConfig   string      `json:"chunker_config,omitempty"`
}

// EffectiveAt is the date used by the as_of_date policy.
func (v DocumentVersion) EffectiveAt() time.Time {
	if v.EffectiveDate != nil {
		return *v.EffectiveDate
	}
	return v.UploadedAt
}

type Chunk struct {
	TenantID    TenantID   `json:"tenant_id"`
	VersionRef  VersionRef `json:"version_ref"`
	UID         string     `json:"chunk_uid"`
	SeqNo       int        `json:"seq_no"`
	SectionPath string     `json:"section_path"`
	PageNo      *int       `json:"page_no,omitempty"`
	Text        string     `json:"text"`
	TokenCount  int        `json:"token_count"`
}

// ChunkFilter narrows GetChunks. FromSeq makes iteration restartable.
type ChunkFilter struct {
	FromSeq       int
	Limit         int
	SectionPrefix string
}

// Embedding links a chunk to an entry in the vector index. The vector itself lives only in the index.
type Embedding struct {
	ChunkUID  string    `json:"chunk_uid"`
	ModelName string    `json:"model_name"`
	Dim       int       `json:"dim"`
	VectorRef string    `json:"vector_ref"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Block is one unit of parser output.
type Block struct {
	SectionPath string `json:"section_path"`
	PageNo      *int   `json:"page_no,omitempty"`
	Text        string `json:"text"`
}

// ChunkDraft is chunker output before identifiers are assigned.
type ChunkDraft struct {
	SectionPath string
	PageNo      *int
	Text        string
	TokenCount  int
}

// VersionMeta is what citation binding needs about a version, fetched in batch.
type VersionMeta struct {
	Ref           VersionRef
	DocumentUUID  string
	DocumentTitle string
	VersionLabel  string
	SourceURI     string
	UploadedAt    time.Time
}

// LexicalStats are per-tenant corpus statistics for BM25.
type LexicalStats struct {
	TotalChunks int     `json:"total_chunks"`
	TotalTokens int     `json:"total_tokens"`
	AvgChunkLen float64 `json:"avg_chunk_len"`
}

type Posting struct {
	ChunkUID   string     `json:"c"`
	VersionRef VersionRef `json:"v"`
	TF         int        `json:"tf"`
	Length     int        `json:"len"`
}

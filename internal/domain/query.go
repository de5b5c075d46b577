package domain

import "time"

type VersionPolicy string

const (
	PolicyLatest      VersionPolicy = "latest"
	PolicyAsOfDate    VersionPolicy = "as_of_date"
	PolicyAllVersions VersionPolicy = "all_versions"
)

func ParseVersionPolicy(s string) (VersionPolicy, error) {
	switch p := VersionPolicy(s); p {
	case PolicyLatest, PolicyAsOfDate, PolicyAllVersions:
		return p, nil
	case "":
		return PolicyLatest, nil
	}
	return "", Invalid("policy", "unknown version policy %q", s)
}

type Channel string

const (
	ChannelVector  Channel = "vector"
	ChannelLexical Channel = "lexical"
)

// Hit is one channel result before fusion.
type Hit struct {
	Chunk      Chunk
	UploadedAt time.Time
	Score      float64
}

// ChannelResults are the two independently ranked lists of one hybrid search.
// A channel listed in TimedOut or Failed contributed an empty list.
type ChannelResults struct {
	Vector   []Hit
	Lexical  []Hit
	TimedOut []Channel
	Failed   []Channel
	Warnings []string
}

// Degraded reports whether any channel was dropped.
func (r ChannelResults) Degraded() bool {
	return len(r.TimedOut) > 0 || len(r.Failed) > 0
}

// Candidate is a fused, possibly reranked, chunk.
type Candidate struct {
	Chunk        Chunk
	UploadedAt   time.Time
	VectorScore  float64
	LexicalScore float64
	Score        float64
}

// ContextBlock is one admitted unit of the final context. A merged block
// carries every contributing chunk in seq_no order.
type ContextBlock struct {
	TenantID    TenantID
	VersionRef  VersionRef
	SectionPath string
	Chunks      []Chunk
	Text        string
	TokenCount  int
	Truncated   bool
	Merged      bool
	Rank        int
}

type FinalContext struct {
	Blocks         []ContextBlock
	UsedTokens     int
	BudgetTokens   int
	BudgetExceeded bool
	Warnings       []string
}

type Citation struct {
	CitationID    int        `json:"citation_id"`
	ChunkUID      string     `json:"chunk_uid"`
	DocumentTitle string     `json:"document_title"`
	VersionLabel  string     `json:"version_label"`
	PageNo        *int       `json:"page_no,omitempty"`
	SourceURI     string     `json:"source_uri"`
	VersionRef    VersionRef `json:"version_ref"`
}

type CitedBlock struct {
	CitationIDs []int  `json:"citation_ids"`
	SectionPath string `json:"section_path,omitempty"`
	Text        string `json:"text"`
	TokenCount  int    `json:"token_count"`
	Truncated   bool   `json:"truncated,omitempty"`
	Merged      bool   `json:"merged,omitempty"`
}

// AnswerContext is the caller-facing query result.
type AnswerContext struct {
	Query          string       `json:"query"`
	Blocks         []CitedBlock `json:"blocks"`
	Citations      []Citation   `json:"citations"`
	UsedTokens     int          `json:"used_tokens"`
	BudgetTokens   int          `json:"budget_tokens"`
	BudgetExceeded bool         `json:"budget_exceeded"`
	Degraded       bool         `json:"degraded"`
	TimedOut       []Channel    `json:"timed_out,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
}

// Complete reports whether the context was produced without any degradation.
func (a AnswerContext) Complete() bool {
	return !a.BudgetExceeded && !a.Degraded
}

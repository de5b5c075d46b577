package chunker

import (
	"fmt"
	"strings"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var _ port.Chunker = (*StructureChunker)(nil)

// StructureChunker never lets a chunk span two sections. Consecutive blocks
// of one section are packed up to maxTokens; a block too large on its own is
// handed to the window fallback.
type StructureChunker struct {
	fallback  *WindowChunker
	tokenizer port.Tokenizer
	maxTokens int
	overlap   int
}

func NewStructureChunker(maxTokens, overlap int, tokenizer port.Tokenizer) *StructureChunker {
	fallback := NewWindowChunker(maxTokens, overlap, tokenizer)
	return &StructureChunker{
		fallback:  fallback,
		tokenizer: tokenizer,
		maxTokens: fallback.maxTokens,
		overlap:   fallback.overlap,
	}
}

func (c *StructureChunker) Fingerprint() string {
	return fmt.Sprintf("structure:tokens=%d,overlap=%d", c.maxTokens, c.overlap)
}

func (c *StructureChunker) Chunk(blocks []domain.Block) ([]domain.ChunkDraft, error) {
	var drafts []domain.ChunkDraft

	for _, section := range groupSections(blocks) {
		drafts = append(drafts, c.sectionToChunks(section)...)
	}
	return drafts, nil
}

// groupSections splits blocks into runs that share a section path.
func groupSections(blocks []domain.Block) [][]domain.Block {
	var groups [][]domain.Block
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		if len(groups) == 0 || groups[len(groups)-1][0].SectionPath != b.SectionPath {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], b)
	}
	return groups
}

func (c *StructureChunker) sectionToChunks(section []domain.Block) []domain.ChunkDraft {
	var (
		drafts []domain.ChunkDraft
		cur    strings.Builder
		first  domain.Block
	)
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		text := cur.String()
		drafts = append(drafts, domain.ChunkDraft{
			SectionPath: first.SectionPath,
			PageNo:      first.PageNo,
			Text:        text,
			TokenCount:  c.tokenizer.CountTokens(text),
		})
		cur.Reset()
	}

	for _, b := range section {
		if c.tokenizer.CountTokens(b.Text) > c.maxTokens {
			flush()
			large, _ := c.fallback.Chunk([]domain.Block{b})
			drafts = append(drafts, large...)
			continue
		}

		if cur.Len() > 0 {
			candidate := cur.String() + "\n\n" + b.Text
			if c.tokenizer.CountTokens(candidate) <= c.maxTokens {
				cur.WriteString("\n\n")
				cur.WriteString(b.Text)
				continue
			}
			flush()
		}
		first = b
		cur.WriteString(b.Text)
	}
	flush()

	return drafts
}

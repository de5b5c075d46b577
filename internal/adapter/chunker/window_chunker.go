package chunker

import (
	"fmt"
	"strings"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var _ port.Chunker = (*WindowChunker)(nil)

// WindowChunker packs lines into windows of at most maxTokens, carrying
// roughly overlap tokens of trailing lines into the next window. Lines
// longer than a window are split at word boundaries first.
type WindowChunker struct {
	maxTokens int
	overlap   int
	tokenizer port.Tokenizer
}

func NewWindowChunker(maxTokens, overlap int, tokenizer port.Tokenizer) *WindowChunker {
	if maxTokens < 1 {
		maxTokens = 1
	}
	if overlap < 0 || overlap >= maxTokens {
		overlap = 0
	}
	return &WindowChunker{
		maxTokens: maxTokens,
		overlap:   overlap,
		tokenizer: tokenizer,
	}
}

func (c *WindowChunker) Fingerprint() string {
	return fmt.Sprintf("window:tokens=%d,overlap=%d", c.maxTokens, c.overlap)
}

// line is one unit of windowing with the location it came from.
type line struct {
	section string
	page    *int
	text    string
	tokens  int
}

func (c *WindowChunker) Chunk(blocks []domain.Block) ([]domain.ChunkDraft, error) {
	return c.window(c.lines(blocks)), nil
}

func (c *WindowChunker) lines(blocks []domain.Block) []line {
	var out []line
	for _, b := range blocks {
		for _, text := range strings.Split(b.Text, "\n") {
			if strings.TrimSpace(text) == "" {
				continue
			}
			for _, piece := range c.split(text) {
				out = append(out, line{
					section: b.SectionPath,
					page:    b.PageNo,
					text:    piece,
					tokens:  c.tokenizer.CountTokens(piece),
				})
			}
		}
	}
	return out
}

// split cuts an oversize line into word-aligned pieces that each fit a window.
func (c *WindowChunker) split(text string) []string {
	if c.tokenizer.CountTokens(text) <= c.maxTokens {
		return []string{text}
	}
	var pieces []string
	rest := text
	for rest != "" {
		piece := c.tokenizer.Truncate(rest, c.maxTokens)
		if piece == "" {
			piece = rest
		}
		pieces = append(pieces, piece)
		rest = strings.TrimLeft(rest[len(piece):], " \t")
	}
	return pieces
}

func (c *WindowChunker) window(lines []line) []domain.ChunkDraft {
	var drafts []domain.ChunkDraft
	start := 0

	for start < len(lines) {
		end := start
		var text strings.Builder

		for end < len(lines) {
			candidate := lines[end].text
			if text.Len() > 0 {
				candidate = text.String() + "\n" + lines[end].text
			}
			if end > start && c.tokenizer.CountTokens(candidate) > c.maxTokens {
				break
			}
			text.Reset()
			text.WriteString(candidate)
			end++
		}

		body := text.String()
		drafts = append(drafts, domain.ChunkDraft{
			SectionPath: lines[start].section,
			PageNo:      lines[start].page,
			Text:        body,
			TokenCount:  c.tokenizer.CountTokens(body),
		})

		if end >= len(lines) {
			break
		}
		next := end - c.overlapLines(lines, start, end)
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return drafts
}

func (c *WindowChunker) overlapLines(lines []line, start, end int) int {
	if c.overlap == 0 {
		return 0
	}

	n := 0
	tokens := 0
	for i := end - 1; i > start && tokens < c.overlap; i-- {
		tokens += lines[i].tokens
		n++
	}
	return n
}

package parser

import (
	"context"
	"strings"
	"unicode/utf8"

	"ragkb/internal/domain"
)

// PlainText splits text into paragraphs. Form feeds mark page breaks.
type PlainText struct{}

func NewPlainText() *PlainText {
	return &PlainText{}
}

func (p *PlainText) SupportedMIMETypes() []string {
	return []string{"text/plain", "text/csv", "application/json", "text/yaml"}
}

func (p *PlainText) Parse(ctx context.Context, _ string, data []byte) ([]domain.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	pages := strings.Split(text, "\f")
	paged := len(pages) > 1

	var blocks []domain.Block
	for i, page := range pages {
		var pageNo *int
		if paged {
			n := i + 1
			pageNo = &n
		}
		for _, para := range paragraphs(page) {
			blocks = append(blocks, domain.Block{PageNo: pageNo, Text: para})
		}
	}
	if len(blocks) == 0 {
		return nil, &domain.ParseError{Cause: "document contains no text", Permanent: true}
	}
	return blocks, nil
}

// decodeText normalizes line endings and rejects binary input.
func decodeText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", &domain.ParseError{Cause: "content is not valid UTF-8 text", Permanent: true}
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n"), nil
}

// paragraphs splits on blank lines and trims each paragraph.
func paragraphs(text string) []string {
	var out []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n"))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			flush()
			continue
		}
		cur = append(cur, trimmed)
	}
	flush()
	return out
}

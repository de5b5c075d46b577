package parser

import (
	"context"
	"regexp"
	"strings"

	"ragkb/internal/domain"
)

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	imageRe   = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// SectionSeparator joins heading titles in a section path.
const SectionSeparator = " > "

// Markdown emits one block per paragraph, list or fenced code block, with
// section_path set to the enclosing heading chain.
type Markdown struct{}

func NewMarkdown() *Markdown {
	return &Markdown{}
}

func (m *Markdown) SupportedMIMETypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (m *Markdown) Parse(ctx context.Context, _ string, data []byte) ([]domain.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	var (
		blocks   []domain.Block
		headings []string
		cur      []string
		inFence  bool
		fence    string
	)
	section := func() string {
		parts := make([]string, 0, len(headings))
		for _, h := range headings {
			if h != "" {
				parts = append(parts, h)
			}
		}
		return strings.Join(parts, SectionSeparator)
	}
	flush := func() {
		body := strings.TrimSpace(strings.Join(cur, "\n"))
		cur = cur[:0]
		if body == "" {
			return
		}
		blocks = append(blocks, domain.Block{SectionPath: section(), Text: body})
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if inFence {
			cur = append(cur, line)
			if strings.HasPrefix(trimmed, fence) {
				inFence = false
				flush()
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			flush()
			inFence = true
			fence = trimmed[:3]
			cur = append(cur, line)
			continue
		}

		if h := headingRe.FindStringSubmatch(trimmed); h != nil {
			flush()
			level := len(h[1])
			if level-1 < len(headings) {
				headings = headings[:level-1]
			}
			for len(headings) < level-1 {
				headings = append(headings, "")
			}
			headings = append(headings, cleanInline(h[2]))
			continue
		}

		if trimmed == "" {
			flush()
			continue
		}
		cur = append(cur, cleanInline(strings.TrimRight(line, " \t")))
	}
	flush()

	if len(blocks) == 0 {
		return nil, &domain.ParseError{Cause: "document contains no text", Permanent: true}
	}
	return blocks, nil
}

// cleanInline drops images and keeps link text.
func cleanInline(s string) string {
	s = imageRe.ReplaceAllString(s, "")
	return linkRe.ReplaceAllString(s, "$1")
}

// Title returns the first level-one heading, if any.
func Title(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		if h := headingRe.FindStringSubmatch(strings.TrimSpace(line)); h != nil && len(h[1]) == 1 {
			return cleanInline(h[2])
		}
	}
	return ""
}

package compressor

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var _ port.Compressor = (*FrequencyCompressor)(nil)

var sentencePattern = regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|\n|$)`)

// FrequencyCompressor merges a chunk group extractively: sentences are ranked
// by the normalized frequency of their index terms across the whole group and
// the best ones are kept, in document order, until the target size is reached.
type FrequencyCompressor struct {
	tokenizer port.Tokenizer
}

func NewFrequencyCompressor(tokenizer port.Tokenizer) *FrequencyCompressor {
	return &FrequencyCompressor{tokenizer: tokenizer}
}

// Compress returns text whose token count is at most
// ceil(targetRatio * tokens(texts)).
func (c *FrequencyCompressor) Compress(ctx context.Context, texts []string, targetRatio float64) (string, error) {
	if targetRatio <= 0 || targetRatio > 1 {
		return "", domain.Invalid("compression_ratio", "must be in (0, 1], got %g", targetRatio)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	joined := strings.TrimSpace(strings.Join(texts, "\n"))
	if joined == "" {
		return "", nil
	}
	target := int(math.Ceil(targetRatio * float64(c.tokenizer.CountTokens(joined))))

	sentences := c.sentences(joined)
	if len(sentences) == 0 {
		return c.tokenizer.Truncate(joined, target), nil
	}

	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range c.tokenizer.Tokenize(sent) {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, sent := range sentences {
		toks := c.tokenizer.Tokenize(sent)
		s := 0.0
		for _, tok := range toks {
			s += freq[tok]
		}
		if l := float64(len(toks)); l > 0 {
			s /= math.Sqrt(l)
		}
		ranked[i] = scored{i, s}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var selected []int
	for _, r := range ranked {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate := append(append([]int(nil), selected...), r.idx)
		sort.Ints(candidate)
		if c.tokenizer.CountTokens(assemble(sentences, candidate)) <= target {
			selected = candidate
		}
	}

	if len(selected) == 0 {
		return c.tokenizer.Truncate(sentences[ranked[0].idx], target), nil
	}
	return assemble(sentences, selected), nil
}

func (c *FrequencyCompressor) sentences(text string) []string {
	var out []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func assemble(sentences []string, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = sentences[j]
	}
	return strings.Join(parts, " ")
}

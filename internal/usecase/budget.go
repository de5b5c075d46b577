package usecase

import (
	"context"
	"fmt"
	"sort"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

// BudgetAllocator fits ranked candidates into a token budget. Admission is
// always a prefix of the rank order; compression merges same-section
// candidates of one version into a single block placed at the group's best rank.
type BudgetAllocator struct {
	tokenizer  port.Tokenizer
	compressor port.Compressor
	ratio      float64
	log        *logger.Logger
}

// NewBudgetAllocator accepts a nil compressor, which disables merging.
func NewBudgetAllocator(tokenizer port.Tokenizer, compressor port.Compressor, ratio float64, log *logger.Logger) *BudgetAllocator {
	if log == nil {
		log = logger.Nop()
	}
	return &BudgetAllocator{
		tokenizer:  tokenizer,
		compressor: compressor,
		ratio:      ratio,
		log:        log,
	}
}

// unit is one block under construction. members are indexes into the ranked list.
type unit struct {
	members   []int
	text      string
	tokens    int
	truncated bool
	merged    bool
}

// Allocate never drops a candidate for length alone: oversize chunks are
// truncated to chunkMaxTokens first.
func (a *BudgetAllocator) Allocate(ctx context.Context, ranked []domain.Candidate, maxContextTokens, chunkMaxTokens int) (domain.FinalContext, error) {
	if chunkMaxTokens <= 0 {
		return domain.FinalContext{}, domain.Invalid("chunk_max_tokens", "must be positive, got %d", chunkMaxTokens)
	}
	if maxContextTokens < chunkMaxTokens {
		return domain.FinalContext{}, domain.Invalid("max_context_tokens", "%d is below chunk_max_tokens %d", maxContextTokens, chunkMaxTokens)
	}

	out := domain.FinalContext{BudgetTokens: maxContextTokens}
	if len(ranked) == 0 {
		return out, nil
	}

	units := make([]unit, len(ranked))
	total := 0
	for i, c := range ranked {
		u := unit{members: []int{i}, text: c.Chunk.Text, tokens: a.tokenizer.CountTokens(c.Chunk.Text)}
		if u.tokens > chunkMaxTokens {
			u.text = a.tokenizer.Truncate(u.text, chunkMaxTokens)
			u.tokens = a.tokenizer.CountTokens(u.text)
			u.truncated = true
		}
		units[i] = u
		total += u.tokens
	}

	if total > maxContextTokens {
		out.BudgetExceeded = true
		if a.compressor != nil {
			units, total = a.compress(ctx, ranked, units, total, maxContextTokens, &out)
		}
	}

	for i, u := range units {
		if out.UsedTokens+u.tokens > maxContextTokens {
			dropped := 0
			for _, rest := range units[i:] {
				dropped += len(rest.members)
			}
			msg := fmt.Sprintf("context budget of %d tokens reached; %d of %d candidates not admitted", maxContextTokens, dropped, len(ranked))
			out.Warnings = append(out.Warnings, msg)
			a.log.Warn("budget truncation", "budget_tokens", maxContextTokens, "used_tokens", out.UsedTokens, "dropped", dropped)
			break
		}
		out.Blocks = append(out.Blocks, a.block(ranked, u))
		out.UsedTokens += u.tokens
	}
	return out, nil
}

type groupKey struct {
	ref     domain.VersionRef
	section string
}

// compress merges groups in the rank order of their best member and stops as
// soon as the whole set fits. A group whose compression fails or does not
// shrink it is left as is.
func (a *BudgetAllocator) compress(ctx context.Context, ranked []domain.Candidate, units []unit, total, budget int, out *domain.FinalContext) ([]unit, int) {
	groups := make(map[groupKey][]int)
	var keys []groupKey
	for i, c := range ranked {
		k := groupKey{c.Chunk.VersionRef, c.Chunk.SectionPath}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], i)
	}

	absorbed := make(map[int]bool)
	for _, k := range keys {
		if total <= budget {
			break
		}
		members := groups[k]
		if len(members) < 2 {
			continue
		}

		bySeq := append([]int(nil), members...)
		sort.Slice(bySeq, func(i, j int) bool {
			return ranked[bySeq[i]].Chunk.SeqNo < ranked[bySeq[j]].Chunk.SeqNo
		})
		texts := make([]string, len(bySeq))
		before := 0
		for i, m := range bySeq {
			texts[i] = ranked[m].Chunk.Text
			before += units[m].tokens
		}

		merged, err := a.compressor.Compress(ctx, texts, a.ratio)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("compression of section %q failed: %v", k.section, err))
			a.log.Warn("compression failed", "version_ref", k.ref, "section_path", k.section, "error", err)
			continue
		}
		tokens := a.tokenizer.CountTokens(merged)
		if merged == "" || tokens >= before {
			continue
		}

		head := members[0]
		units[head] = unit{members: bySeq, text: merged, tokens: tokens, merged: true}
		for _, m := range members[1:] {
			absorbed[m] = true
		}
		total += tokens - before
	}

	kept := units[:0]
	for i, u := range units {
		if !absorbed[i] {
			kept = append(kept, u)
		}
	}
	return kept, total
}

func (a *BudgetAllocator) block(ranked []domain.Candidate, u unit) domain.ContextBlock {
	first := ranked[u.members[0]].Chunk
	chunks := make([]domain.Chunk, len(u.members))
	rank := u.members[0]
	for i, m := range u.members {
		chunks[i] = ranked[m].Chunk
		rank = min(rank, m)
	}
	return domain.ContextBlock{
		TenantID:    first.TenantID,
		VersionRef:  first.VersionRef,
		SectionPath: first.SectionPath,
		Chunks:      chunks,
		Text:        u.text,
		TokenCount:  u.tokens,
		Truncated:   u.truncated,
		Merged:      u.merged,
		Rank:        rank + 1,
	}
}

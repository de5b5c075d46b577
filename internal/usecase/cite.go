package usecase

import (
	"context"
	"fmt"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

// CitationBinder attaches document metadata to every chunk of the final
// context. Version metadata is fetched in one batch per call.
type CitationBinder struct {
	store port.ChunkStore
}

func NewCitationBinder(store port.ChunkStore) *CitationBinder {
	return &CitationBinder{store: store}
}

// Bind numbers citations from 1 in context order. A merged block gets one
// citation per contributing chunk.
func (b *CitationBinder) Bind(ctx context.Context, tenant domain.TenantID, query string, fc domain.FinalContext) (domain.AnswerContext, error) {
	out := domain.AnswerContext{
		Query:          query,
		Blocks:         []domain.CitedBlock{},
		Citations:      []domain.Citation{},
		UsedTokens:     fc.UsedTokens,
		BudgetTokens:   fc.BudgetTokens,
		BudgetExceeded: fc.BudgetExceeded,
		Warnings:       fc.Warnings,
	}
	if len(fc.Blocks) == 0 {
		return out, nil
	}

	var refs []domain.VersionRef
	seen := make(map[domain.VersionRef]struct{})
	for _, blk := range fc.Blocks {
		for _, c := range blk.Chunks {
			if err := domain.CheckTenant(tenant, c.TenantID, "citation binding"); err != nil {
				return domain.AnswerContext{}, err
			}
			if _, ok := seen[c.VersionRef]; !ok {
				seen[c.VersionRef] = struct{}{}
				refs = append(refs, c.VersionRef)
			}
		}
	}

	metas, err := b.store.LookupVersions(ctx, tenant, refs)
	if err != nil {
		return domain.AnswerContext{}, fmt.Errorf("failed to look up versions: %w", err)
	}

	next := 1
	for _, blk := range fc.Blocks {
		cited := domain.CitedBlock{
			SectionPath: blk.SectionPath,
			Text:        blk.Text,
			TokenCount:  blk.TokenCount,
			Truncated:   blk.Truncated,
			Merged:      blk.Merged,
		}
		for _, c := range blk.Chunks {
			meta, ok := metas[c.VersionRef]
			if !ok {
				return domain.AnswerContext{}, fmt.Errorf("version %s of chunk %s: %w", c.VersionRef, c.UID, domain.ErrNotFound)
			}
			out.Citations = append(out.Citations, domain.Citation{
				CitationID:    next,
				ChunkUID:      c.UID,
				DocumentTitle: meta.DocumentTitle,
				VersionLabel:  meta.VersionLabel,
				PageNo:        c.PageNo,
				SourceURI:     meta.SourceURI,
				VersionRef:    c.VersionRef,
			})
			cited.CitationIDs = append(cited.CitationIDs, next)
			next++
		}
		out.Blocks = append(out.Blocks, cited)
	}
	return out, nil
}

package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var _ port.ChannelSearcher = (*BM25Retriever)(nil)

// BM25Retriever is the lexical channel. Scoring runs over the postings the
// request scope admits, so other tenants and unscoped versions never take a
// slot in the top-k.
type BM25Retriever struct {
	index     port.LexicalIndex
	store     port.ChunkStore
	tokenizer port.Tokenizer
	k1        float64
	b         float64
}

func NewBM25Retriever(index port.LexicalIndex, store port.ChunkStore, tokenizer port.Tokenizer, k1, b float64) *BM25Retriever {
	return &BM25Retriever{
		index:     index,
		store:     store,
		tokenizer: tokenizer,
		k1:        k1,
		b:         b,
	}
}

func (r *BM25Retriever) Channel() domain.Channel { return domain.ChannelLexical }

func (r *BM25Retriever) Search(ctx context.Context, req domain.SearchRequest) ([]domain.Hit, error) {
	scope := req.Scope()
	if err := scope.Require("lexical search"); err != nil {
		return nil, err
	}
	if scope.Empty() {
		return nil, nil
	}

	queryTokens := uniqueTokens(r.tokenizer.Tokenize(req.Query))
	if len(queryTokens) == 0 {
		return nil, nil
	}

	stats, err := r.index.LexicalStats(ctx, scope.Tenant())
	if err != nil {
		return nil, fmt.Errorf("lexical stats: %w", err)
	}
	if stats.TotalChunks == 0 {
		return nil, nil
	}

	postings, err := r.index.Postings(ctx, scope, queryTokens)
	if err != nil {
		return nil, fmt.Errorf("lexical postings: %w", err)
	}

	N := float64(stats.TotalChunks)
	avgDl := stats.AvgChunkLen
	if avgDl <= 0 {
		avgDl = 1
	}

	chunkScores := make(map[string]float64)
	for _, term := range queryTokens {
		termPostings := postings[term]
		if len(termPostings) == 0 {
			continue
		}
		n := float64(len(termPostings))
		idf := math.Log((N-n+0.5)/(n+0.5) + 1)

		for _, posting := range termPostings {
			tf := float64(posting.TF)
			dl := float64(posting.Length)
			chunkScores[posting.ChunkUID] += idf * (tf * (r.k1 + 1)) / (tf + r.k1*(1-r.b+r.b*dl/avgDl))
		}
	}

	ranked := make([]scoredUID, 0, len(chunkScores))
	for uid, score := range chunkScores {
		ranked = append(ranked, scoredUID{uid: uid, score: score})
	}
	sortScored(ranked)
	if len(ranked) > req.TopKRaw {
		ranked = ranked[:req.TopKRaw]
	}

	return hydrate(ctx, r.store, scope, ranked, "lexical channel")
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type scoredUID struct {
	uid   string
	score float64
}

func sortScored(s []scoredUID) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		return s[i].uid < s[j].uid
	})
}

// hydrate loads the ranked chunks and their version upload times with one
// batched call each. A chunk owned by another tenant or outside the scope is
// an isolation violation; a chunk that no longer exists is skipped.
func hydrate(ctx context.Context, store port.ChunkStore, scope domain.Scope, ranked []scoredUID, where string) ([]domain.Hit, error) {
	if len(ranked) == 0 {
		return nil, nil
	}
	tenant := scope.Tenant()

	uids := make([]string, len(ranked))
	for i, r := range ranked {
		uids[i] = r.uid
	}
	chunks, err := store.GetChunksByUID(ctx, tenant, uids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	refSet := make(map[domain.VersionRef]struct{})
	for _, c := range chunks {
		if err := domain.CheckTenant(tenant, c.TenantID, where); err != nil {
			return nil, err
		}
		if !scope.Admits(c.TenantID, c.VersionRef) {
			return nil, &domain.IsolationViolation{Expected: tenant, Got: c.TenantID, Where: where + ": version outside scope"}
		}
		refSet[c.VersionRef] = struct{}{}
	}
	refs := make([]domain.VersionRef, 0, len(refSet))
	for ref := range refSet {
		refs = append(refs, ref)
	}
	metas, err := store.LookupVersions(ctx, tenant, refs)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}

	hits := make([]domain.Hit, 0, len(ranked))
	for _, r := range ranked {
		c, ok := chunks[r.uid]
		if !ok {
			continue
		}
		hits = append(hits, domain.Hit{
			Chunk:      c,
			UploadedAt: metas[c.VersionRef].UploadedAt,
			Score:      r.score,
		})
	}
	return hits, nil
}

package usecase

import (
	"context"
	"fmt"
	"sort"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

// Combiner merges the normalized channel scores of one chunk. A channel that
// did not return the chunk passes 0.
type Combiner func(vector, lexical float64) float64

// EqualWeights sums both channels.
func EqualWeights(vector, lexical float64) float64 { return vector + lexical }

// FusionRanker merges the channel lists into one deterministic order and
// hands the head of it to the reranker.
type FusionRanker struct {
	reranker port.Reranker
	combine  Combiner
	topKRaw  int
	topM     int
	log      *logger.Logger
}

// NewFusionRanker accepts a nil reranker, in which case the fused order is final.
func NewFusionRanker(reranker port.Reranker, topKRaw, topM int, log *logger.Logger) *FusionRanker {
	if log == nil {
		log = logger.Nop()
	}
	return &FusionRanker{
		reranker: reranker,
		combine:  EqualWeights,
		topKRaw:  topKRaw,
		topM:     topM,
		log:      log,
	}
}

// WithCombiner replaces equal-weight summation.
func (f *FusionRanker) WithCombiner(c Combiner) *FusionRanker {
	if c != nil {
		f.combine = c
	}
	return f
}

type FusionResult struct {
	Candidates []domain.Candidate
	Reranked   bool
	Warnings   []string
}

// Fuse normalizes each channel to [0,1] by min-max over its own hits, sums
// per chunk, orders by score, newer upload, lower seq_no and finally chunk
// uid, then reranks the first top_k_raw and keeps top_m.
func (f *FusionRanker) Fuse(ctx context.Context, query string, vectorHits, lexicalHits []domain.Hit) (FusionResult, error) {
	fused := f.merge(vectorHits, lexicalHits)
	if len(fused) > f.topKRaw {
		fused = fused[:f.topKRaw]
	}

	var res FusionResult
	if f.reranker != nil && len(fused) > 0 {
		reranked, err := f.rerank(ctx, query, fused)
		if err != nil {
			msg := fmt.Sprintf("reranker %s unavailable, using fused order: %v", f.reranker.ModelName(), err)
			res.Warnings = append(res.Warnings, msg)
			f.log.Warn("reranker fallback", "model", f.reranker.ModelName(), "error", err)
		} else {
			fused = reranked
			res.Reranked = true
		}
	}

	if len(fused) > f.topM {
		fused = fused[:f.topM]
	}
	res.Candidates = fused
	return res, nil
}

func (f *FusionRanker) merge(vectorHits, lexicalHits []domain.Hit) []domain.Candidate {
	vecScore := normalize(vectorHits)
	lexScore := normalize(lexicalHits)

	byUID := make(map[string]*domain.Candidate)
	var order []string
	for _, hits := range [][]domain.Hit{vectorHits, lexicalHits} {
		for _, h := range hits {
			if _, ok := byUID[h.Chunk.UID]; !ok {
				byUID[h.Chunk.UID] = &domain.Candidate{Chunk: h.Chunk, UploadedAt: h.UploadedAt}
				order = append(order, h.Chunk.UID)
			}
		}
	}

	out := make([]domain.Candidate, 0, len(order))
	for _, uid := range order {
		c := byUID[uid]
		c.VectorScore = vecScore[uid]
		c.LexicalScore = lexScore[uid]
		c.Score = f.combine(c.VectorScore, c.LexicalScore)
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool { return fusedBefore(out[i], out[j]) })
	return out
}

func fusedBefore(a, b domain.Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.UploadedAt.Equal(b.UploadedAt) {
		return a.UploadedAt.After(b.UploadedAt)
	}
	if a.Chunk.SeqNo != b.Chunk.SeqNo {
		return a.Chunk.SeqNo < b.Chunk.SeqNo
	}
	return a.Chunk.UID < b.Chunk.UID
}

// normalize min-max scales one channel. When every hit has the same score
// each gets 1. A chunk listed twice keeps its best score.
func normalize(hits []domain.Hit) map[string]float64 {
	if len(hits) == 0 {
		return nil
	}
	best := make(map[string]float64, len(hits))
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if prev, ok := best[h.Chunk.UID]; !ok || h.Score > prev {
			best[h.Chunk.UID] = h.Score
		}
		lo = min(lo, h.Score)
		hi = max(hi, h.Score)
	}
	for uid, s := range best {
		if hi == lo {
			best[uid] = 1
		} else {
			best[uid] = (s - lo) / (hi - lo)
		}
	}
	return best
}

func (f *FusionRanker) rerank(ctx context.Context, query string, candidates []domain.Candidate) ([]domain.Candidate, error) {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Chunk.Text
	}
	results, err := f.reranker.Rerank(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("reranker returned no results for %d candidates", len(candidates))
	}

	out := make([]domain.Candidate, 0, len(results))
	used := make(map[int]struct{}, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, fmt.Errorf("reranker returned out-of-range index %d", r.Index)
		}
		if _, dup := used[r.Index]; dup {
			continue
		}
		used[r.Index] = struct{}{}
		c := candidates[r.Index]
		c.Score = r.Score
		out = append(out, c)
	}
	return out, nil
}

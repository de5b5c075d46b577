package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

func hit(uid string, seq int, uploaded time.Time, score float64) domain.Hit {
	return domain.Hit{
		Chunk:      domain.Chunk{TenantID: "acme", VersionRef: "v", UID: uid, SeqNo: seq, Text: "text " + uid},
		UploadedAt: uploaded,
		Score:      score,
	}
}

func uids(cs []domain.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Chunk.UID
	}
	return out
}

type stubReranker struct {
	results []port.RerankedResult
	err     error
	calls   int
}

func (r *stubReranker) Rerank(context.Context, string, []string) ([]port.RerankedResult, error) {
	r.calls++
	return r.results, r.err
}

func (r *stubReranker) ModelName() string { return "stub" }

func TestFuse_NormalizesAndSumsChannels(t *testing.T) {
	now := time.Now()
	f := NewFusionRanker(nil, 20, 5, nil)

	vector := []domain.Hit{hit("a", 0, now, 0.9), hit("b", 1, now, 0.5), hit("c", 2, now, 0.1)}
	lexical := []domain.Hit{hit("c", 2, now, 12), hit("d", 3, now, 4)}

	res, err := f.Fuse(context.Background(), "q", vector, lexical)
	require.NoError(t, err)
	assert.False(t, res.Reranked)
	require.Equal(t, []string{"a", "c", "b", "d"}, uids(res.Candidates))

	byUID := make(map[string]domain.Candidate)
	for _, c := range res.Candidates {
		byUID[c.Chunk.UID] = c
	}
	assert.InDelta(t, 1.0, byUID["a"].Score, 1e-9)
	assert.InDelta(t, 1.0, byUID["c"].Score, 1e-9, "0 from vector plus 1 from lexical")
	assert.InDelta(t, 0.5, byUID["b"].Score, 1e-9)
	assert.InDelta(t, 0.0, byUID["d"].Score, 1e-9)
	assert.InDelta(t, 1.0, byUID["c"].LexicalScore, 1e-9)
}

func TestFuse_TieBreakIsDeterministic(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	f := NewFusionRanker(nil, 20, 10, nil)

	// every vector hit has the same score, so all normalize to 1
	vector := []domain.Hit{
		hit("z", 5, older, 0.4),
		hit("y", 1, older, 0.4),
		hit("x", 1, older, 0.4),
		hit("w", 9, newer, 0.4),
	}
	want := []string{"w", "x", "y", "z"}

	for i := 0; i < 20; i++ {
		res, err := f.Fuse(context.Background(), "q", vector, nil)
		require.NoError(t, err)
		assert.Equal(t, want, uids(res.Candidates))
		vector[0], vector[3] = vector[3], vector[0]
	}
}

func TestFuse_EmptyChannelContributesNothing(t *testing.T) {
	now := time.Now()
	f := NewFusionRanker(nil, 20, 5, nil)

	res, err := f.Fuse(context.Background(), "q", nil, []domain.Hit{hit("a", 0, now, 3), hit("b", 1, now, 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, uids(res.Candidates))
	assert.Zero(t, res.Candidates[0].VectorScore)

	res, err = f.Fuse(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestFuse_TruncatesToTopKThenTopM(t *testing.T) {
	now := time.Now()
	var vector []domain.Hit
	for i, uid := range []string{"a", "b", "c", "d", "e", "f"} {
		vector = append(vector, hit(uid, i, now, float64(10-i)))
	}
	rr := &stubReranker{results: []port.RerankedResult{{Index: 3, Score: 0.9}, {Index: 0, Score: 0.8}, {Index: 1, Score: 0.1}}}
	f := NewFusionRanker(rr, 4, 2, nil)

	res, err := f.Fuse(context.Background(), "q", vector, nil)
	require.NoError(t, err)
	assert.True(t, res.Reranked)
	assert.Equal(t, []string{"d", "a"}, uids(res.Candidates))
	assert.InDelta(t, 0.9, res.Candidates[0].Score, 1e-9)
}

func TestFuse_RerankerFailureFallsBackToFusedOrder(t *testing.T) {
	now := time.Now()
	vector := []domain.Hit{hit("a", 0, now, 2), hit("b", 1, now, 1), hit("c", 2, now, 0)}

	for name, rr := range map[string]*stubReranker{
		"error":        {err: errors.New("503")},
		"out of range": {results: []port.RerankedResult{{Index: 7}}},
		"empty":        {},
	} {
		t.Run(name, func(t *testing.T) {
			f := NewFusionRanker(rr, 20, 2, nil)
			res, err := f.Fuse(context.Background(), "q", vector, nil)
			require.NoError(t, err)
			assert.False(t, res.Reranked)
			assert.Equal(t, []string{"a", "b"}, uids(res.Candidates))
			assert.Len(t, res.Warnings, 1)
			assert.Equal(t, 1, rr.calls)
		})
	}
}

func TestFuse_CustomCombiner(t *testing.T) {
	now := time.Now()
	vector := []domain.Hit{hit("a", 0, now, 1), hit("b", 1, now, 0)}
	lexical := []domain.Hit{hit("b", 1, now, 5), hit("a", 0, now, 1)}

	lexicalOnly := func(_, lex float64) float64 { return lex }
	f := NewFusionRanker(nil, 20, 5, nil).WithCombiner(lexicalOnly)

	res, err := f.Fuse(context.Background(), "q", vector, lexical)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, uids(res.Candidates))
}

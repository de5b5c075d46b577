package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/adapter/cache"
	"ragkb/internal/domain"
	"ragkb/internal/port"
)

func TestAuditor_FindsAndRepairsOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.ingest("acme", "", "handbook.md", handbook)
	h.ingest("globex", "", "onboarding.md", onboarding)

	a := NewAuditor(h.store, h.index, nil)
	reports, err := a.AuditAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.True(t, r.Consistent(), "tenant %s", r.TenantID)
		assert.Equal(t, r.Linked, r.IndexCount)
	}

	require.NoError(t, h.index.Upsert(ctx, []port.VectorEntry{{
		ID:         "orphan-1",
		TenantID:   "acme",
		VersionRef: res.VersionRef,
		ChunkUID:   "gone",
		Vector:     make([]float32, testDim),
		Timestamp:  time.Now(),
	}}))

	rep, err := a.Audit(ctx, "acme", false)
	require.NoError(t, err)
	assert.False(t, rep.Consistent())
	assert.Equal(t, []string{"orphan-1"}, rep.Orphans)
	assert.Zero(t, rep.Repaired)

	rep, err = a.Audit(ctx, "acme", true)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)

	rep, err = a.Audit(ctx, "acme", false)
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
	assert.Equal(t, 3, rep.IndexCount)
}

func TestPurger_RemovesEverythingOfOneTenant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	acme := h.ingest("acme", "", "handbook.md", handbook)
	globex := h.ingest("globex", "", "onboarding.md", onboarding)

	qc := cache.NewQueryCache(8, time.Minute)
	qc.Put("acme", "m", "q", []float32{1})
	qc.Put("globex", "m", "q", []float32{1})

	p := NewPurger(h.store, h.index, h.objects, NewTenantLimiter(10, 1), nil, qc)
	require.NoError(t, p.Purge(ctx, "acme"))

	_, err := h.store.GetVersion(ctx, "acme", acme.VersionRef)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	n, err := h.index.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, n)
	ver, err := h.store.GetVersion(ctx, "globex", globex.VersionRef)
	require.NoError(t, err)
	_, err = h.objects.Get(ctx, ver.SourceURI)
	assert.NoError(t, err, "other tenants keep their objects")

	_, ok := qc.Get("acme", "m", "q")
	assert.False(t, ok)
	_, ok = qc.Get("globex", "m", "q")
	assert.True(t, ok)

	n, err = h.index.Count(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.ErrorIs(t, p.Purge(ctx, ""), domain.ErrValidation)
}

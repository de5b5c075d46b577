package usecase

import (
	"context"
	"fmt"
	"sort"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

// Auditor checks that the vector index is a subset of the embedding records
// in the chunk store. The chunk store is authoritative.
type Auditor struct {
	store port.ChunkStore
	index port.VectorIndex
	log   *logger.Logger
}

func NewAuditor(store port.ChunkStore, index port.VectorIndex, log *logger.Logger) *Auditor {
	if log == nil {
		log = logger.Nop()
	}
	return &Auditor{store: store, index: index, log: log}
}

// AuditReport describes one tenant. Orphans are index entries with no
// embedding record; Missing are embedding records with no index entry,
// which a resume or rechunk repairs.
type AuditReport struct {
	TenantID   domain.TenantID `json:"tenant_id"`
	IndexCount int             `json:"index_count"`
	Linked     int             `json:"linked"`
	Orphans    []string        `json:"orphans,omitempty"`
	Missing    []string        `json:"missing,omitempty"`
	Repaired   int             `json:"repaired"`
}

func (r AuditReport) Consistent() bool { return len(r.Orphans) == 0 }

// AuditAll audits every tenant known to the chunk store.
func (a *Auditor) AuditAll(ctx context.Context, repair bool) ([]AuditReport, error) {
	tenants, err := a.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	reports := make([]AuditReport, 0, len(tenants))
	for _, t := range tenants {
		rep, err := a.Audit(ctx, t, repair)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Audit compares one tenant's index ids with its embedding records. With
// repair set, orphans are deleted from the index.
func (a *Auditor) Audit(ctx context.Context, tenant domain.TenantID, repair bool) (AuditReport, error) {
	rep := AuditReport{TenantID: tenant}
	if err := domain.ValidateTenant(tenant); err != nil {
		return rep, err
	}

	ids, err := a.index.ListIDs(ctx, tenant)
	if err != nil {
		return rep, fmt.Errorf("failed to list vector ids: %w", err)
	}
	links, err := a.store.ListEmbeddings(ctx, tenant)
	if err != nil {
		return rep, fmt.Errorf("failed to list embeddings: %w", err)
	}
	rep.IndexCount = len(ids)
	rep.Linked = len(links)

	inIndex := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inIndex[id] = struct{}{}
	}
	linked := make(map[string]struct{}, len(links))
	for _, l := range links {
		linked[l.VectorRef] = struct{}{}
		if _, ok := inIndex[l.VectorRef]; !ok {
			rep.Missing = append(rep.Missing, l.VectorRef)
		}
	}
	for _, id := range ids {
		if _, ok := linked[id]; !ok {
			rep.Orphans = append(rep.Orphans, id)
		}
	}
	sort.Strings(rep.Orphans)
	sort.Strings(rep.Missing)

	if len(rep.Orphans) > 0 {
		a.log.Warn("orphan vectors found", "tenant_id", tenant, "orphans", len(rep.Orphans))
	}
	if repair && len(rep.Orphans) > 0 {
		if err := a.index.Delete(ctx, tenant, rep.Orphans); err != nil {
			return rep, fmt.Errorf("failed to delete orphan vectors: %w", err)
		}
		rep.Repaired = len(rep.Orphans)
		a.log.Info("orphan vectors deleted", "tenant_id", tenant, "count", rep.Repaired)
	}
	return rep, nil
}

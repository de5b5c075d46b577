package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

// VersionResolver turns document identities and a version policy into the
// set of version refs a query may see. Only ok versions ever qualify.
type VersionResolver struct {
	store port.ChunkStore
	log   *logger.Logger
}

func NewVersionResolver(store port.ChunkStore, log *logger.Logger) *VersionResolver {
	if log == nil {
		log = logger.Nop()
	}
	return &VersionResolver{store: store, log: log}
}

// Resolution is a partial result: documents without a qualifying version are
// dropped and reported in Warnings.
type Resolution struct {
	Refs     []domain.VersionRef
	Warnings []string
}

// Resolve applies policy to each document. An empty document list means every
// document of the tenant. asOf is required by the as_of_date policy.
func (r *VersionResolver) Resolve(ctx context.Context, tenant domain.TenantID, documentUUIDs []string, policy domain.VersionPolicy, asOf *time.Time) (Resolution, error) {
	if err := domain.ValidateTenant(tenant); err != nil {
		return Resolution{}, err
	}
	if policy == domain.PolicyAsOfDate && asOf == nil {
		return Resolution{}, domain.Invalid("as_of", "required by the as_of_date policy")
	}

	docs := documentUUIDs
	if len(docs) == 0 {
		all, err := r.store.ListDocuments(ctx, tenant)
		if err != nil {
			return Resolution{}, err
		}
		for _, d := range all {
			docs = append(docs, d.UUID)
		}
	}

	var res Resolution
	seen := make(map[domain.VersionRef]struct{})
	add := func(ref domain.VersionRef) {
		if _, ok := seen[ref]; !ok {
			seen[ref] = struct{}{}
			res.Refs = append(res.Refs, ref)
		}
	}

	for _, docUUID := range docs {
		refs, err := r.resolveOne(ctx, tenant, docUUID, policy, asOf)
		if errors.Is(err, domain.ErrNotFound) {
			msg := fmt.Sprintf("document %s has no version matching policy %s", docUUID, policy)
			res.Warnings = append(res.Warnings, msg)
			r.log.Warn("document dropped from query scope", "tenant_id", tenant, "document_uuid", docUUID, "policy", policy)
			continue
		}
		if err != nil {
			return Resolution{}, err
		}
		for _, ref := range refs {
			add(ref)
		}
	}

	sort.Slice(res.Refs, func(i, j int) bool { return res.Refs[i] < res.Refs[j] })
	return res, nil
}

func (r *VersionResolver) resolveOne(ctx context.Context, tenant domain.TenantID, docUUID string, policy domain.VersionPolicy, asOf *time.Time) ([]domain.VersionRef, error) {
	switch policy {
	case domain.PolicyLatest, "":
		ref, err := r.store.ResolveLatest(ctx, tenant, docUUID)
		if err != nil {
			return nil, err
		}
		return []domain.VersionRef{ref}, nil

	case domain.PolicyAsOfDate:
		versions, err := r.okVersions(ctx, tenant, docUUID)
		if err != nil {
			return nil, err
		}
		var best *domain.DocumentVersion
		for i := range versions {
			v := &versions[i]
			if v.EffectiveAt().After(*asOf) {
				continue
			}
			if best == nil || newerAsOf(v, best) {
				best = v
			}
		}
		if best == nil {
			return nil, domain.ErrNotFound
		}
		return []domain.VersionRef{best.Ref}, nil

	case domain.PolicyAllVersions:
		versions, err := r.okVersions(ctx, tenant, docUUID)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, domain.ErrNotFound
		}
		refs := make([]domain.VersionRef, len(versions))
		for i, v := range versions {
			refs[i] = v.Ref
		}
		return refs, nil
	}
	return nil, domain.Invalid("policy", "unknown version policy %q", policy)
}

func (r *VersionResolver) okVersions(ctx context.Context, tenant domain.TenantID, docUUID string) ([]domain.DocumentVersion, error) {
	all, err := r.store.ListVersions(ctx, tenant, docUUID)
	if err != nil {
		return nil, err
	}
	ok := all[:0]
	for _, v := range all {
		if v.ParseStatus == domain.ParseOK {
			ok = append(ok, v)
		}
	}
	return ok, nil
}

// newerAsOf orders by effective date, then upload time, then ref.
func newerAsOf(a, b *domain.DocumentVersion) bool {
	if !a.EffectiveAt().Equal(b.EffectiveAt()) {
		return a.EffectiveAt().After(b.EffectiveAt())
	}
	if !a.UploadedAt.Equal(b.UploadedAt) {
		return a.UploadedAt.After(b.UploadedAt)
	}
	return a.Ref > b.Ref
}

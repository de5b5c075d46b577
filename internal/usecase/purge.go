package usecase

import (
	"context"
	"errors"
	"fmt"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

// TenantCache is anything holding per-tenant derived state in memory.
type TenantCache interface {
	InvalidateTenant(tenant domain.TenantID)
}

// Purger removes everything a tenant owns.
type Purger struct {
	store   port.ChunkStore
	index   port.VectorIndex
	objects port.ObjectStore
	caches  []TenantCache
	limiter *TenantLimiter
	log     *logger.Logger
}

func NewPurger(store port.ChunkStore, index port.VectorIndex, objects port.ObjectStore, limiter *TenantLimiter, log *logger.Logger, caches ...TenantCache) *Purger {
	if log == nil {
		log = logger.Nop()
	}
	return &Purger{
		store:   store,
		index:   index,
		objects: objects,
		caches:  caches,
		limiter: limiter,
		log:     log,
	}
}

// Purge deletes the vector entries first so that no index entry outlives its
// records, then the records, then the stored objects. Each step runs even if
// an earlier one failed; the errors are joined.
func (p *Purger) Purge(ctx context.Context, tenant domain.TenantID) error {
	if err := domain.ValidateTenant(tenant); err != nil {
		return err
	}

	var errs []error
	if err := p.index.DeleteTenant(ctx, tenant); err != nil {
		errs = append(errs, fmt.Errorf("vector index: %w", err))
	}
	if err := p.store.DeleteTenant(ctx, tenant); err != nil {
		errs = append(errs, fmt.Errorf("chunk store: %w", err))
	}
	if err := p.objects.DeleteTenant(ctx, tenant); err != nil {
		errs = append(errs, fmt.Errorf("object store: %w", err))
	}
	for _, c := range p.caches {
		c.InvalidateTenant(tenant)
	}
	p.limiter.Forget(tenant)

	if err := errors.Join(errs...); err != nil {
		p.log.Error("tenant purge incomplete", "tenant_id", tenant, "error", err)
		return err
	}
	p.log.Info("tenant purged", "tenant_id", tenant)
	return nil
}

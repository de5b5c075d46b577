package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

type QueryConfig struct {
	TopKRaw          int
	MaxContextTokens int
	ChunkMaxTokens   int
	Timeout          time.Duration
}

// QueryRequest selects what a tenant asks about. Empty DocumentUUIDs means
// every document of the tenant; MaxContextTokens 0 uses the configured budget.
type QueryRequest struct {
	TenantID         domain.TenantID
	Query            string
	DocumentUUIDs    []string
	Policy           domain.VersionPolicy
	AsOf             *time.Time
	MaxContextTokens int
}

// QueryService runs the query path: version resolution, hybrid search,
// fusion, budgeting and citation binding.
type QueryService struct {
	resolver  *VersionResolver
	searcher  port.HybridSearcher
	fusion    *FusionRanker
	allocator *BudgetAllocator
	binder    *CitationBinder
	limiter   *TenantLimiter
	cfg       QueryConfig
	log       *logger.Logger
}

func NewQueryService(
	resolver *VersionResolver,
	searcher port.HybridSearcher,
	fusion *FusionRanker,
	allocator *BudgetAllocator,
	binder *CitationBinder,
	limiter *TenantLimiter,
	cfg QueryConfig,
	log *logger.Logger,
) *QueryService {
	if log == nil {
		log = logger.Nop()
	}
	return &QueryService{
		resolver:  resolver,
		searcher:  searcher,
		fusion:    fusion,
		allocator: allocator,
		binder:    binder,
		limiter:   limiter,
		cfg:       cfg,
		log:       log,
	}
}

// Query returns a cited context. Channel timeouts, reranker failures and
// budget pressure degrade the result and are reported on it; isolation
// violations and caller cancellation are returned as errors.
func (s *QueryService) Query(ctx context.Context, req QueryRequest) (domain.AnswerContext, error) {
	if err := domain.ValidateTenant(req.TenantID); err != nil {
		return domain.AnswerContext{}, err
	}
	budget := req.MaxContextTokens
	if budget == 0 {
		budget = s.cfg.MaxContextTokens
	}
	if budget < s.cfg.ChunkMaxTokens {
		return domain.AnswerContext{}, domain.Invalid("max_context_tokens", "%d is below chunk_max_tokens %d", budget, s.cfg.ChunkMaxTokens)
	}
	if !s.limiter.Allow(req.TenantID) {
		return domain.AnswerContext{}, fmt.Errorf("tenant %s: %w", req.TenantID, domain.ErrRateLimited)
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	log := s.log.With("tenant_id", req.TenantID)

	resolution, err := s.resolver.Resolve(ctx, req.TenantID, req.DocumentUUIDs, req.Policy, req.AsOf)
	if err != nil {
		return domain.AnswerContext{}, err
	}
	warnings := resolution.Warnings

	scope, err := domain.NewScope(req.TenantID, resolution.Refs)
	if err != nil {
		return domain.AnswerContext{}, err
	}
	searchReq, err := domain.NewSearchRequest(scope, req.Query, s.cfg.TopKRaw)
	if err != nil {
		return domain.AnswerContext{}, err
	}

	if scope.Empty() {
		log.Info("query has no visible versions", "documents", len(req.DocumentUUIDs))
		answer, err := s.binder.Bind(ctx, req.TenantID, req.Query, domain.FinalContext{BudgetTokens: budget})
		if err != nil {
			return domain.AnswerContext{}, err
		}
		answer.Warnings = append(warnings, answer.Warnings...)
		return answer, nil
	}

	channels, err := s.searcher.Search(ctx, searchReq)
	if err != nil {
		return domain.AnswerContext{}, err
	}
	warnings = append(warnings, channels.Warnings...)

	fused, err := s.fusion.Fuse(ctx, req.Query, channels.Vector, channels.Lexical)
	if err != nil {
		return domain.AnswerContext{}, err
	}
	warnings = append(warnings, fused.Warnings...)
	for _, c := range fused.Candidates {
		if err := domain.CheckTenant(req.TenantID, c.Chunk.TenantID, "fusion"); err != nil {
			return domain.AnswerContext{}, err
		}
	}

	final, err := s.allocator.Allocate(ctx, fused.Candidates, budget, s.cfg.ChunkMaxTokens)
	if err != nil {
		return domain.AnswerContext{}, err
	}

	// Past the deadline the admitted context is still bound so the caller
	// gets a degraded answer instead of nothing.
	bindCtx := ctx
	expired := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if expired {
		bindCtx = context.WithoutCancel(ctx)
	}
	answer, err := s.binder.Bind(bindCtx, req.TenantID, req.Query, final)
	if err != nil {
		return domain.AnswerContext{}, err
	}
	answer.Degraded = channels.Degraded() || expired
	answer.TimedOut = channels.TimedOut
	answer.Warnings = append(warnings, answer.Warnings...)
	if expired {
		answer.Warnings = append(answer.Warnings, "query deadline reached before completion")
		log.Warn("query deadline reached", "timeout", s.cfg.Timeout)
	}
	log.Info("query answered",
		"versions", len(resolution.Refs),
		"candidates", len(fused.Candidates),
		"blocks", len(answer.Blocks),
		"used_tokens", answer.UsedTokens,
		"budget_exceeded", answer.BudgetExceeded,
		"degraded", answer.Degraded,
	)
	return answer, nil
}

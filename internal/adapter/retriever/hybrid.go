package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/port"
)

var _ port.HybridSearcher = (*HybridRetriever)(nil)

// HybridRetriever runs the vector and lexical channels concurrently. Each
// channel gets its own timeout; a channel that times out or fails contributes
// an empty list. Isolation violations abort the whole search.
type HybridRetriever struct {
	vector  port.ChannelSearcher
	lexical port.ChannelSearcher
	timeout time.Duration
	log     *logger.Logger
}

// NewHybridRetriever accepts a nil channel, which then always contributes nothing.
func NewHybridRetriever(
	vector port.ChannelSearcher,
	lexical port.ChannelSearcher,
	channelTimeout time.Duration,
	log *logger.Logger,
) *HybridRetriever {
	if log == nil {
		log = logger.Nop()
	}
	return &HybridRetriever{
		vector:  vector,
		lexical: lexical,
		timeout: channelTimeout,
		log:     log,
	}
}

type channelOutcome struct {
	hits     []domain.Hit
	timedOut bool
	failed   error
}

func (r *HybridRetriever) Search(ctx context.Context, req domain.SearchRequest) (domain.ChannelResults, error) {
	scope := req.Scope()
	if err := scope.Require("hybrid search"); err != nil {
		return domain.ChannelResults{}, err
	}

	var vec, lex channelOutcome
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.run(gctx, r.vector, req, &vec) })
	g.Go(func() error { return r.run(gctx, r.lexical, req, &lex) })
	if err := g.Wait(); err != nil {
		return domain.ChannelResults{}, err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.ChannelResults{}, ctx.Err()
	}

	var out domain.ChannelResults
	for _, c := range []struct {
		channel domain.Channel
		outcome *channelOutcome
		dst     *[]domain.Hit
	}{
		{domain.ChannelVector, &vec, &out.Vector},
		{domain.ChannelLexical, &lex, &out.Lexical},
	} {
		switch {
		case c.outcome.timedOut:
			out.TimedOut = append(out.TimedOut, c.channel)
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s channel: %v", c.channel, domain.ErrChannelTimeout))
			r.log.Warn("channel timed out", "tenant_id", scope.Tenant(), "channel", c.channel, "timeout", r.timeout)
		case c.outcome.failed != nil:
			out.Failed = append(out.Failed, c.channel)
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s channel unavailable: %v", c.channel, c.outcome.failed))
			r.log.Warn("channel failed", "tenant_id", scope.Tenant(), "channel", c.channel, "error", c.outcome.failed)
		default:
			if err := checkHits(scope, c.outcome.hits, c.channel); err != nil {
				return domain.ChannelResults{}, err
			}
			*c.dst = c.outcome.hits
		}
	}

	r.log.Debug("hybrid search complete",
		"tenant_id", scope.Tenant(),
		"vector_hits", len(out.Vector),
		"lexical_hits", len(out.Lexical),
	)
	return out, nil
}

// run executes one channel under its own deadline. It returns an error only
// for failures that must abort the query.
func (r *HybridRetriever) run(ctx context.Context, ch port.ChannelSearcher, req domain.SearchRequest, out *channelOutcome) error {
	if ch == nil {
		return nil
	}
	cctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	hits, err := ch.Search(cctx, req)
	switch {
	case err == nil:
		out.hits = hits
	case errors.Is(err, domain.ErrIsolationViolation):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		out.timedOut = true
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return nil
	default:
		out.failed = err
	}
	return nil
}

// checkHits re-validates ownership of every hit before it leaves the retriever.
func checkHits(scope domain.Scope, hits []domain.Hit, channel domain.Channel) error {
	where := string(channel) + " results"
	for _, h := range hits {
		if err := domain.CheckTenant(scope.Tenant(), h.Chunk.TenantID, where); err != nil {
			return err
		}
		if !scope.Admits(h.Chunk.TenantID, h.Chunk.VersionRef) {
			return &domain.IsolationViolation{Expected: scope.Tenant(), Got: h.Chunk.TenantID, Where: where + ": version outside scope"}
		}
	}
	return nil
}

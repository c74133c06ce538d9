package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/domain/ports/repository"
	"tabular-ai-analyst/internal/infra/metrics"
)

// Compile-time check
var _ RateLimitUseCase = (*rateLimitUC)(nil)

// RateLimitUseCase enforces the per-user rolling-window token ceiling.
// Decisions are a pure function of the ledger: checking never mutates
// state, so any number of checks between two Records return the same
// answer.
type RateLimitUseCase interface {
	// Check computes the current decision for the user.
	Check(ctx context.Context, userID string) (*model.RateLimitDecision, error)
	// Admit is Check folded into an admission error when the ceiling is
	// reached.
	Admit(ctx context.Context, userID string) (*model.RateLimitDecision, error)
	// Record appends consumed tokens to the ledger and emits warning or
	// exceeded events when this record crosses a threshold.
	Record(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error)
}

type eventPublisher interface {
	Publish(ev model.StreamEvent)
}

type rateLimitUC struct {
	repo    repository.TokenUsageRepository
	bus     eventPublisher
	ceiling int64
	warnAt  float64
	window  time.Duration

	log *zerolog.Logger
}

func NewRateLimitUseCase(repo repository.TokenUsageRepository, bus eventPublisher, ceiling int64, warnAt float64, window time.Duration, logger *zerolog.Logger) *rateLimitUC {
	return &rateLimitUC{repo: repo, bus: bus, ceiling: ceiling, warnAt: warnAt, window: window, log: logger}
}

func (r *rateLimitUC) Check(ctx context.Context, userID string) (*model.RateLimitDecision, error) {
	return r.decide(ctx, userID, time.Now())
}

// decide computes the decision at instant now. Window membership is
// strict: a record exactly window old has aged out.
func (r *rateLimitUC) decide(ctx context.Context, userID string, now time.Time) (*model.RateLimitDecision, error) {
	since := now.Add(-r.window)
	used, err := r.repo.WindowSum(ctx, repository.NoTX, userID, since)
	if err != nil {
		return nil, domain.NewInfrastructureError(domain.CodeInternal, "could not read usage ledger", err)
	}

	d := &model.RateLimitDecision{
		Allowed:      used < r.ceiling,
		UsedTokens:   used,
		UsagePercent: float64(used) / float64(r.ceiling) * 100,
	}
	if used < r.ceiling {
		d.RemainingTokens = r.ceiling - used
	}
	d.Warning = float64(used) >= float64(r.ceiling)*r.warnAt

	// The window only loses tokens when its oldest record ages out, so
	// that instant is the earliest the decision can improve.
	if used > 0 {
		oldest, err := r.repo.OldestInWindow(ctx, repository.NoTX, userID, since)
		if err != nil {
			return nil, domain.NewInfrastructureError(domain.CodeInternal, "could not read usage ledger", err)
		}
		if !oldest.IsZero() {
			if secs := int64(oldest.Add(r.window).Sub(now).Seconds()); secs > 0 {
				d.ResetsInSeconds = secs
			}
		}
	}

	switch {
	case !d.Allowed:
		metrics.IncRateLimitCheck("blocked")
	case d.Warning:
		metrics.IncRateLimitCheck("warned")
	default:
		metrics.IncRateLimitCheck("allowed")
	}
	return d, nil
}

func (r *rateLimitUC) Admit(ctx context.Context, userID string) (*model.RateLimitDecision, error) {
	d, err := r.Check(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return d, domain.NewAdmissionError(domain.CodeRateLimited, "daily token budget exhausted")
	}
	return d, nil
}

func (r *rateLimitUC) Record(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error) {
	if tokens <= 0 {
		return r.Check(ctx, userID)
	}

	now := time.Now()
	before, err := r.decide(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	rec := &model.TokenUsageRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		Tokens:     tokens,
		RecordedAt: now,
	}
	if err := r.repo.Append(ctx, repository.NoTX, rec); err != nil {
		return nil, domain.NewInfrastructureError(domain.CodeInternal, "could not append usage record", err)
	}
	metrics.AddTokensRecorded(tokens)

	after, err := r.decide(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	r.publishTransitions(userID, before, after)

	r.log.Debug().
		Str("user_id", userID).
		Int64("tokens", tokens).
		Int64("window_used", after.UsedTokens).
		Msg("token usage recorded")
	return after, nil
}

// publishTransitions emits at most one event per Record: exceeded when
// this record crossed the ceiling, warning when it crossed the warn
// threshold. Re-crossing after an age-out emits again, which is wanted.
func (r *rateLimitUC) publishTransitions(userID string, before, after *model.RateLimitDecision) {
	var typ model.EventType
	switch {
	case before.Allowed && !after.Allowed:
		typ = model.EventRateLimitExceeded
	case !before.Warning && after.Warning:
		typ = model.EventRateLimitWarning
	default:
		return
	}
	r.bus.Publish(model.StreamEvent{
		Type:            typ,
		UserID:          userID,
		UsagePercent:    after.UsagePercent,
		RemainingTokens: after.RemainingTokens,
		ResetsInSeconds: after.ResetsInSeconds,
		At:              time.Now(),
	})
	metrics.IncStreamEvent(string(typ))
}

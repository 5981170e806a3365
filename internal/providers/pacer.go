package providers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"log/slog"

	"mediasync/internal/accounts"
)

// Pacer enforces a provider's pull limits for one account session:
// a jittered delay between consecutive API operations, a longer sleep
// after a rate-limit response, and a running recoverable-error counter
// that aborts the session when it crosses the provider ceiling.
//
// A Pacer belongs to a single pull and is not safe for concurrent use.
type Pacer struct {
	provider accounts.Provider
	limits   Limits
	logger   *slog.Logger
	errors   int
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a pacer for one account pull session.
func NewPacer(provider accounts.Provider, limits Limits, logger *slog.Logger) *Pacer {
	return &Pacer{
		provider: provider,
		limits:   limits,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrorCount returns the number of recoverable errors seen this session.
func (p *Pacer) ErrorCount() int {
	return p.errors
}

// BeforeCall blocks for the jittered inter-operation delay.
func (p *Pacer) BeforeCall(ctx context.Context) error {
	span := p.limits.BetweenOpsMax - p.limits.BetweenOpsMin
	delay := p.limits.BetweenOpsMin
	if span > 0 {
		delay += time.Duration(p.rng.Int63n(int64(span)))
	}
	return p.sleep(ctx, delay)
}

// OnRateLimited blocks for the provider's rate-limit sleep.
func (p *Pacer) OnRateLimited(ctx context.Context) error {
	p.logger.Warn("Rate limited, backing off",
		slog.String("provider", string(p.provider)),
		slog.Duration("sleep", p.limits.RateLimitSleep),
		slog.Int("errors", p.errors))
	return p.sleep(ctx, p.limits.RateLimitSleep)
}

// RecordError counts a recoverable error. It returns a TooManyErrors
// classification once the session crosses the provider ceiling.
func (p *Pacer) RecordError(cause error) error {
	p.errors++
	if p.errors >= p.limits.MaxErrors {
		return NewError(KindTooManyErrors, p.provider, "pull",
			fmt.Errorf("too many request errors (%d): last: %w", p.errors, cause))
	}
	return nil
}

// Call runs one API operation under pacing and the retry policy:
// rate-limited and transient failures are retried in place until the
// error ceiling trips; fatal classifications propagate immediately.
func (p *Pacer) Call(ctx context.Context, op func() error) error {
	for {
		if err := p.BeforeCall(ctx); err != nil {
			return err
		}

		err := op()
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return err
		}

		if ceiling := p.RecordError(err); ceiling != nil {
			return ceiling
		}

		if IsRateLimited(err) {
			if serr := p.OnRateLimited(ctx); serr != nil {
				return serr
			}
			continue
		}

		p.logger.Warn("Retrying provider call",
			slog.String("provider", string(p.provider)),
			slog.String("kind", KindOf(err).String()),
			slog.Int("errors", p.errors),
			slog.Any("error", err))
	}
}

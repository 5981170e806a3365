package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasync/internal/accounts"
)

func testPacer(limits Limits) (*Pacer, *[]time.Duration) {
	p := NewPacer(accounts.ProviderFacebook, limits, slog.Default())
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return p, &slept
}

func TestPacerBeforeCall(t *testing.T) {
	t.Run("delay stays inside the jitter window", func(t *testing.T) {
		limits := Limits{BetweenOpsMin: 100 * time.Millisecond, BetweenOpsMax: 500 * time.Millisecond}
		p, slept := testPacer(limits)

		for i := 0; i < 50; i++ {
			require.NoError(t, p.BeforeCall(context.Background()))
		}
		require.Len(t, *slept, 50)
		for _, d := range *slept {
			assert.GreaterOrEqual(t, d, limits.BetweenOpsMin)
			assert.Less(t, d, limits.BetweenOpsMax)
		}
	})

	t.Run("degenerate window sleeps the minimum", func(t *testing.T) {
		p, slept := testPacer(Limits{BetweenOpsMin: 200 * time.Millisecond, BetweenOpsMax: 200 * time.Millisecond})
		require.NoError(t, p.BeforeCall(context.Background()))
		assert.Equal(t, []time.Duration{200 * time.Millisecond}, *slept)
	})
}

func TestPacerRecordError(t *testing.T) {
	t.Run("returns too-many-errors at the ceiling", func(t *testing.T) {
		p, _ := testPacer(Limits{MaxErrors: 3})

		assert.NoError(t, p.RecordError(errors.New("boom 1")))
		assert.NoError(t, p.RecordError(errors.New("boom 2")))

		err := p.RecordError(errors.New("boom 3"))
		require.Error(t, err)
		assert.Equal(t, KindTooManyErrors, KindOf(err))
		assert.True(t, IsFatal(err))
		assert.Equal(t, 3, p.ErrorCount())
	})
}

func TestPacerCall(t *testing.T) {
	limits := Limits{
		BetweenOpsMin:  time.Millisecond,
		BetweenOpsMax:  2 * time.Millisecond,
		RateLimitSleep: time.Minute,
		MaxErrors:      10,
	}

	t.Run("succeeds on first attempt", func(t *testing.T) {
		p, _ := testPacer(limits)
		calls := 0
		err := p.Call(context.Background(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient errors until success", func(t *testing.T) {
		p, _ := testPacer(limits)
		calls := 0
		err := p.Call(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 2, p.ErrorCount())
	})

	t.Run("rate limit sleeps the provider backoff then replays", func(t *testing.T) {
		p, slept := testPacer(limits)
		calls := 0
		err := p.Call(context.Background(), func() error {
			calls++
			if calls == 1 {
				return NewError(KindRateLimited, accounts.ProviderFacebook, "insights", errors.New("code 17"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Contains(t, *slept, limits.RateLimitSleep)
	})

	t.Run("fatal errors propagate without retry", func(t *testing.T) {
		p, _ := testPacer(limits)
		calls := 0
		fatal := NewError(KindAuthorizationExpired, accounts.ProviderFacebook, "me", errors.New("token expired"))
		err := p.Call(context.Background(), func() error {
			calls++
			return fatal
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, KindAuthorizationExpired, KindOf(err))
	})

	t.Run("error ceiling aborts the retry loop", func(t *testing.T) {
		p, _ := testPacer(Limits{BetweenOpsMin: time.Millisecond, BetweenOpsMax: 2 * time.Millisecond, MaxErrors: 4})
		calls := 0
		err := p.Call(context.Background(), func() error {
			calls++
			return errors.New("still broken")
		})
		require.Error(t, err)
		assert.Equal(t, KindTooManyErrors, KindOf(err))
		assert.Equal(t, 4, calls)
	})

	t.Run("cancelled context stops the loop", func(t *testing.T) {
		p, _ := testPacer(limits)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := p.Call(ctx, func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestErrorClassification(t *testing.T) {
	t.Run("unclassified errors are transient", func(t *testing.T) {
		assert.Equal(t, KindTransient, KindOf(errors.New("dial tcp: timeout")))
		assert.False(t, IsFatal(errors.New("dial tcp: timeout")))
	})

	t.Run("wrapped classified errors keep their kind", func(t *testing.T) {
		inner := NewError(KindCredentialsMissing, accounts.ProviderBing, "auth", errors.New("no token"))
		wrapped := fmt.Errorf("pull failed: %w", inner)
		assert.Equal(t, KindCredentialsMissing, KindOf(wrapped))
		assert.True(t, IsFatal(wrapped))
	})

	t.Run("unwrap exposes the cause", func(t *testing.T) {
		cause := errors.New("http 500")
		err := NewError(KindTransient, accounts.ProviderGoogle, "search", cause)
		assert.ErrorIs(t, err, cause)
	})
}

package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/resilience"
)

func TestBreakerTransitions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	breaker := resilience.NewBreaker(2, 0.5, 50*time.Millisecond).WithClock(clock)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")
	clock.Advance(49 * time.Millisecond)
	require.False(t, breaker.Allow(ctx), "breaker stays open until openFor elapses")

	clock.Advance(time.Millisecond)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	breaker.Report(ctx, true)
	require.True(t, breaker.Allow(ctx), "breaker should close after a successful trial call")
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	breaker := resilience.NewBreaker(1, 0.5, time.Second).WithClock(clock)
	ctx := context.Background()

	breaker.Report(ctx, false)
	clock.Advance(time.Second)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.False(t, breaker.Allow(ctx), "failed trial call reopens the breaker")
}

func TestNilBreakerAllows(t *testing.T) {
	var breaker *resilience.Breaker
	ctx := context.Background()
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	d1 := resilience.Backoff(base, 1, 0)
	require.Equal(t, base, d1)

	d2 := resilience.Backoff(base, 3, 0)
	require.Equal(t, base*4, d2)

	d3 := resilience.Backoff(base, 2, 0.2)
	min := base*2 - (base * 2 / 5)
	max := base*2 + (base * 2 / 5)
	require.GreaterOrEqual(t, d3, min)
	require.LessOrEqual(t, d3, max)
}

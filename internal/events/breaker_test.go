package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stagetrack/model"
)

type flakyPublisher struct {
	err   error
	calls int
}

func (p *flakyPublisher) PublishItemMoved(context.Context, model.ItemMovedEvent) error {
	p.calls++
	return p.err
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(next Publisher, cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	b := NewBreaker(next, cfg)
	b.now = clock.now
	return b, clock
}

func TestBreaker_startsClosedPassesThrough(t *testing.T) {
	next := &flakyPublisher{}
	b, _ := newTestBreaker(next, BreakerConfig{FailureThreshold: 3})

	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.PublishItemMoved(context.Background(), testEvent()))
	assert.Equal(t, 1, next.calls)
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("broker down")
	next := &flakyPublisher{err: boom}
	b, _ := newTestBreaker(next, BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute})

	for range 2 {
		assert.ErrorIs(t, b.PublishItemMoved(context.Background(), testEvent()), boom)
	}
	assert.Equal(t, BreakerClosed, b.State())

	assert.ErrorIs(t, b.PublishItemMoved(context.Background(), testEvent()), boom)
	assert.Equal(t, BreakerOpen, b.State())

	assert.ErrorIs(t, b.PublishItemMoved(context.Background(), testEvent()), ErrBreakerOpen)
	assert.Equal(t, 3, next.calls, "open circuit must not reach the broker")
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	next := &flakyPublisher{err: errors.New("broker down")}
	b, _ := newTestBreaker(next, BreakerConfig{FailureThreshold: 3})

	_ = b.PublishItemMoved(context.Background(), testEvent())
	_ = b.PublishItemMoved(context.Background(), testEvent())
	next.err = nil
	require.NoError(t, b.PublishItemMoved(context.Background(), testEvent()))

	next.err = errors.New("broker down")
	_ = b.PublishItemMoved(context.Background(), testEvent())
	_ = b.PublishItemMoved(context.Background(), testEvent())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	next := &flakyPublisher{err: errors.New("broker down")}
	b, clock := newTestBreaker(next, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Second})

	_ = b.PublishItemMoved(context.Background(), testEvent())
	require.Equal(t, BreakerOpen, b.State())

	clock.advance(10 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	next.err = nil
	require.NoError(t, b.PublishItemMoved(context.Background(), testEvent()))
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.PublishItemMoved(context.Background(), testEvent()))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	next := &flakyPublisher{err: errors.New("broker down")}
	b, clock := newTestBreaker(next, BreakerConfig{FailureThreshold: 1, OpenTimeout: 10 * time.Second})

	_ = b.PublishItemMoved(context.Background(), testEvent())
	clock.advance(11 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())

	_ = b.PublishItemMoved(context.Background(), testEvent())
	assert.Equal(t, BreakerOpen, b.State())

	clock.advance(5 * time.Second)
	assert.ErrorIs(t, b.PublishItemMoved(context.Background(), testEvent()), ErrBreakerOpen)
}

func TestBreaker_HealthCheck(t *testing.T) {
	next := &flakyPublisher{err: errors.New("broker down")}
	b, _ := newTestBreaker(next, BreakerConfig{FailureThreshold: 1})

	assert.NoError(t, b.HealthCheck(context.Background()))
	_ = b.PublishItemMoved(context.Background(), testEvent())
	assert.ErrorIs(t, b.HealthCheck(context.Background()), ErrBreakerOpen)

	wrapped := NewBreaker(NewCollector(0), BreakerConfig{})
	assert.NoError(t, wrapped.HealthCheck(context.Background()))
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}

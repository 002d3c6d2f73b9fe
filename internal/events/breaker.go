package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/stagetrack/model"
)

// ErrBreakerOpen is returned while the publisher breaker rejects events.
var ErrBreakerOpen = errors.New("events: publisher circuit is open")

// BreakerState is the current state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every event through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects events without touching the broker.
	BreakerOpen
	// BreakerHalfOpen lets trial events through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Publisher is the destination guarded by a Breaker.
type Publisher interface {
	PublishItemMoved(ctx context.Context, event model.ItemMovedEvent) error
}

// BreakerConfig tunes a Breaker. Zero values take the defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default 5.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes it again. Default 2.
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	// Default 30s.
	OpenTimeout time.Duration
}

// Breaker wraps a Publisher so a broker outage costs one fast rejection per
// event instead of a full write timeout. It is safe for concurrent use.
type Breaker struct {
	next Publisher
	now  func() time.Time

	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	openedAt         time.Time
}

// NewBreaker guards next with cfg.
func NewBreaker(next Publisher, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		next:             next,
		now:              time.Now,
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
	}
}

// PublishItemMoved forwards event unless the circuit is open.
func (b *Breaker) PublishItemMoved(ctx context.Context, event model.ItemMovedEvent) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := b.next.PublishItemMoved(ctx, event); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// HealthCheck reports an open circuit as unhealthy, then defers to the
// wrapped publisher when it can check itself.
func (b *Breaker) HealthCheck(ctx context.Context) error {
	if b.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// State returns the current state, moving an expired open circuit to
// half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// trip opens the circuit. Must be called with mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// maybeHalfOpen must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

package generate

import (
	"context"
	"errors"
	"log"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rachelpine/capsule/internal/job"
)

// BreakerConfig tunes when the generation circuit opens and how long it stays
// open before probing again.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // trip threshold; 0 defaults to 5
	OpenTimeout         time.Duration // time in open before half-open; 0 defaults to 60s
}

// StateFunc is invoked on every breaker state change with the new state name.
type StateFunc func(state string)

// Breaker wraps an Engine with a circuit breaker so that a misbehaving
// generation dependency fails fast instead of piling up queued jobs.
type Breaker struct {
	engine Engine
	cb     *gobreaker.CircuitBreaker[*job.GenerationResult]
}

// NewBreaker wraps engine. onState may be nil.
func NewBreaker(engine Engine, cfg BreakerConfig, onState StateFunc) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker[*job.GenerationResult](gobreaker.Settings{
		Name:        "generation-engine",
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %s: %s -> %s", name, from, to)
			if onState != nil {
				onState(to.String())
			}
		},
	})
	return &Breaker{engine: engine, cb: cb}
}

// Generate runs the wrapped engine through the breaker. While the circuit is
// open it returns job.ErrCircuitOpen without touching the engine.
func (b *Breaker) Generate(ctx context.Context, gc Context, progress ProgressFunc) (*job.GenerationResult, error) {
	res, err := b.cb.Execute(func() (*job.GenerationResult, error) {
		return b.engine.Generate(ctx, gc, progress)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, job.ErrCircuitOpen
	}
	return res, err
}

// Open reports whether the circuit is currently open. Admission checks this
// before touching any quota or idempotency state.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Trip forces the breaker open by feeding it failures. Only used by tests and
// the admin endpoint.
func (b *Breaker) Trip() {
	for b.cb.State() != gobreaker.StateOpen {
		_, _ = b.cb.Execute(func() (*job.GenerationResult, error) {
			return nil, context.DeadlineExceeded
		})
	}
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	domrepo "CoordRisk/internal/domain/repository"
	"CoordRisk/pkg/frame"
	applogger "CoordRisk/pkg/logger"
)

// BreakerSettings tunes the circuit around a window store.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// BreakerWindowStore fails fast while the wrapped store keeps erroring. Missing windows and
// caller cancellations are not counted as failures.
type BreakerWindowStore struct {
	next domrepo.WindowStore
	cb   *gobreaker.CircuitBreaker
}

var _ domrepo.WindowStore = (*BreakerWindowStore)(nil)

func NewBreakerWindowStore(next domrepo.WindowStore, s BreakerSettings, l *applogger.Logger) *BreakerWindowStore {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if l == nil {
		l = applogger.Nop()
	}
	st := gobreaker.Settings{
		Name:        "window_store",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= s.FailureThreshold },
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domrepo.ErrWindowNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state change",
				applogger.String("breaker", name),
				applogger.String("from", from.String()),
				applogger.String("to", to.String()),
			)
		},
	}
	return &BreakerWindowStore{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerWindowStore) LoadWindow(ctx context.Context, market string, venues []string, from, to time.Time) (*frame.Frame, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.LoadWindow(ctx, market, venues, from, to)
	})
	if err != nil {
		return nil, err
	}
	return v.(*frame.Frame), nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerWindowStore) State() string { return b.cb.State().String() }

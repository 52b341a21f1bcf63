package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker/v2"

	"cmipdiag/internal/types"
)

// BreakerSettings returns the circuit breaker settings used for remote
// stores. Absent objects count as successes: a sparse Zarr array legitimately
// has missing chunks.
func BreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err) || errors.Is(err, context.Canceled)
		},
	}
}

// BreakerStore guards an ObjectStore with a circuit breaker so that a failing
// bucket fails fast instead of stalling every model in a batch.
type BreakerStore struct {
	inner ObjectStore
	get   *gobreaker.CircuitBreaker[io.ReadCloser]
	put   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerStore wraps inner with breakers built from settings.
func NewBreakerStore(inner ObjectStore, settings gobreaker.Settings) *BreakerStore {
	putSettings := settings
	putSettings.Name = settings.Name + "-put"
	return &BreakerStore{
		inner: inner,
		get:   gobreaker.NewCircuitBreaker[io.ReadCloser](settings),
		put:   gobreaker.NewCircuitBreaker[struct{}](putSettings),
	}
}

// Get implements ObjectStore.
func (b *BreakerStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	body, err := b.get.Execute(func() (io.ReadCloser, error) {
		return b.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, mapBreakerError(b.get.Name(), key, err)
	}
	return body, nil
}

// Put implements ObjectStore.
func (b *BreakerStore) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := b.put.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.Put(ctx, key, body)
	})
	if err != nil {
		return mapBreakerError(b.put.Name(), key, err)
	}
	return nil
}

// State returns the state of the read breaker.
func (b *BreakerStore) State() gobreaker.State {
	return b.get.State()
}

func mapBreakerError(name, key string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamCircuitOpen,
			fmt.Sprintf("circuit breaker %s is open; skipped %s", name, key), err)
	}
	return err
}

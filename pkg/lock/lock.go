// Package lock implements TTL-bound mutual exclusion on top of the shared cache.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/clusterforge/pkg/cache"
	"github.com/rs/zerolog"
)

// ContentionRecorder is notified when a lock is already held.
type ContentionRecorder interface {
	RecordLockContention(key string)
}

// Manager hands out locks. A lock is an entry in the cache created with an
// atomic add, so at most one caller holds it until it is released or expires.
type Manager struct {
	cache   cache.Cache
	logger  zerolog.Logger
	metrics ContentionRecorder
}

// NewManager creates a lock manager backed by c.
func NewManager(c cache.Cache, logger zerolog.Logger) *Manager {
	return &Manager{
		cache:  c,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// WithMetrics records contention through r.
func (m *Manager) WithMetrics(r ContentionRecorder) *Manager {
	m.metrics = r
	return m
}

// Acquire takes the lock for ttl. It reports false when another caller holds it.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := m.cache.Add(ctx, key, []byte(time.Now().UTC().Format(time.RFC3339Nano)), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the lock whether or not the caller holds it.
func (m *Manager) Release(ctx context.Context, key string) error {
	if err := m.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// IsHeld reports whether the lock is currently taken.
func (m *Manager) IsHeld(ctx context.Context, key string) (bool, error) {
	_, err := m.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", key, err)
	}
	return true, nil
}

// RunUnique runs fn while holding key. When the lock is taken it returns
// (false, nil) without running fn. The lock is released after fn returns,
// even if ctx was cancelled.
func (m *Manager) RunUnique(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	ok, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Debug().Str("lock", key).Msg("Lock held, skipping")
		if m.metrics != nil {
			m.metrics.RecordLockContention(key)
		}
		return false, nil
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Release(releaseCtx, key); err != nil {
			m.logger.Warn().Err(err).Str("lock", key).Msg("Failed to release lock")
		}
	}()

	return true, fn(ctx)
}

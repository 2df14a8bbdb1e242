package application

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// storageGuard retries registry operations and keeps track of whether the
// registry is currently usable.
type storageGuard struct {
	maxRetries uint64
	degraded   atomic.Bool
}

func newStorageGuard(maxRetries uint64) *storageGuard {
	return &storageGuard{maxRetries: maxRetries}
}

func (g *storageGuard) do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	err := backoff.Retry(func() error {
		err := op()
		if err == nil || isDomainError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, g.maxRetries), ctx))

	if errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil && !isDomainError(err) {
		if !g.degraded.Swap(true) {
			log.WithError(err).Error("registry unavailable, reporting degraded health")
		}
		return err
	}

	if g.degraded.Swap(false) {
		log.Info("registry available again")
	}
	return err
}

func (g *storageGuard) isDegraded() bool {
	return g.degraded.Load()
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrCovenantExists) ||
		errors.Is(err, domain.ErrCovenantNotFound) ||
		errors.As(err, &domain.ErrInvalidTransition{})
}

package tallysync

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// OwnerLocker hands out a cross-process lease per owner so that only one instance runs an
// owner's sync at a time.
type OwnerLocker interface {
	Obtain(ctx context.Context, ownerId string) (Lease, error)
}

type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

const ownerLockPrefix = "tally-sync:"

type redisOwnerLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisOwnerLocker returns nil when client is nil (single instance mode).
func NewRedisOwnerLocker(client *redislock.Client, ttl time.Duration) OwnerLocker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &redisOwnerLocker{client: client, ttl: ttl}
}

func (l *redisOwnerLocker) Obtain(ctx context.Context, ownerId string) (Lease, error) {
	lock, err := l.client.Obtain(ctx, ownerLockPrefix+ownerId, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, err
	}
	return &redisLease{lock: lock, ttl: l.ttl}, nil
}

type redisLease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	return l.lock.Refresh(ctx, l.ttl, nil)
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// keepAlive refreshes lease every ttl/3 until ctx is done.
func keepAlive(ctx context.Context, lease Lease, ttl time.Duration, onErr func(error)) {
	if lease == nil {
		return
	}
	interval := ttl / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx); err != nil && ctx.Err() == nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

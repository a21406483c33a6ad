package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Locker is the distributed singleflight mutex: for any cache key, at
// most one producer across the fleet holds the lock. It is built on the
// L2 store's atomic set-if-absent-with-expiry.
type Locker struct {
	l2   L2
	ttl  time.Duration
	poll time.Duration
	log  *zap.Logger
}

// NewLocker creates a Locker. ttl must exceed the 95th-percentile tile
// production time; holders renew when longer work is expected.
func NewLocker(l2 L2, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Locker{
		l2:   l2,
		ttl:  ttl,
		poll: 100 * time.Millisecond,
		log:  zap.L().With(zap.String("component", "cache.lock")),
	}
}

// SetPollInterval tunes how often Wait re-checks the lock.
func (l *Locker) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.poll = d
	}
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire attempts to take the lock for a key without blocking. The
// returned Lease is nil when another producer holds it.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.l2.SetNX(ctx, LockPrefix+key, token, l.ttl)
	if err != nil {
		return nil, eris.Wrap(err, "cache: acquire lock")
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Renew extends the lease for another ttl window.
func (le *Lease) Renew(ctx context.Context) error {
	return le.locker.l2.Expire(ctx, LockPrefix+le.key, le.locker.ttl)
}

// Release drops the lock. A lock that expired before release is logged —
// it signals production slower than the ttl — but is not an error for
// the caller: writers re-check the cache before writing.
func (le *Lease) Release(ctx context.Context) {
	val, ok, err := le.locker.l2.Get(ctx, LockPrefix+le.key)
	if err != nil {
		le.locker.log.Warn("lock release read failed", zap.String("key", le.key), zap.Error(err))
		return
	}
	if !ok || val != le.token {
		le.locker.log.Warn("lock expired before release", zap.String("key", le.key))
		return
	}
	if _, err := le.locker.l2.Del(ctx, LockPrefix+le.key); err != nil {
		le.locker.log.Warn("lock release failed", zap.String("key", le.key), zap.Error(err))
	}
}

// Wait blocks until the lock for key is free or ctx expires. Followers
// call this after a failed Acquire, then re-read the cache.
func (l *Locker) Wait(ctx context.Context, key string) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		_, held, err := l.l2.Get(ctx, LockPrefix+key)
		if err != nil {
			return eris.Wrap(err, "cache: wait for lock")
		}
		if !held {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package locking provides cross-process mutual exclusion and duplicate
// suppression on Redis. Locks are scoped to the smallest contended resource
// (a room or a round), never globally, so independent rooms settle in
// parallel.
package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy means another worker holds the lock. This is contention, not
// failure: on the settle and ensure-open paths the caller simply returns.
var ErrLockBusy = errors.New("lock busy")

const (
	lockPrefix = "lock:"
	idemPrefix = "idem:"
)

// releaseScript deletes the lock key only while it still stores the holder's
// token. Without the token check, a holder that outlived its TTL could
// delete a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires TTL-bounded distributed locks.
type Locker struct {
	rdb *redis.Client
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

// Handle is one held lock. Release it on every exit path.
type Handle struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire sets a unique token under the key only if absent, with the given
// TTL as a safety valve against crashed holders. Returns ErrLockBusy when
// the lock is already held.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()
	fullKey := lockPrefix + key

	ok, err := l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return &Handle{rdb: l.rdb, key: fullKey, token: token}, nil
}

// Release deletes the lock if this handle still owns it. Releasing a lock
// that expired and was re-acquired elsewhere is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.rdb, []string{h.key}, h.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", h.key, err)
	}
	return nil
}

// WithLock runs fn under the named lock, releasing on every exit path.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	handle, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer handle.Release(context.WithoutCancel(ctx))

	return fn(ctx)
}

// Guard suppresses duplicate externally-triggered effects: a key is first
// seen exactly once per TTL window.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, ttl: ttl}
}

// FirstSeen atomically marks the key and reports whether this caller was the
// first to present it within the TTL window.
func (g *Guard) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, idemPrefix+key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency mark %s: %w", key, err)
	}
	return ok, nil
}

// Clear removes the marker. Callers must clear after accepting a key but
// failing to commit its effect, so a legitimate retry is not swallowed.
func (g *Guard) Clear(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, idemPrefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency clear %s: %w", key, err)
	}
	return nil
}

package viewsyncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// groupReleaseScript atomically releases a lock only if the caller still
// holds it, mirroring the check-then-delete pattern needed to avoid one
// process releasing a lock another process has since acquired.
const groupReleaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const groupExtendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`

// GroupLock is a Redis-backed mutual-exclusion lock over one client-group,
// ensuring only one coordinator process drives a given client-group at a
// time when the service is horizontally scaled, per SPEC_FULL §4
// (supplementing the single-process assumption of §4.5).
type GroupLock struct {
	redis    *redis.Client
	key      string
	token    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// NewGroupLock constructs a lock for clientGroupID. The lock is not held
// until Acquire succeeds.
func NewGroupLock(client *redis.Client, clientGroupID string, ttl time.Duration, logger *slog.Logger) *GroupLock {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &GroupLock{
		redis:  client,
		key:    "viewsyncer:group-lock:" + clientGroupID,
		token:  uuid.NewString(),
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire attempts to take ownership of the client-group exactly once,
// returning false (not an error) if another process already owns it.
func (l *GroupLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("viewsyncer: acquire group lock: %w", err)
	}
	l.acquired = ok
	if ok {
		l.logger.Debug("group lock acquired", "key", l.key, "ttl", l.ttl)
	}
	return ok, nil
}

// Extend renews the lock's TTL, failing silently (returns false) if
// ownership was lost in the meantime — the caller must then stop driving
// this client-group and relinquish the coordinator.
func (l *GroupLock) Extend(ctx context.Context) (bool, error) {
	if !l.acquired {
		return false, fmt.Errorf("viewsyncer: cannot extend an unacquired lock")
	}
	result, err := l.redis.Eval(ctx, groupExtendScript, []string{l.key}, l.token, int(l.ttl.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("viewsyncer: extend group lock: %w", err)
	}
	held := result.(int64) == 1
	if !held {
		l.acquired = false
		l.logger.Warn("group lock lost before extend", "key", l.key)
	}
	return held, nil
}

// Release gives up ownership, a no-op if it was never acquired or already
// lost.
func (l *GroupLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	_, err := l.redis.Eval(ctx, groupReleaseScript, []string{l.key}, l.token).Result()
	l.acquired = false
	if err != nil {
		return fmt.Errorf("viewsyncer: release group lock: %w", err)
	}
	return nil
}

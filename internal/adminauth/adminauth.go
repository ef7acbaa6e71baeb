// Package adminauth tracks which client-groups have successfully completed
// the Inspector's authenticate op, for the lifetime of the process.
//
// Membership is a single set guarded by a short-lived mutex, per
// SPEC_FULL's admin-auth design: every other inspect op checks Contains
// before doing any work, and rejects without side effects when absent.
package adminauth

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Set is the narrow add/remove/contains surface the Inspector uses to gate
// every op but authenticate itself.
type Set interface {
	Add(ctx context.Context, clientGroupID string) error
	Remove(ctx context.Context, clientGroupID string) error
	Contains(ctx context.Context, clientGroupID string) (bool, error)
}

// MemorySet is a process-local admin-auth set, sufficient for a single
// syncserver instance or for tests.
type MemorySet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// NewMemorySet constructs an empty in-process set.
func NewMemorySet() *MemorySet {
	return &MemorySet{members: make(map[string]struct{})}
}

func (s *MemorySet) Add(_ context.Context, clientGroupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[clientGroupID] = struct{}{}
	return nil
}

func (s *MemorySet) Remove(_ context.Context, clientGroupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, clientGroupID)
	return nil
}

func (s *MemorySet) Contains(_ context.Context, clientGroupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[clientGroupID]
	return ok, nil
}

// RedisSet shares admin-auth membership across every syncserver process,
// so a client group authenticated against one replica isn't asked to
// re-authenticate when its coordinator happens to live on another node.
// Membership has no TTL: it spans the process group's lifetime, matching
// the in-memory set's semantics, and is removed only by explicit Remove.
type RedisSet struct {
	redis *redis.Client
	key   string
}

// NewRedisSet constructs a set backed by a single Redis set key.
func NewRedisSet(client *redis.Client, key string) *RedisSet {
	if key == "" {
		key = "viewsyncer:admin-auth"
	}
	return &RedisSet{redis: client, key: key}
}

func (s *RedisSet) Add(ctx context.Context, clientGroupID string) error {
	return s.redis.SAdd(ctx, s.key, clientGroupID).Err()
}

func (s *RedisSet) Remove(ctx context.Context, clientGroupID string) error {
	return s.redis.SRem(ctx, s.key, clientGroupID).Err()
}

func (s *RedisSet) Contains(ctx context.Context, clientGroupID string) (bool, error) {
	return s.redis.SIsMember(ctx, s.key, clientGroupID).Result()
}

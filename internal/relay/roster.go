package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

// Roster mirrors the set of joined users somewhere outside the hub. The hub's
// own client table stays authoritative for routing.
type Roster interface {
	Join(ctx context.Context, u signaling.User) error
	Leave(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type MemoryRoster struct {
	mu    sync.Mutex
	users map[string]string
}

func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{users: make(map[string]string)}
}

func (r *MemoryRoster) Join(_ context.Context, u signaling.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u.Name
	return nil
}

func (r *MemoryRoster) Leave(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	return nil
}

func (r *MemoryRoster) Ping(context.Context) error { return nil }

// Len reports how many users are currently recorded.
func (r *MemoryRoster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

const (
	redisRosterKey     = "peerlink:roster"
	redisUserKeyPrefix = "peerlink:user:"
	// Entries outlive a crashed relay by at most this long.
	redisUserTTL = 24 * time.Hour
)

// RedisRoster keeps joined user IDs in a Redis set and each user's display
// name in its own hash, so other processes can inspect who is online.
type RedisRoster struct {
	client *redis.Client
}

func NewRedisRoster(addr, password string, db int) *RedisRoster {
	return &RedisRoster{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func redisUserKey(id string) string {
	return redisUserKeyPrefix + id
}

func (r *RedisRoster) Join(ctx context.Context, u signaling.User) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, redisRosterKey, u.ID)
		p.HSet(ctx, redisUserKey(u.ID), "name", u.Name, "joined_at", time.Now().Unix())
		p.Expire(ctx, redisUserKey(u.ID), redisUserTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis roster join %s: %w", u.ID, err)
	}
	return nil
}

func (r *RedisRoster) Leave(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, redisRosterKey, id)
		p.Del(ctx, redisUserKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis roster leave %s: %w", id, err)
	}
	return nil
}

func (r *RedisRoster) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Members lists the IDs currently in the roster set.
func (r *RedisRoster) Members(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, redisRosterKey).Result()
}

func (r *RedisRoster) Close() error {
	return r.client.Close()
}

package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"aisync/internal/config"
)

// leaseTTL bounds how long one shard owns a (user, source) tick before
// another shard is allowed to claim it; comfortably longer than a single
// RunOnce pass takes in practice.
const leaseTTL = 5 * time.Minute

// Coordinator lets several Scheduler processes share the user population
// without double-ticking a (user, source) pair, per §5's "may be sharded
// by hash(user_id) mod N" note. Each shard first checks ShardOwns (a cheap,
// local modulo check) and then races the others for a short Redis lease on
// the pairs it owns; losing the race just means another shard already
// admitted that tick this round, following a Redis lease-by-SETNX style.
type Coordinator struct {
	client     redis.UniversalClient
	shardIndex int
	shardCount int
}

// NewCoordinator connects to Redis and builds a Coordinator for one shard
// of shardCount total shards. shardIndex must be in [0, shardCount).
func NewCoordinator(cfg config.RedisConfig, shardIndex, shardCount int) (*Coordinator, error) {
	if shardCount <= 0 {
		shardCount = 1
	}
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required for scheduler coordination")
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis coordinator ping: %w", err)
	}
	return &Coordinator{client: client, shardIndex: shardIndex, shardCount: shardCount}, nil
}

// newCoordinatorWithClient is used by tests to inject a miniredis-backed or
// fake redis.UniversalClient.
func newCoordinatorWithClient(client redis.UniversalClient, shardIndex, shardCount int) *Coordinator {
	if shardCount <= 0 {
		shardCount = 1
	}
	return &Coordinator{client: client, shardIndex: shardIndex, shardCount: shardCount}
}

// ShardOwns reports whether userID falls on this shard's slice of the
// keyspace. Scheduler.RunOnce calls this before even reading the user's
// ActivityMetric, so shards split the listing work, not just the ticking.
func (c *Coordinator) ShardOwns(userID string) bool {
	if c == nil || c.shardCount <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32()%uint32(c.shardCount)) == c.shardIndex
}

// Claim attempts to take a short-lived lease on (userID, source) for this
// tick. It returns true if the lease was acquired (this shard should run
// the tick) and a release func to call once the tick completes, letting a
// faster subsequent round re-claim promptly rather than waiting out the
// full TTL.
func (c *Coordinator) Claim(ctx context.Context, userID string, source string) (bool, func()) {
	if c == nil {
		return true, func() {}
	}
	key := fmt.Sprintf("aisync:sched:lease:%s:%s", userID, source)
	ok, err := c.client.SetNX(ctx, key, c.shardIndex, leaseTTL).Result()
	if err != nil {
		// Redis unreachable: fail open so scheduling keeps making progress
		// on a single-shard deployment; a multi-shard deployment may
		// double-tick briefly, which is harmless (the Pipeline's atomic
		// upsert still enforces I1).
		return true, func() {}
	}
	if !ok {
		return false, func() {}
	}
	return true, func() { c.client.Del(context.WithoutCancel(ctx), key) }
}

// Close closes the underlying Redis client.
func (c *Coordinator) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "presence:"
	onlineSetKey  = "online"
)

// Increments the user's count and adds them to the online set on 0 -> 1.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('SADD', KEYS[2], ARGV[1])
end
return n
`)

// Decrements the count, clamping at zero; removes the key and the online
// set entry on 1 -> 0. Returns -1 when there was nothing to decrement.
var decrScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  redis.call('DEL', KEYS[1])
  return -1
end
if cur == 1 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisCounter shares connection counts between gateway instances, so a user
// connected to two gateways is online once. It also maintains the set of
// online users queried by the API. Counts held by a gateway that crashes
// stay until the user's keys are cleared.
type RedisCounter struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisCounter(rdb redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

func (c *RedisCounter) countKey(userID string) string { return c.prefix + "conn:" + userID }
func (c *RedisCounter) onlineKey() string            { return c.prefix + onlineSetKey }

func (c *RedisCounter) Incr(ctx context.Context, userID string) (int64, error) {
	n, err := incrScript.Run(ctx, c.rdb, []string{c.countKey(userID), c.onlineKey()}, userID).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence incr %s: %w", userID, err)
	}
	return n, nil
}

func (c *RedisCounter) Decr(ctx context.Context, userID string) (int64, bool, error) {
	n, err := decrScript.Run(ctx, c.rdb, []string{c.countKey(userID), c.onlineKey()}, userID).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("presence decr %s: %w", userID, err)
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (c *RedisCounter) Count(ctx context.Context, userID string) (int64, error) {
	n, err := c.rdb.Get(ctx, c.countKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("presence count %s: %w", userID, err)
	}
	return n, nil
}

// OnlineUsers reports which of userIDs are online.
func (c *RedisCounter) OnlineUsers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	flags, err := c.rdb.SMIsMember(ctx, c.onlineKey(), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence query: %w", err)
	}
	for i, id := range userIDs {
		out[id] = flags[i]
	}
	return out, nil
}

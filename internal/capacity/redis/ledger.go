package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "capacity:"

// acquireScript returns {granted, count}. Redis runs scripts atomically, so
// the check and the INCRBY cannot interleave with another caller.
var acquireScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
if cur + n > max then
	return {0, cur}
end
return {1, redis.call("INCRBY", KEYS[1], n)}
`)

// releaseScript returns {ok, count}; ok == 0 means the floor was hit.
var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if cur - n < 0 then
	redis.call("SET", KEYS[1], 0)
	return {0, 0}
end
return {1, redis.call("DECRBY", KEYS[1], n)}
`)

type Redis struct {
	Client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

func key(eventID string) string {
	return keyPrefix + eventID
}

func (r *Redis) Increment(ctx context.Context, eventID string, amount, max int) (bool, int, error) {
	ok, count, err := r.run(ctx, acquireScript, eventID, amount, max)
	return ok, count, err
}

func (r *Redis) Decrement(ctx context.Context, eventID string, amount int) (int, bool, error) {
	ok, count, err := r.run(ctx, releaseScript, eventID, amount)
	return count, !ok && err == nil, err
}

func (r *Redis) Count(ctx context.Context, eventID string) (int, error) {
	n, err := r.Client.Get(ctx, key(eventID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Seed writes the count only when the key is missing, so a live counter
// shared with other instances is never overwritten.
func (r *Redis) Seed(ctx context.Context, eventID string, count int) (bool, error) {
	return r.Client.SetNX(ctx, key(eventID), count, 0).Result()
}

func (r *Redis) run(ctx context.Context, script *redis.Script, eventID string, args ...interface{}) (bool, int, error) {
	res, err := script.Run(ctx, r.Client, []string{key(eventID)}, args...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis capacity script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis capacity script: unexpected reply %v", res)
	}
	flag, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return flag == 1, int(count), nil
}

package broker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Config holds the Redis connection settings.
	Config struct {
		// Host is the Redis host. Defaults to "localhost".
		Host string
		// Port is the Redis port. Defaults to "6379".
		Port string
		// Password is the Redis password. Empty means no AUTH.
		Password string
	}

	// Redis is the Redis-backed broker implementation.
	Redis struct {
		rdb *redis.Client
		// owns reports whether Close should close the underlying client.
		owns bool
	}
)

// incrWindowScript increments the counter and arms the window TTL in one
// atomic step so a lost EXPIRE cannot leave the key without a TTL.
var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// ConfigFromEnv reads the connection settings from REDIS_HOST, REDIS_PORT
// and REDIS_PASSWORD, applying defaults for unset variables.
func ConfigFromEnv() Config {
	return Config{
		Host:     envOr("REDIS_HOST", "localhost"),
		Port:     envOr("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     host + ":" + port,
		Password: cfg.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s:%s: %w", host, port, err)
	}
	return &Redis{rdb: rdb, owns: true}, nil
}

// NewRedisFromClient wraps an existing go-redis client. The caller retains
// ownership of the client; Close is a no-op on the underlying connection.
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// XAdd appends an entry to a stream and returns its ID.
func (r *Redis) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// XGroupCreate creates a consumer group, tolerating one that already exists.
func (r *Redis) XGroupCreate(ctx context.Context, stream, group, start string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// XReadGroup reads undelivered entries for the group across streams.
func (r *Redis) XReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Message, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	if block <= 0 {
		block = -1 // non-blocking
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", group, err)
	}
	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprint(v)
			}
			msgs = append(msgs, Message{Stream: s.Stream, ID: m.ID, Fields: fields})
		}
	}
	return msgs, nil
}

// XAck removes an entry from the group's pending list.
func (r *Redis) XAck(ctx context.Context, stream, group, id string) error {
	if err := r.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// HSet sets a hash field.
func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	if err := r.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HGet reads a hash field.
func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return v, true, nil
}

// HGetAll reads every field of a hash.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

// HDel deletes hash fields.
func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if err := r.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

// SAdd adds members to a set.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := r.rdb.SAdd(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SMembers returns the members of a set.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// Incr increments a counter and returns the new value.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a key TTL.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// IncrWindow increments a counter, arming the window TTL atomically with
// the first increment.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, r.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr window %s: %w", key, err)
	}
	return n, nil
}

// ScanKeys returns all keys matching a glob pattern.
func (r *Redis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Del deletes keys.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Close releases the broker connection. Brokers wrapping an externally
// owned client (see NewRedisFromClient) leave the client open.
func (r *Redis) Close() error {
	if !r.owns {
		return nil
	}
	return r.rdb.Close()
}

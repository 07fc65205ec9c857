// Package broker abstracts the shared log/stream broker the system runs
// on: named streams with consumer groups, hashes for job and governance
// state, sets, and windowed counters.
//
// The production implementation is Redis (see NewRedis); the memory
// subpackage provides an in-process implementation for tests and local
// development. All operations are synchronous to their issuer and the
// broker serializes writes per key.
package broker

import (
	"context"
	"time"
)

type (
	// Message is a single stream entry delivered to a consumer group.
	Message struct {
		// Stream is the stream the entry was read from.
		Stream string
		// ID is the broker-assigned entry ID used for acknowledgement.
		ID string
		// Fields holds the entry payload. All values are strings; see the
		// wire package for the encoding contract.
		Fields map[string]string
	}

	// Client is the broker operation surface shared by all components.
	Client interface {
		// XAdd appends an entry to a stream and returns its ID.
		XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)

		// XGroupCreate creates a consumer group reading from the given
		// start ID, creating the stream if needed. Creating a group that
		// already exists is a no-op.
		XGroupCreate(ctx context.Context, stream, group, start string) error

		// XReadGroup reads up to count undelivered entries for the group
		// across the given streams, blocking up to block when no entry is
		// available (block <= 0 means do not block). An empty result with
		// a nil error means the read timed out.
		XReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Message, error)

		// XAck removes an entry from the group's pending list.
		XAck(ctx context.Context, stream, group, id string) error

		// HSet sets a hash field.
		HSet(ctx context.Context, key, field, value string) error

		// HGet reads a hash field. The boolean reports whether the field
		// exists.
		HGet(ctx context.Context, key, field string) (string, bool, error)

		// HGetAll reads every field of a hash.
		HGetAll(ctx context.Context, key string) (map[string]string, error)

		// HDel deletes hash fields.
		HDel(ctx context.Context, key string, fields ...string) error

		// SAdd adds members to a set.
		SAdd(ctx context.Context, key string, members ...string) error

		// SMembers returns the members of a set.
		SMembers(ctx context.Context, key string) ([]string, error)

		// Incr increments a counter and returns the new value.
		Incr(ctx context.Context, key string) (int64, error)

		// Expire sets a key TTL.
		Expire(ctx context.Context, key string, ttl time.Duration) error

		// IncrWindow increments a counter and, atomically with the first
		// increment, arms the window TTL. Unlike Incr followed by Expire
		// the key can never be left without a TTL.
		IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

		// ScanKeys returns all keys matching a glob pattern. Used only at
		// bootstrap (stream discovery, state flush).
		ScanKeys(ctx context.Context, pattern string) ([]string, error)

		// Del deletes keys.
		Del(ctx context.Context, keys ...string) error

		// Close releases the broker connection.
		Close() error
	}
)

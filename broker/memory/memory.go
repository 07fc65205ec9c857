// Package memory provides an in-process broker implementation with the
// same stream, hash and counter semantics as the Redis broker. It backs
// unit tests and broker-less local runs.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/weft/broker"
)

type (
	// Broker is an in-memory broker.Client implementation. The zero value
	// is not usable; construct with New.
	Broker struct {
		mu       sync.Mutex
		notify   chan struct{}
		streams  map[string]*stream
		hashes   map[string]map[string]string
		sets     map[string]map[string]struct{}
		counters map[string]*counter
	}

	entry struct {
		id     string
		fields map[string]string
	}

	stream struct {
		entries []entry
		nextSeq int64
		groups  map[string]*group
	}

	group struct {
		// next indexes the first entry not yet delivered via ">".
		next int
		// redeliver holds entries queued for redelivery ahead of new ones.
		redeliver []entry
		pending   map[string]entry
	}

	counter struct {
		value    int64
		expireAt time.Time
	}
)

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		notify:   make(chan struct{}),
		streams:  make(map[string]*stream),
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		counters: make(map[string]*counter),
	}
}

// wake broadcasts to blocked readers. Callers must hold mu.
func (b *Broker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Broker) stream(name string) *stream {
	s, ok := b.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*group)}
		b.streams[name] = s
	}
	return s
}

// XAdd appends an entry to a stream and returns its ID.
func (b *Broker) XAdd(_ context.Context, name string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(name)
	s.nextSeq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.nextSeq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, entry{id: id, fields: copied})
	b.wake()
	return id, nil
}

// XGroupCreate creates a consumer group, tolerating one that already exists.
func (b *Broker) XGroupCreate(_ context.Context, name, groupName, start string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(name)
	if _, ok := s.groups[groupName]; ok {
		return nil
	}
	g := &group{pending: make(map[string]entry)}
	if start == "$" {
		g.next = len(s.entries)
	}
	s.groups[groupName] = g
	return nil
}

// XReadGroup reads undelivered entries for the group across streams,
// blocking up to block when none is available.
func (b *Broker) XReadGroup(ctx context.Context, groupName, _ string, streams []string, count int64, block time.Duration) ([]broker.Message, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		msgs, err := b.collect(groupName, streams, count)
		ch := b.notify
		b.mu.Unlock()
		if err != nil || len(msgs) > 0 || block <= 0 {
			return msgs, err
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-time.After(remain):
		}
	}
}

// collect returns up to count deliverable entries. Callers must hold mu.
func (b *Broker) collect(groupName string, streams []string, count int64) ([]broker.Message, error) {
	if count <= 0 {
		count = 1
	}
	var msgs []broker.Message
	for _, name := range streams {
		s, ok := b.streams[name]
		if !ok {
			continue
		}
		g, ok := s.groups[groupName]
		if !ok {
			return nil, fmt.Errorf("NOGROUP no such consumer group %q for stream %q", groupName, name)
		}
		for int64(len(msgs)) < count && len(g.redeliver) > 0 {
			e := g.redeliver[0]
			g.redeliver = g.redeliver[1:]
			g.pending[e.id] = e
			msgs = append(msgs, broker.Message{Stream: name, ID: e.id, Fields: e.fields})
		}
		for int64(len(msgs)) < count && g.next < len(s.entries) {
			e := s.entries[g.next]
			g.next++
			g.pending[e.id] = e
			msgs = append(msgs, broker.Message{Stream: name, ID: e.id, Fields: e.fields})
		}
		if int64(len(msgs)) >= count {
			break
		}
	}
	return msgs, nil
}

// XAck removes an entry from the group's pending list.
func (b *Broker) XAck(_ context.Context, name, groupName, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return nil
	}
	if g, ok := s.groups[groupName]; ok {
		delete(g.pending, id)
	}
	return nil
}

// HSet sets a hash field.
func (b *Broker) HSet(_ context.Context, key, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	h[field] = value
	return nil
}

// HGet reads a hash field.
func (b *Broker) HGet(_ context.Context, key, field string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.hashes[key][field]
	return v, ok, nil
}

// HGetAll reads every field of a hash.
func (b *Broker) HGetAll(_ context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.hashes[key]))
	for k, v := range b.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HDel deletes hash fields.
func (b *Broker) HDel(_ context.Context, key string, fields ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range fields {
		delete(b.hashes[key], f)
	}
	return nil
}

// SAdd adds members to a set.
func (b *Broker) SAdd(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// SMembers returns the members of a set.
func (b *Broker) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (b *Broker) liveCounter(key string) *counter {
	c, ok := b.counters[key]
	if !ok || (!c.expireAt.IsZero() && time.Now().After(c.expireAt)) {
		c = &counter{}
		b.counters[key] = c
	}
	return c
}

// Incr increments a counter and returns the new value.
func (b *Broker) Incr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.liveCounter(key)
	c.value++
	return c.value, nil
}

// Expire sets a key TTL.
func (b *Broker) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.counters[key]; ok {
		c.expireAt = time.Now().Add(ttl)
	}
	return nil
}

// IncrWindow increments a counter, arming the window TTL atomically with
// the first increment.
func (b *Broker) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.liveCounter(key)
	c.value++
	if c.value == 1 {
		c.expireAt = time.Now().Add(window)
	}
	return c.value, nil
}

// ScanKeys returns all keys matching a glob pattern.
func (b *Broker) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	match := func(k string) {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range b.streams {
		match(k)
	}
	for k := range b.hashes {
		match(k)
	}
	for k := range b.sets {
		match(k)
	}
	for k := range b.counters {
		match(k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Del deletes keys.
func (b *Broker) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.streams, k)
		delete(b.hashes, k)
		delete(b.sets, k)
		delete(b.counters, k)
	}
	return nil
}

// Close is a no-op for the in-memory broker.
func (b *Broker) Close() error { return nil }

// Entries returns every entry ever appended to a stream, in order. Test
// helper; not part of broker.Client.
func (b *Broker) Entries(name string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return nil
	}
	msgs := make([]broker.Message, len(s.entries))
	for i, e := range s.entries {
		msgs[i] = broker.Message{Stream: name, ID: e.id, Fields: e.fields}
	}
	return msgs
}

// Pending returns the group's unacknowledged entries. Test helper.
func (b *Broker) Pending(name, groupName string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}
	var msgs []broker.Message
	for id, e := range g.pending {
		msgs = append(msgs, broker.Message{Stream: name, ID: id, Fields: e.fields})
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs
}

// Redeliver queues the group's pending entries for redelivery, simulating
// a consumer reconnect after a crash. Test helper.
func (b *Broker) Redeliver(name, groupName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return
	}
	g, ok := s.groups[groupName]
	if !ok {
		return
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		g.redeliver = append(g.redeliver, g.pending[id])
		delete(g.pending, id)
	}
	b.wake()
}

package coord

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation. It backs single-instance
// deployments that run without Redis and is what package tests exercise the
// store-dependent components against.
type MemoryStore struct {
	mu       sync.Mutex
	kv       map[string]memoryValue
	counters map[string]memoryCounter
	sets     map[string]map[string]struct{}
	zsets    map[string][]zentry
	subs     map[string][]*memorySubscription

	now func() time.Time
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

type zentry struct {
	score  int64
	member string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:       make(map[string]memoryValue),
		counters: make(map[string]memoryCounter),
		sets:     make(map[string]map[string]struct{}),
		zsets:    make(map[string][]zentry),
		subs:     make(map[string][]*memorySubscription),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.kv[key]
	if !ok || (!v.expiresAt.IsZero() && s.now().After(v.expiresAt)) {
		delete(s.kv, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = v
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	delete(s.counters, key)
	delete(s.sets, key)
	delete(s.zsets, key)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || (!c.expiresAt.IsZero() && s.now().After(c.expiresAt)) {
		c = memoryCounter{}
		if ttl > 0 {
			c.expiresAt = s.now().Add(ttl)
		}
	}
	c.value++
	s.counters[key] = c
	return c.value, nil
}

func (s *MemoryStore) WindowAdmit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window).UnixMilli()
	entries := s.zsets[key]

	// Drop entries that have left the window.
	kept := entries[:0]
	for _, e := range entries {
		if e.score > cutoff {
			kept = append(kept, e)
		}
	}

	allowed := len(kept) < limit
	if allowed {
		kept = append(kept, zentry{score: now.UnixMilli()})
		sort.Slice(kept, func(i, j int) bool { return kept[i].score < kept[j].score })
	}
	s.zsets[key] = kept

	res := WindowResult{Allowed: allowed, Count: len(kept)}
	if len(kept) > 0 {
		res.OldestUnixMilli = kept[0].score
	}
	return res, nil
}

func (s *MemoryStore) SetAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *MemoryStore) BacklogAdd(_ context.Context, key string, score int64, member string, maxLen int, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.zsets[key], zentry{score: score, member: member})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
	if maxLen > 0 && len(entries) > maxLen {
		entries = entries[len(entries)-maxLen:]
	}
	s.zsets[key] = entries
	return nil
}

func (s *MemoryStore) BacklogNewest(_ context.Context, key string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.zsets[key]
	out := make([]string, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i].member)
	}
	return out, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	subs := append([]*memorySubscription(nil), s.subs[channel]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(Message{Channel: channel, Payload: payload})
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) Subscription {
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		out:     make(chan Message, 64),
	}

	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()
	return sub
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

type memorySubscription struct {
	store   *MemoryStore
	channel string

	mu     sync.Mutex
	closed bool
	out    chan Message
}

func (sub *memorySubscription) deliver(msg Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.out <- msg:
	default:
		// Slow subscriber; drop rather than block the publisher.
	}
}

func (sub *memorySubscription) Messages() <-chan Message {
	return sub.out
}

func (sub *memorySubscription) Close() error {
	s := sub.store
	s.mu.Lock()
	subs := s.subs[sub.channel]
	for i, candidate := range subs {
		if candidate == sub {
			s.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.out)
	}
	return nil
}

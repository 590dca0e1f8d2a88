package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const DefaultMaxEntries = 1000

// MemoryCache is the bounded in-process backend. Once MaxEntries conversations
// are held, inserting a new one evicts the least recently used conversation.
// Nothing survives a restart.
type MemoryCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[Key, Transcript]
	now func() time.Time
}

// NewMemoryCache creates a cache holding at most maxEntries conversations.
// A non-positive maxEntries falls back to DefaultMaxEntries.
func NewMemoryCache(maxEntries int) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	lru, err := simplelru.NewLRU[Key, Transcript](maxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryCache{lru: lru, now: time.Now}, nil
}

// Get returns a copy of the stored transcript and marks it recently used.
func (c *MemoryCache) Get(_ context.Context, key Key) (Transcript, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.lru.Get(key)
	if !ok {
		return Transcript{}, nil
	}
	return clone(t), nil
}

func (c *MemoryCache) Append(_ context.Context, key Key, base int, turns ...Turn) (Transcript, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	turns = Stamp(turns, c.now().UTC())

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, _ := c.lru.Get(key)
	if err := CheckAppend(len(existing), base, turns); err != nil {
		return nil, err
	}
	updated := make(Transcript, len(existing), len(existing)+len(turns))
	copy(updated, existing)
	updated = append(updated, turns...)
	c.lru.Add(key, updated)
	return clone(updated), nil
}

func (c *MemoryCache) Delete(_ context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key), nil
}

// List does not change recency.
func (c *MemoryCache) List(_ context.Context, user string) ([]Summary, error) {
	if err := ValidateUser(user); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := []Summary{}
	for _, key := range c.lru.Keys() {
		if key.User != user {
			continue
		}
		t, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		s := Summary{ID: key.ID, Turns: len(t)}
		if last, ok := t.Last(); ok {
			s.UpdatedAt = last.Timestamp
		}
		out = append(out, s)
	}
	SortSummaries(out)
	return out, nil
}

// Len returns the number of conversations currently held.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func clone(t Transcript) Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

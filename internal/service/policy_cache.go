package service

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpmux/mcpmux/internal/domain/policy"
)

// lruEntry is a doubly-linked list node for the decision cache.
type lruEntry struct {
	key      uint64
	decision policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// PolicyCache is a bounded LRU in front of a policy.Evaluator, keyed by an
// xxhash digest of the evaluation inputs, so a hot tool call doesn't
// recompile or re-run a CEL program on every invocation.
type PolicyCache struct {
	next policy.Evaluator

	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry
	tail    *lruEntry
	maxSize int
}

// NewPolicyCache wraps next with an LRU decision cache of the given size.
func NewPolicyCache(next policy.Evaluator, maxSize int) *PolicyCache {
	return &PolicyCache{
		next:    next,
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Evaluate returns the cached decision for evalCtx if present, otherwise
// evaluates via next and caches the result.
func (c *PolicyCache) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	key := computeCacheKey(evalCtx)

	if d, ok := c.get(key); ok {
		return d, nil
	}

	decision, err := c.next.Evaluate(ctx, evalCtx)
	if err != nil {
		return policy.Decision{}, err
	}

	c.put(key, decision)
	return decision, nil
}

// Invalidate drops every cached decision. Nothing in the proxy calls it;
// an upstream restart leaves cached decisions in place.
func (c *PolicyCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current number of cached decisions.
func (c *PolicyCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *PolicyCache) get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return policy.Decision{}, false
}

func (c *PolicyCache) put(key uint64, decision policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *PolicyCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *PolicyCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *PolicyCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *PolicyCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey hashes the evaluation inputs: tool name, server, and
// auth token.
func computeCacheKey(evalCtx policy.EvaluationContext) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(evalCtx.Tool.Name)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(evalCtx.Tool.Server)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(evalCtx.Auth.Token)
	return h.Sum64()
}

var _ policy.Evaluator = (*PolicyCache)(nil)

// Package ratelimit throttles the rate at which the connection
// supervisor dispatches inbound tool requests, protecting the host
// filesystem and disk from a cloud-side bug or compromise that floods
// the channel with requests. Costs are assigned per tool rather than
// charging every request the same, since a recursive search_files walk
// is far more expensive than a single file_info stat.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCosts is the token cost of each filesystem tool handler.
// Unlisted tools cost 1. search_files walks a whole subtree and is
// priced accordingly; file_info and read_file touch a single path.
var DefaultCosts = map[string]int{
	"list_files":   1,
	"file_info":    1,
	"read_file":    2,
	"search_files": 5,
}

// Bucket is a thread-safe token bucket. capacity tokens are available
// at any time; a full refill happens every refillPeriod rather than a
// continuous trickle, which is simpler to reason about at this request
// volume and avoids a background timer firing on every tick.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	rejectedTotal atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts its refill
// goroutine. capacity and refillPeriod must both be > 0. Call Close to
// stop the refill goroutine when the Bucket is no longer needed.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to take cost tokens from the bucket. Returns true if
// they were available and consumed, false if the request should be
// rejected.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	b.rejectedTotal.Add(1)
	return false
}

// ConsumeForTool consumes the cost assigned to tool in costs, or 1 if
// the tool is not listed.
func (b *Bucket) ConsumeForTool(tool string, costs map[string]int) bool {
	cost, ok := costs[tool]
	if !ok {
		cost = 1
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// RejectedTotal returns the lifetime count of rejected Consume calls.
func (b *Bucket) RejectedTotal() uint64 {
	return b.rejectedTotal.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}

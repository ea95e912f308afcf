// Package audit makes the local activity ledger tamper-evident: each
// entry's hash commits to its own fields plus the previous entry's hash,
// so an entry edited or removed after the fact breaks the chain at that
// point. A monotonicity anomaly (a timestamp preceding the prior entry)
// is logged and counted, never fatal — a desktop agent keeps running and
// lets an operator investigate rather than crashing the process over an
// audit anomaly.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thebeakr/desktop-agent/internal/storage"
)

// Chain links successive ActivityEntry records with a running hash.
// One Chain is created per agent process and fed every entry in the
// order it is recorded; it is not persisted separately from the
// entries themselves (Hash and PrevHash live on ActivityEntry).
type Chain struct {
	mu        sync.Mutex
	lastHash  string
	lastTime  time.Time
	log       *zap.Logger
	anomalies int64
}

// New creates an empty Chain. log receives a warning for every
// monotonicity anomaly observed (clock moving backwards between two
// recorded entries); it is never fatal.
func New(log *zap.Logger) *Chain {
	return &Chain{log: log}
}

// Link computes entry's hash, chains it to the previous entry's hash,
// and mutates entry in place. Call this immediately before persisting
// the entry, with entry.Time already set.
func (c *Chain) Link(entry *storage.ActivityEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastTime.IsZero() && entry.Time.Before(c.lastTime) {
		c.anomalies++
		c.log.Warn("audit: activity entry timestamp precedes the previous entry",
			zap.Time("entry_time", entry.Time), zap.Time("previous_time", c.lastTime))
	}

	entry.PrevHash = c.lastHash
	entry.Hash = hashEntry(*entry)
	c.lastHash = entry.Hash
	c.lastTime = entry.Time
}

// Anomalies returns the number of monotonicity anomalies observed so far.
func (c *Chain) Anomalies() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anomalies
}

// hashEntry computes a canonical SHA256 digest of the fields that make
// an activity entry what it is, plus the chain link to its predecessor.
// Hash itself is excluded from its own input; PrevHash is included, which
// is what ties the entry to its predecessor.
func hashEntry(e storage.ActivityEntry) string {
	var bytesField int64 = -1
	if e.BytesTransferred != nil {
		bytesField = *e.BytesTransferred
	}
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s",
		e.Time.UTC().Format(time.RFC3339Nano), e.Tool, e.RequestID, e.Path, e.Status, bytesField, e.Error, e.PrevHash)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks a run of entries, oldest first, for an unbroken
// hash chain. Returns the index of the first broken link, or -1 if the
// whole run verifies. An empty previous hash is only valid for the very
// first entry ever recorded — callers verifying a suffix of the full
// ledger should pass expectFirstPrevHash explaining what came before it.
func VerifyChain(entries []storage.ActivityEntry, expectFirstPrevHash string) int {
	prevHash := expectFirstPrevHash
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return i
		}
		want := hashEntry(e)
		if e.Hash != want {
			return i
		}
		prevHash = e.Hash
	}
	return -1
}

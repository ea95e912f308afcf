package audit

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/thebeakr/desktop-agent/internal/storage"
)

func TestLink_ChainsConsecutiveEntries(t *testing.T) {
	c := New(zap.NewNop())

	e1 := storage.ActivityEntry{Time: time.Now().UTC(), Tool: "list_files", Status: "ok"}
	c.Link(&e1)
	if e1.PrevHash != "" {
		t.Errorf("first entry's PrevHash = %q, want empty", e1.PrevHash)
	}
	if e1.Hash == "" {
		t.Fatal("expected first entry to receive a hash")
	}

	e2 := storage.ActivityEntry{Time: e1.Time.Add(time.Second), Tool: "read_file", Status: "ok"}
	c.Link(&e2)
	if e2.PrevHash != e1.Hash {
		t.Errorf("second entry's PrevHash = %q, want %q", e2.PrevHash, e1.Hash)
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	c := New(zap.NewNop())

	e1 := storage.ActivityEntry{Time: time.Now().UTC(), Tool: "list_files", Status: "ok"}
	c.Link(&e1)
	e2 := storage.ActivityEntry{Time: e1.Time.Add(time.Second), Tool: "read_file", Status: "ok"}
	c.Link(&e2)

	entries := []storage.ActivityEntry{e1, e2}
	if idx := VerifyChain(entries, ""); idx != -1 {
		t.Fatalf("expected an untampered chain to verify, broke at %d", idx)
	}

	entries[1].Status = "error" // tamper with a persisted field after hashing
	if idx := VerifyChain(entries, ""); idx != 1 {
		t.Errorf("VerifyChain broke at %d, want 1", idx)
	}
}

func TestLink_FlagsNonMonotonicTimestamp(t *testing.T) {
	c := New(zap.NewNop())

	e1 := storage.ActivityEntry{Time: time.Now().UTC(), Tool: "list_files", Status: "ok"}
	c.Link(&e1)
	e2 := storage.ActivityEntry{Time: e1.Time.Add(-time.Minute), Tool: "read_file", Status: "ok"}
	c.Link(&e2)

	if c.Anomalies() != 1 {
		t.Errorf("Anomalies() = %d, want 1", c.Anomalies())
	}
}

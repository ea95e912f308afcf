// Package storage — bolt.go
//
// bbolt-backed persistent storage for the Beakr desktop agent.
//
// Schema (bbolt bucket layout):
//
//	/settings
//	    key:   "current"
//	    value: JSON-encoded SettingsRecord
//
//	/activity
//	    key:   RFC3339Nano timestamp + "_" + 8-char uuid suffix  [sortable]
//	    value: JSON-encoded ActivityEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Activity entries older than RetentionDays are pruned on startup and
//     periodically by the retention goroutine (every 6 hours).
//
// Failure modes:
//   - bbolt file corruption: bbolt detects via CRC and returns an error on
//     Open(). The agent logs a fatal event and refuses to start. The local
//     store is diagnostic/cache state, not the source of truth for pairing —
//     a corrupt store forces re-pairing, it does not lose reachability of
//     the user's files.
//   - Disk full: bbolt.Update() returns an error. The agent logs the error
//     and continues without persisting (in-memory state preserved).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/uuid"
)

const (
	// DefaultDBPath is the default bbolt file location, overridden by
	// config.DefaultDBPath's XDG-aware resolution in normal operation.
	DefaultDBPath = "agent.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default activity ledger retention period.
	DefaultRetentionDays = 7

	bucketSettings = "settings"
	bucketActivity = "activity"
	bucketMeta     = "meta"
)

// SettingsRecord is the persisted form of the agent's durable configuration,
// restored into state.AppState on startup so a restart does not force the
// user to re-supply scope or re-pair.
type SettingsRecord struct {
	ScopedFolders []string `json:"scoped_folders"`
	DeviceName    string   `json:"device_name"`
	AutoConnect   bool     `json:"auto_connect"`
	DeviceToken   string   `json:"device_token"`
}

// ActivityEntry is a single diagnostic record of a dispatched tool request,
// kept for local inspection via the operator socket's "activity" command.
// Never shipped to the cloud service.
// Hash and PrevHash, when set, chain this entry to the one recorded
// before it; see internal/audit for the code that computes them and
// verifies the chain. Entries recorded before audit chaining was wired
// in (or by a build with it disabled) simply carry empty hashes.
type ActivityEntry struct {
	Time             time.Time `json:"time"`
	Tool             string    `json:"tool"`
	RequestID        string    `json:"request_id"`
	Path             string    `json:"path,omitempty"`
	Status           string    `json:"status"`
	BytesTransferred *int64    `json:"bytes_transferred,omitempty"`
	Error            string    `json:"error,omitempty"`
	Hash             string    `json:"hash,omitempty"`
	PrevHash         string    `json:"prev_hash,omitempty"`
}

// DB wraps a bbolt instance with typed accessors for the agent's local data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the bbolt database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSettings, bucketActivity, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, agent requires %q. "+
					"Delete the local store to force re-pairing.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Settings operations ───────────────────────────────────────────────────

// SaveSettings writes the current SettingsRecord, overwriting any prior
// value. Uses a single ACID write transaction.
func (d *DB) SaveSettings(rec SettingsRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("SaveSettings marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSettings))
		return b.Put([]byte("current"), data)
	})
}

// LoadSettings reads the persisted SettingsRecord.
// Returns (nil, nil) if no settings have been saved yet (first run).
func (d *DB) LoadSettings() (*SettingsRecord, error) {
	var rec SettingsRecord
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSettings))
		data := b.Get([]byte("current"))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("LoadSettings: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─── Activity operations ───────────────────────────────────────────────────

// activityKey constructs a sortable bbolt key for an activity entry.
// Format: RFC3339Nano + "_" + a short uuid suffix, so that two entries
// recorded within the same nanosecond (possible on fast filesystems under
// load) never collide, unlike a purely numeric monotonic counter that would
// require external synchronization across goroutines.
func activityKey(t time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), uuid.NewString()[:8]))
}

// AppendActivity writes a new activity ledger entry.
// Uses a single ACID write transaction.
func (d *DB) AppendActivity(entry ActivityEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendActivity marshal: %w", err)
	}

	key := activityKey(entry.Time)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketActivity))
		return b.Put(key, data)
	})
}

// PruneOldActivity deletes activity entries older than retentionDays.
// Called on startup and periodically by the retention goroutine.
// Returns the number of entries deleted.
func (d *DB) PruneOldActivity() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := activityKey(cutoff)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketActivity))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldActivity delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// RecentActivity returns up to limit activity entries, most recent first.
// Used by the operator socket's "activity" command.
func (d *DB) RecentActivity(limit int) ([]ActivityEntry, error) {
	var entries []ActivityEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketActivity))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry ActivityEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// CountActivity returns the total number of activity entries currently
// retained, used to drive the observability.StorageActivityEntries gauge.
func (d *DB) CountActivity() (int, error) {
	var n int
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketActivity))
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

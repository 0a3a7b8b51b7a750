// Package store implements the versioned, prefix-partitioned key-value store
// backing the ergors node. Every write creates a new version; versions are
// monotonic per prefix, durable across restart, and snapshots are O(1)
// recordings of the per-prefix version ceilings.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned by Get for a key never written, or whose
	// latest visible version is a tombstone.
	ErrNotFound = errors.New("key not found")

	// ErrReadOnly is returned once the store has refused writes after
	// repeated storage failures. Favoring safety over liveness: a store
	// that keeps failing should not accept data it may silently lose.
	ErrReadOnly = errors.New("store is refusing writes after repeated failures")
)

// maxWriteFailures is the consecutive-write-failure threshold that trips the
// read-only refusal state.
const maxWriteFailures = 5

// Entry is one key-value pair in a batch commit.
type Entry struct {
	Prefix string
	Key    string
	Value  []byte
}

// VersionedEntry is an entry together with its assigned version, as shipped
// by the sync protocol.
type VersionedEntry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// KV is one result of a prefix scan.
type KV struct {
	Key   string
	Value []byte
}

// Snapshot is a point-in-time read boundary: the version ceiling of every
// prefix at creation. Immutable and cheap; no data is copied.
type Snapshot struct {
	Bounds    map[string]uint64
	CreatedAt time.Time
}

// bound returns the visibility ceiling for a prefix. A prefix unknown at
// snapshot time has ceiling zero: nothing written to it is visible.
func (s *Snapshot) bound(prefix string) uint64 {
	if s == nil {
		return math.MaxInt64
	}
	return s.Bounds[prefix]
}

// Store is safe for concurrent use. Writes are serialized through a single
// mutex; reads run against snapshot bounds without blocking writers beyond
// what SQLite itself requires.
type Store struct {
	db *sql.DB

	mu            sync.Mutex
	writeFailures int
}

// Open opens (or creates) the store at path. Pass ":memory:" for an
// in-memory store (useful for tests that don't exercise restart behavior).
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS entries (
    prefix TEXT NOT NULL,
    key TEXT NOT NULL,
    version INTEGER NOT NULL,
    value BLOB,
    origin TEXT NOT NULL DEFAULT '',
    tombstone INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (prefix, key, version)
);

CREATE INDEX IF NOT EXISTS idx_entries_prefix_version ON entries(prefix, version);

CREATE TABLE IF NOT EXISTS prefix_versions (
    prefix TEXT PRIMARY KEY,
    current INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a new version of (prefix, key) and returns the version assigned.
func (s *Store) Put(prefix, key string, value []byte) (uint64, error) {
	versions, err := s.CommitBatch([]Entry{{Prefix: prefix, Key: key, Value: value}})
	if err != nil {
		return 0, err
	}
	return versions[prefix], nil
}

// Delete writes a tombstone version for (prefix, key). Reads at or past the
// tombstone's version report the key as not found; earlier snapshots still
// see the prior value.
func (s *Store) Delete(prefix, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(); err != nil {
		return 0, err
	}

	version, err := s.commitLocked([]Entry{{Prefix: prefix, Key: key}}, true, "")
	if err != nil {
		return 0, s.recordWriteResult(err)
	}
	s.recordWriteResult(nil) //nolint:errcheck
	return version[prefix], nil
}

// CommitBatch writes all entries atomically. Every entry receives the next
// version of its prefix; entries sharing a prefix share one version, so a
// snapshot either sees the whole per-prefix group or none of it.
func (s *Store) CommitBatch(entries []Entry) (map[string]uint64, error) {
	if len(entries) == 0 {
		return map[string]uint64{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(); err != nil {
		return nil, err
	}

	versions, err := s.commitLocked(entries, false, "")
	if err != nil {
		return nil, s.recordWriteResult(err)
	}
	s.recordWriteResult(nil) //nolint:errcheck
	return versions, nil
}

func (s *Store) checkWritable() error {
	if s.writeFailures >= maxWriteFailures {
		return ErrReadOnly
	}
	return nil
}

// recordWriteResult tracks consecutive write failures for the read-only
// refusal policy. Called with the mutex held.
func (s *Store) recordWriteResult(err error) error {
	if err == nil {
		s.writeFailures = 0
		return nil
	}
	s.writeFailures++
	return err
}

// commitLocked performs the actual transactional write. One new version per
// distinct prefix in the batch.
func (s *Store) commitLocked(entries []Entry, tombstone bool, origin string) (map[string]uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	versions := make(map[string]uint64)
	for _, e := range entries {
		version, ok := versions[e.Prefix]
		if !ok {
			version, err = nextVersion(tx, e.Prefix)
			if err != nil {
				return nil, err
			}
			versions[e.Prefix] = version
		}
		_, err = tx.Exec(
			`INSERT INTO entries (prefix, key, version, value, origin, tombstone, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Prefix, e.Key, version, e.Value, origin, boolToInt(tombstone), now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert entry %s/%s: %w", e.Prefix, e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return versions, nil
}

// nextVersion increments and returns the durable version counter for prefix
// within the given transaction.
func nextVersion(tx *sql.Tx, prefix string) (uint64, error) {
	var current uint64
	err := tx.QueryRow(`SELECT current FROM prefix_versions WHERE prefix = ?`, prefix).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, fmt.Errorf("read version counter %s: %w", prefix, err)
	}

	next := current + 1
	_, err = tx.Exec(
		`INSERT INTO prefix_versions (prefix, current) VALUES (?, ?)
		 ON CONFLICT(prefix) DO UPDATE SET current = excluded.current`,
		prefix, next,
	)
	if err != nil {
		return 0, fmt.Errorf("advance version counter %s: %w", prefix, err)
	}
	return next, nil
}

// Snapshot records the current per-prefix version ceilings. O(count of
// prefixes); no entry data is touched.
func (s *Store) Snapshot() (*Snapshot, error) {
	rows, err := s.db.Query(`SELECT prefix, current FROM prefix_versions`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Bounds: make(map[string]uint64), CreatedAt: time.Now()}
	for rows.Next() {
		var prefix string
		var current uint64
		if err := rows.Scan(&prefix, &current); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snap.Bounds[prefix] = current
	}
	return snap, rows.Err()
}

// Get returns the latest value of (prefix, key) visible at snap. A nil snap
// reads the latest committed state. Absent keys and tombstoned keys return
// ErrNotFound.
func (s *Store) Get(prefix, key string, snap *Snapshot) ([]byte, error) {
	var value []byte
	var tombstone int
	err := s.db.QueryRow(
		`SELECT value, tombstone FROM entries
		 WHERE prefix = ? AND key = ? AND version <= ?
		 ORDER BY version DESC LIMIT 1`,
		prefix, key, snap.bound(prefix),
	).Scan(&value, &tombstone)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", prefix, key, err)
	}
	if tombstone != 0 {
		return nil, ErrNotFound
	}
	return value, nil
}

// ScanPrefix returns the latest visible (key, value) pairs in [fromKey,
// toKey) within one prefix, ordered by key. Empty fromKey scans from the
// start; empty toKey scans to the end. Re-issuing the same scan against the
// same snapshot is deterministic.
func (s *Store) ScanPrefix(prefix, fromKey, toKey string, snap *Snapshot) ([]KV, error) {
	query := `SELECT e.key, e.value, e.tombstone FROM entries e
	 WHERE e.prefix = ? AND e.key >= ? AND e.version = (
	     SELECT MAX(version) FROM entries
	     WHERE prefix = e.prefix AND key = e.key AND version <= ?
	 )`
	args := []any{prefix, fromKey, snap.bound(prefix)}
	if toKey != "" {
		query += ` AND e.key < ?`
		args = append(args, toKey)
	}
	query += ` ORDER BY e.key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var result []KV
	for rows.Next() {
		var kv KV
		var tombstone int
		if err := rows.Scan(&kv.Key, &kv.Value, &tombstone); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if tombstone != 0 {
			continue
		}
		result = append(result, kv)
	}
	return result, rows.Err()
}

// EntriesSince returns up to limit entries of prefix with version >
// sinceVersion, ordered by version ascending, and whether more remain. This
// is the delta feed consumed by the sync engine. A batch never splits a group
// of entries sharing one version: they were committed atomically and must be
// replicated atomically, so a single oversized commit is shipped whole even
// if that exceeds limit.
func (s *Store) EntriesSince(prefix string, sinceVersion uint64, limit int) ([]VersionedEntry, bool, error) {
	if limit <= 0 {
		limit = 64
	}
	entries, err := s.deltaRows(prefix, sinceVersion, limit+1)
	if err != nil {
		return nil, false, err
	}
	if len(entries) <= limit {
		return entries, false, nil
	}

	// A sentinel row past the limit exists, so more remains. Cut at the
	// last whole version group within the limit.
	cut := limit
	for cut > 0 && entries[cut-1].Version == entries[limit].Version {
		cut--
	}
	if cut > 0 {
		return entries[:cut], true, nil
	}

	// Every fetched row shares one version: one commit larger than the
	// batch size. Fetch the whole group and ship it in one piece.
	group, err := s.versionGroup(prefix, entries[0].Version)
	if err != nil {
		return nil, false, err
	}
	more, err := s.hasEntriesAfter(prefix, entries[0].Version)
	if err != nil {
		return nil, false, err
	}
	return group, more, nil
}

func (s *Store) deltaRows(prefix string, sinceVersion uint64, limit int) ([]VersionedEntry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, version, tombstone FROM entries
		 WHERE prefix = ? AND version > ?
		 ORDER BY version ASC, key ASC LIMIT ?`,
		prefix, sinceVersion, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("entries since %s/%d: %w", prefix, sinceVersion, err)
	}
	defer rows.Close()

	var entries []VersionedEntry
	for rows.Next() {
		var e VersionedEntry
		var tombstone int
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &tombstone); err != nil {
			return nil, fmt.Errorf("scan delta row: %w", err)
		}
		e.Tombstone = tombstone != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) versionGroup(prefix string, version uint64) ([]VersionedEntry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, version, tombstone FROM entries
		 WHERE prefix = ? AND version = ? ORDER BY key ASC`,
		prefix, version,
	)
	if err != nil {
		return nil, fmt.Errorf("version group %s@%d: %w", prefix, version, err)
	}
	defer rows.Close()

	var entries []VersionedEntry
	for rows.Next() {
		var e VersionedEntry
		var tombstone int
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &tombstone); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		e.Tombstone = tombstone != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) hasEntriesAfter(prefix string, version uint64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM (SELECT 1 FROM entries WHERE prefix = ? AND version > ? LIMIT 1)`,
		prefix, version,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check remaining entries: %w", err)
	}
	return n > 0, nil
}

// ApplyReplica inserts entries replicated from another node, preserving their
// origin-assigned versions. Idempotent: re-applying an already present
// (key, version) is a no-op. The prefix's version ceiling advances to the
// highest version applied so later snapshots and deltas see the entries.
//
// Replication is valid only under the single-writer-per-prefix policy: local
// writes and replica writes must not target the same prefix.
func (s *Store) ApplyReplica(prefix, origin string, entries []VersionedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(); err != nil {
		return err
	}

	err := s.applyReplicaLocked(prefix, origin, entries)
	return s.recordWriteResult(err)
}

func (s *Store) applyReplicaLocked(prefix, origin string, entries []VersionedEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replica apply: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	var maxVersion uint64
	for _, e := range entries {
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO entries (prefix, key, version, value, origin, tombstone, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			prefix, e.Key, e.Version, e.Value, origin, boolToInt(e.Tombstone), now,
		)
		if err != nil {
			return fmt.Errorf("apply replica entry %s/%s@%d: %w", prefix, e.Key, e.Version, err)
		}
		if e.Version > maxVersion {
			maxVersion = e.Version
		}
	}

	_, err = tx.Exec(
		`INSERT INTO prefix_versions (prefix, current) VALUES (?, ?)
		 ON CONFLICT(prefix) DO UPDATE SET current = MAX(current, excluded.current)`,
		prefix, maxVersion,
	)
	if err != nil {
		return fmt.Errorf("advance replica ceiling %s: %w", prefix, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replica apply: %w", err)
	}
	return nil
}

// Version returns the current version ceiling of a prefix (0 if never
// written).
func (s *Store) Version(prefix string) (uint64, error) {
	var current uint64
	err := s.db.QueryRow(`SELECT current FROM prefix_versions WHERE prefix = ?`, prefix).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("version %s: %w", prefix, err)
	}
	return current, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

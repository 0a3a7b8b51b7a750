// Package peer maintains the directory of known remote nodes: their role,
// public key, last known address, liveness status, and the set of roles each
// peer reports being connected to. The directory is the single source the
// topology tracker reads from.
package peer

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/permissionlessweb/ergors/internal/identity"
)

// Status describes the liveness of a peer record.
type Status int

const (
	// StatusUnknown is the state of records loaded from disk before any
	// connection attempt this process lifetime.
	StatusUnknown Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Record is a directory entry for one remote node.
type Record struct {
	ID             string             `json:"id"`
	Role           identity.Role      `json:"role"`
	PublicKey      ed25519.PublicKey  `json:"public_key"`
	Address        string             `json:"address"`
	LastSeen       time.Time          `json:"last_seen"`
	Status         Status             `json:"status"`
	ConnectedRoles []identity.Role    `json:"connected_roles,omitempty"`
}

// EventKind distinguishes directory change notifications.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventUpdated
	EventEvicted
)

// Event is delivered to subscribers after a directory mutation commits.
type Event struct {
	Kind   EventKind
	Record Record
}

// Directory is a persistent registry of peers. All mutations are serialized
// under a single mutex and subscribers are invoked synchronously while it is
// held, so a subscriber never observes a half-applied change.
type Directory struct {
	db *sql.DB

	mu      sync.Mutex
	records map[string]*Record
	subs    []func(Event)
}

// Open loads the directory from the SQLite database at path, creating it if
// needed. Records persisted by an earlier process come back with
// StatusUnknown: liveness is a property of this process, not of the disk.
func Open(path string) (*Directory, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open peer directory: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping peer directory: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		role INTEGER NOT NULL,
		public_key BLOB NOT NULL,
		address TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		connected_roles TEXT NOT NULL DEFAULT '[]'
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create peers table: %w", err)
	}

	d := &Directory{db: db, records: make(map[string]*Record)}
	if err := d.load(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Directory) load() error {
	rows, err := d.db.Query(`SELECT id, role, public_key, address, last_seen, connected_roles FROM peers`)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      Record
			role     int
			lastSeen int64
			rolesRaw string
		)
		if err := rows.Scan(&rec.ID, &role, &rec.PublicKey, &rec.Address, &lastSeen, &rolesRaw); err != nil {
			return fmt.Errorf("scan peer row: %w", err)
		}
		rec.Role = identity.Role(role)
		rec.LastSeen = time.UnixMilli(lastSeen)
		rec.Status = StatusUnknown
		if err := json.Unmarshal([]byte(rolesRaw), &rec.ConnectedRoles); err != nil {
			rec.ConnectedRoles = nil
		}
		d.records[rec.ID] = &rec
	}
	return rows.Err()
}

// Close releases the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Subscribe registers fn to receive every subsequent directory event. There
// is no unsubscribe: subscribers live as long as the directory.
func (d *Directory) Subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

func (d *Directory) notifyLocked(ev Event) {
	for _, fn := range d.subs {
		fn(ev)
	}
}

func (d *Directory) persistLocked(rec *Record) error {
	rolesRaw, err := json.Marshal(rec.ConnectedRoles)
	if err != nil {
		return fmt.Errorf("encode connected roles: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO peers (id, role, public_key, address, last_seen, connected_roles)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   role = excluded.role,
		   public_key = excluded.public_key,
		   address = excluded.address,
		   last_seen = excluded.last_seen,
		   connected_roles = excluded.connected_roles`,
		rec.ID, int(rec.Role), []byte(rec.PublicKey), rec.Address, rec.LastSeen.UnixMilli(), string(rolesRaw),
	)
	if err != nil {
		return fmt.Errorf("persist peer %s: %w", rec.ID, err)
	}
	return nil
}

// OnConnected records that a secure channel to the peer was established.
// The record's role and public key come from the handshake and the peer's
// announcement, so they overwrite whatever was stored before.
func (d *Directory) OnConnected(rec Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec.Status = StatusConnected
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	stored := rec
	d.records[rec.ID] = &stored
	if err := d.persistLocked(&stored); err != nil {
		return err
	}
	d.notifyLocked(Event{Kind: EventConnected, Record: stored})
	return nil
}

// OnDisconnected marks the peer disconnected. The record is retained so the
// node can re-dial it later; only Evict removes records.
func (d *Directory) OnDisconnected(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok || rec.Status == StatusDisconnected {
		return
	}
	rec.Status = StatusDisconnected
	rec.ConnectedRoles = nil
	d.notifyLocked(Event{Kind: EventDisconnected, Record: *rec})
}

// Heartbeat refreshes the peer's LastSeen timestamp.
func (d *Directory) Heartbeat(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return
	}
	rec.LastSeen = time.Now()
	// Persist lazily; a stale last_seen on disk only affects dial ordering
	// after a restart.
	_ = d.persistLocked(rec)
}

// UpdateConnectedRoles replaces the set of roles the peer reports live
// channels to, as carried in its most recent announcement.
func (d *Directory) UpdateConnectedRoles(id string, roles []identity.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return
	}
	rec.ConnectedRoles = append([]identity.Role(nil), roles...)
	rec.LastSeen = time.Now()
	// Subscribers track the in-memory state; a persist failure must not make
	// them diverge from it.
	if err := d.persistLocked(rec); err != nil {
		log.Printf("peer: persist %s: %v", id, err)
	}
	d.notifyLocked(Event{Kind: EventUpdated, Record: *rec})
}

// Lookup returns the record for id, if known.
func (d *Directory) Lookup(id string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// LookupByRole returns all peers holding the role, most recently seen first.
func (d *Directory) LookupByRole(role identity.Role) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Record
	for _, rec := range d.records {
		if rec.Role == role {
			out = append(out, *rec)
		}
	}
	sortByLastSeen(out)
	return out
}

// All returns a copy of every record, most recently seen first.
func (d *Directory) All() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	sortByLastSeen(out)
	return out
}

func sortByLastSeen(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].LastSeen.After(recs[j].LastSeen)
	})
}

// Evict removes the record entirely, from memory and from disk. This is the
// only removal path; disconnection alone never forgets a peer.
func (d *Directory) Evict(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return nil
	}
	if _, err := d.db.Exec(`DELETE FROM peers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("evict peer %s: %w", id, err)
	}
	delete(d.records, id)
	d.notifyLocked(Event{Kind: EventEvicted, Record: *rec})
	return nil
}

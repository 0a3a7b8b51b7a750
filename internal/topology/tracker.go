// Package topology derives the mesh's connectivity state from the peer
// directory. The mesh is complete when all four roles are filled and every
// pair of roles has a live channel between its canonical holders: four
// vertices, six edges.
package topology

import (
	"sync"

	"github.com/permissionlessweb/ergors/internal/identity"
	"github.com/permissionlessweb/ergors/internal/peer"
)

// EventKind distinguishes topology transitions.
type EventKind int

const (
	// Formed fires when the mesh becomes complete.
	Formed EventKind = iota
	// Lost fires when a previously complete mesh loses a role or an edge.
	Lost
)

// Event is delivered to subscribers on completeness transitions only;
// recomputations that land in the same state are silent.
type Event struct {
	Kind     EventKind
	Topology Topology
}

// Edge is an unordered role pair, stored with A < B.
type Edge struct {
	A identity.Role `json:"a"`
	B identity.Role `json:"b"`
}

func newEdge(a, b identity.Role) Edge {
	if b < a {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// Topology is a point-in-time connectivity snapshot.
type Topology struct {
	Complete bool                     `json:"complete"`
	Roles    map[identity.Role]string `json:"roles"` // role -> canonical holder ID
	Edges    []Edge                   `json:"edges"`
}

// holder tracks one connected peer of a role, in connection order.
type holder struct {
	id             string
	connectedRoles []identity.Role
}

// Tracker watches directory events and maintains the completeness state.
type Tracker struct {
	selfID   string
	selfRole identity.Role

	mu       sync.Mutex
	holders  map[identity.Role][]holder // connection order per role
	complete bool
	subs     []func(Event)
}

// NewTracker creates a tracker for a node holding selfRole. Call Watch to
// attach it to a directory.
func NewTracker(selfID string, selfRole identity.Role) *Tracker {
	return &Tracker{
		selfID:   selfID,
		selfRole: selfRole,
		holders:  make(map[identity.Role][]holder),
	}
}

// Watch subscribes the tracker to directory events. The directory delivers
// events synchronously under its own lock; the tracker never calls back into
// it, so the lock ordering is safe.
func (t *Tracker) Watch(dir *peer.Directory) {
	dir.Subscribe(t.handle)
}

// Subscribe registers fn for completeness transitions.
func (t *Tracker) Subscribe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

func (t *Tracker) handle(ev peer.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := ev.Record
	switch ev.Kind {
	case peer.EventConnected:
		t.removeLocked(rec.ID)
		t.holders[rec.Role] = append(t.holders[rec.Role], holder{
			id:             rec.ID,
			connectedRoles: rec.ConnectedRoles,
		})
	case peer.EventUpdated:
		for _, hs := range t.holders {
			for i := range hs {
				if hs[i].id == rec.ID {
					hs[i].connectedRoles = rec.ConnectedRoles
				}
			}
		}
	case peer.EventDisconnected, peer.EventEvicted:
		t.removeLocked(rec.ID)
	}
	t.recomputeLocked()
}

func (t *Tracker) removeLocked(id string) {
	for role, hs := range t.holders {
		kept := hs[:0]
		for _, h := range hs {
			if h.id != id {
				kept = append(kept, h)
			}
		}
		t.holders[role] = kept
	}
}

// canonicalLocked returns the earliest still-connected holder of a role.
// Later arrivals of the same role are tracked as extras and do not count
// toward completeness.
func (t *Tracker) canonicalLocked(role identity.Role) (holder, bool) {
	hs := t.holders[role]
	if len(hs) == 0 {
		return holder{}, false
	}
	return hs[0], true
}

func (t *Tracker) snapshotLocked() Topology {
	topo := Topology{Roles: make(map[identity.Role]string)}
	topo.Roles[t.selfRole] = t.selfID

	// Edges from self: a connected canonical holder of another role is, by
	// definition, a live channel from us to that role.
	for _, role := range identity.AllRoles {
		if role == t.selfRole {
			continue
		}
		h, ok := t.canonicalLocked(role)
		if !ok {
			continue
		}
		topo.Roles[role] = h.id
		topo.Edges = append(topo.Edges, newEdge(t.selfRole, role))
	}

	// Remote-remote edges come from announcements: either endpoint's
	// canonical holder reporting the other role is enough.
	for i, a := range identity.AllRoles {
		for _, b := range identity.AllRoles[i+1:] {
			if a == t.selfRole || b == t.selfRole {
				continue
			}
			ha, okA := t.canonicalLocked(a)
			hb, okB := t.canonicalLocked(b)
			if !okA || !okB {
				continue
			}
			if hasRole(ha.connectedRoles, b) || hasRole(hb.connectedRoles, a) {
				topo.Edges = append(topo.Edges, newEdge(a, b))
			}
		}
	}

	topo.Complete = len(topo.Roles) == identity.NumRoles && len(topo.Edges) == 6
	return topo
}

func hasRole(roles []identity.Role, want identity.Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func (t *Tracker) recomputeLocked() {
	topo := t.snapshotLocked()
	if topo.Complete == t.complete {
		return
	}
	t.complete = topo.Complete

	kind := Lost
	if topo.Complete {
		kind = Formed
	}
	ev := Event{Kind: kind, Topology: topo}
	for _, fn := range t.subs {
		fn(ev)
	}
}

// Current returns the present connectivity snapshot.
func (t *Tracker) Current() Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

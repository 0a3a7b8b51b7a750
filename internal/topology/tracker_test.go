package topology

import (
	"path/filepath"
	"testing"

	"github.com/permissionlessweb/ergors/internal/identity"
	"github.com/permissionlessweb/ergors/internal/peer"
)

type fixture struct {
	dir     *peer.Directory
	tracker *Tracker
	events  []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := peer.Open(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("peer.Open: %v", err)
	}
	t.Cleanup(func() { dir.Close() })

	f := &fixture{dir: dir}
	f.tracker = NewTracker("self", identity.RoleCoordinator)
	f.tracker.Subscribe(func(ev Event) { f.events = append(f.events, ev) })
	f.tracker.Watch(dir)
	return f
}

func (f *fixture) connect(t *testing.T, role identity.Role, connected ...identity.Role) string {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	err = f.dir.OnConnected(peer.Record{
		ID:             id.ID,
		Role:           role,
		PublicKey:      id.PublicKey,
		Address:        "127.0.0.1:0",
		ConnectedRoles: connected,
	})
	if err != nil {
		t.Fatalf("OnConnected: %v", err)
	}
	return id.ID
}

// formMesh builds a complete mesh from a coordinator's view: executor, referee, and development
// peers, each announcing channels to the other two remote roles.
func (f *fixture) formMesh(t *testing.T) (exec, ref, dev string) {
	t.Helper()
	exec = f.connect(t, identity.RoleExecutor, identity.RoleReferee, identity.RoleDevelopment)
	ref = f.connect(t, identity.RoleReferee, identity.RoleExecutor, identity.RoleDevelopment)
	dev = f.connect(t, identity.RoleDevelopment, identity.RoleExecutor, identity.RoleReferee)
	return exec, ref, dev
}

func TestFormedFiresOnceOnCompletion(t *testing.T) {
	f := newFixture(t)

	f.connect(t, identity.RoleExecutor, identity.RoleReferee, identity.RoleDevelopment)
	if len(f.events) != 0 {
		t.Fatalf("incomplete mesh fired %d events", len(f.events))
	}
	f.connect(t, identity.RoleReferee, identity.RoleExecutor, identity.RoleDevelopment)
	f.connect(t, identity.RoleDevelopment, identity.RoleExecutor, identity.RoleReferee)

	if len(f.events) != 1 {
		t.Fatalf("got %d events, want exactly 1", len(f.events))
	}
	if f.events[0].Kind != Formed {
		t.Fatalf("event kind = %v, want Formed", f.events[0].Kind)
	}
	if !f.events[0].Topology.Complete {
		t.Fatal("Formed event must carry a complete topology")
	}
	if got := len(f.events[0].Topology.Edges); got != 6 {
		t.Fatalf("complete mesh has %d edges, want 6", got)
	}
}

func TestLostFiresOnceOnRoleLoss(t *testing.T) {
	f := newFixture(t)
	exec, _, _ := f.formMesh(t)

	f.dir.OnDisconnected(exec)
	// The directory swallows the duplicate disconnect, so the tracker sees
	// one event.
	f.dir.OnDisconnected(exec)

	if len(f.events) != 2 {
		t.Fatalf("got %d events, want Formed then Lost", len(f.events))
	}
	if f.events[1].Kind != Lost {
		t.Fatalf("second event = %v, want Lost", f.events[1].Kind)
	}
	if f.events[1].Topology.Complete {
		t.Fatal("Lost event must carry an incomplete topology")
	}
}

func TestReformAfterLoss(t *testing.T) {
	f := newFixture(t)
	exec, _, _ := f.formMesh(t)

	f.dir.OnDisconnected(exec)
	f.connect(t, identity.RoleExecutor, identity.RoleReferee, identity.RoleDevelopment)

	want := []EventKind{Formed, Lost, Formed}
	if len(f.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(f.events), len(want))
	}
	for i, kind := range want {
		if f.events[i].Kind != kind {
			t.Fatalf("event %d = %v, want %v", i, f.events[i].Kind, kind)
		}
	}
}

func TestMissingRemoteEdgeKeepsIncomplete(t *testing.T) {
	f := newFixture(t)

	// All roles present, but nobody announces an executor-referee channel.
	f.connect(t, identity.RoleExecutor, identity.RoleDevelopment)
	f.connect(t, identity.RoleReferee, identity.RoleDevelopment)
	f.connect(t, identity.RoleDevelopment, identity.RoleExecutor, identity.RoleReferee)

	topo := f.tracker.Current()
	if topo.Complete {
		t.Fatal("mesh with a missing remote edge must not be complete")
	}
	if len(f.events) != 0 {
		t.Fatalf("incomplete mesh fired %d events", len(f.events))
	}

	// One endpoint announcing the edge is enough.
	execs := f.dir.LookupByRole(identity.RoleExecutor)
	f.dir.UpdateConnectedRoles(execs[0].ID, []identity.Role{identity.RoleDevelopment, identity.RoleReferee})

	if len(f.events) != 1 || f.events[0].Kind != Formed {
		t.Fatalf("announcement should complete the mesh, events = %v", f.events)
	}
}

func TestExtrasDoNotCountTowardCompleteness(t *testing.T) {
	f := newFixture(t)
	exec, _, _ := f.formMesh(t)

	// A second executor that announces nothing.
	extra := f.connect(t, identity.RoleExecutor)
	if topo := f.tracker.Current(); !topo.Complete {
		t.Fatal("an extra holder must not break a complete mesh")
	}

	// Canonical holder drops: the extra takes over, but it announced no
	// remote channels, so the mesh degrades.
	f.dir.OnDisconnected(exec)
	topo := f.tracker.Current()
	if topo.Complete {
		t.Fatal("promoted extra with no announcements should leave the mesh incomplete")
	}
	if topo.Roles[identity.RoleExecutor] != extra {
		t.Fatalf("executor holder = %s, want promoted extra %s", topo.Roles[identity.RoleExecutor], extra)
	}
}

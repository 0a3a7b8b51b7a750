package peer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/permissionlessweb/ergors/internal/identity"
)

func openTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testRecord(t *testing.T, role identity.Role) Record {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return Record{
		ID:        id.ID,
		Role:      role,
		PublicKey: id.PublicKey,
		Address:   "127.0.0.1:9000",
	}
}

func TestConnectLookup(t *testing.T) {
	d := openTestDirectory(t)
	rec := testRecord(t, identity.RoleExecutor)

	if err := d.OnConnected(rec); err != nil {
		t.Fatalf("OnConnected: %v", err)
	}

	got, ok := d.Lookup(rec.ID)
	if !ok {
		t.Fatal("Lookup: record missing")
	}
	if got.Status != StatusConnected {
		t.Fatalf("status = %v, want connected", got.Status)
	}
	if got.Role != identity.RoleExecutor {
		t.Fatalf("role = %v, want executor", got.Role)
	}
}

func TestDisconnectRetainsRecord(t *testing.T) {
	d := openTestDirectory(t)
	rec := testRecord(t, identity.RoleReferee)

	if err := d.OnConnected(rec); err != nil {
		t.Fatalf("OnConnected: %v", err)
	}
	d.OnDisconnected(rec.ID)

	got, ok := d.Lookup(rec.ID)
	if !ok {
		t.Fatal("record should survive disconnection")
	}
	if got.Status != StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", got.Status)
	}
	if got.ConnectedRoles != nil {
		t.Fatalf("connected roles should clear on disconnect, got %v", got.ConnectedRoles)
	}
}

func TestEvictRemovesRecord(t *testing.T) {
	d := openTestDirectory(t)
	rec := testRecord(t, identity.RoleCoordinator)

	if err := d.OnConnected(rec); err != nil {
		t.Fatalf("OnConnected: %v", err)
	}
	if err := d.Evict(rec.ID); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok := d.Lookup(rec.ID); ok {
		t.Fatal("record should be gone after eviction")
	}
}

func TestLookupByRoleMostRecentFirst(t *testing.T) {
	d := openTestDirectory(t)

	old := testRecord(t, identity.RoleExecutor)
	old.LastSeen = time.Now().Add(-time.Hour)
	fresh := testRecord(t, identity.RoleExecutor)
	fresh.LastSeen = time.Now()
	other := testRecord(t, identity.RoleReferee)

	for _, rec := range []Record{old, fresh, other} {
		if err := d.OnConnected(rec); err != nil {
			t.Fatalf("OnConnected: %v", err)
		}
	}

	execs := d.LookupByRole(identity.RoleExecutor)
	if len(execs) != 2 {
		t.Fatalf("got %d executors, want 2", len(execs))
	}
	if execs[0].ID != fresh.ID {
		t.Fatalf("most recently seen should sort first, got %s", execs[0].ID)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := testRecord(t, identity.RoleDevelopment)
	rec.ConnectedRoles = []identity.Role{identity.RoleCoordinator}
	if err := d.OnConnected(rec); err != nil {
		t.Fatalf("OnConnected: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Lookup(rec.ID)
	if !ok {
		t.Fatal("record should survive restart")
	}
	// Liveness does not survive a restart.
	if got.Status != StatusUnknown {
		t.Fatalf("status after reopen = %v, want unknown", got.Status)
	}
	if got.Address != rec.Address {
		t.Fatalf("address = %q, want %q", got.Address, rec.Address)
	}
	if len(got.ConnectedRoles) != 1 || got.ConnectedRoles[0] != identity.RoleCoordinator {
		t.Fatalf("connected roles = %v, want [coordinator]", got.ConnectedRoles)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	d := openTestDirectory(t)

	var events []Event
	d.Subscribe(func(ev Event) { events = append(events, ev) })

	rec := testRecord(t, identity.RoleExecutor)
	if err := d.OnConnected(rec); err != nil {
		t.Fatalf("OnConnected: %v", err)
	}
	d.UpdateConnectedRoles(rec.ID, []identity.Role{identity.RoleReferee})
	d.OnDisconnected(rec.ID)
	// A second disconnect is a no-op and must not re-fire.
	d.OnDisconnected(rec.ID)
	if err := d.Evict(rec.ID); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	want := []EventKind{EventConnected, EventUpdated, EventDisconnected, EventEvicted}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Fatalf("event %d kind = %v, want %v", i, events[i].Kind, kind)
		}
	}
}

func TestUpdateConnectedRolesSurvivesPersistFailure(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := testRecord(t, identity.RoleExecutor)
	if err := d.OnConnected(rec); err != nil {
		t.Fatalf("OnConnected: %v", err)
	}

	var events []Event
	d.Subscribe(func(ev Event) { events = append(events, ev) })

	// Closing the database makes every persist fail; the in-memory record
	// and its subscribers must stay consistent with each other anyway.
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	roles := []identity.Role{identity.RoleReferee, identity.RoleDevelopment}
	d.UpdateConnectedRoles(rec.ID, roles)

	got, ok := d.Lookup(rec.ID)
	if !ok {
		t.Fatal("Lookup: record missing")
	}
	if len(got.ConnectedRoles) != 2 {
		t.Fatalf("connected roles = %v, want %v", got.ConnectedRoles, roles)
	}
	if len(events) != 1 || events[0].Kind != EventUpdated {
		t.Fatalf("events = %v, want one EventUpdated", events)
	}
	if len(events[0].Record.ConnectedRoles) != 2 {
		t.Fatalf("event roles = %v, want %v", events[0].Record.ConnectedRoles, roles)
	}
}

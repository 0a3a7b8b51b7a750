package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)

	v, err := s.Put("task", "t1", []byte("alpha"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v != 1 {
		t.Fatalf("first version = %d, want 1", v)
	}

	got, err := s.Get("task", "t1", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "alpha" {
		t.Fatalf("Get = %q, want alpha", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("task", "missing", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVersionsMonotonicPerPrefix(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 5; i++ {
		v, err := s.Put("task", "t1", []byte{byte(i)})
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		if v != uint64(i) {
			t.Fatalf("version = %d, want %d", v, i)
		}
	}

	// A different prefix has its own counter.
	v, err := s.Put("peer", "p1", []byte("x"))
	if err != nil {
		t.Fatalf("Put peer: %v", err)
	}
	if v != 1 {
		t.Fatalf("peer version = %d, want 1", v)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Put("task", "t1", []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := s.Put("task", "t1", []byte("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("task", "t1", snap)
	if err != nil {
		t.Fatalf("Get at snapshot: %v", err)
	}
	if string(got) != "old" {
		t.Fatalf("snapshot read = %q, want old", got)
	}

	got, err = s.Get("task", "t1", nil)
	if err != nil {
		t.Fatalf("Get latest: %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("latest read = %q, want new", got)
	}
}

func TestDeleteTombstone(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Put("task", "t1", []byte("alive")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	before, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := s.Delete("task", "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Get("task", "t1", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// The earlier snapshot still sees the value.
	got, err := s.Get("task", "t1", before)
	if err != nil {
		t.Fatalf("Get at pre-delete snapshot: %v", err)
	}
	if string(got) != "alive" {
		t.Fatalf("pre-delete read = %q, want alive", got)
	}
}

func TestCommitBatchSharesVersion(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.CommitBatch([]Entry{
		{Prefix: "task", Key: "a", Value: []byte("1")},
		{Prefix: "task", Key: "b", Value: []byte("2")},
		{Prefix: "peer", Key: "p", Value: []byte("3")},
	})
	if err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if versions["task"] != 1 {
		t.Fatalf("task version = %d, want 1", versions["task"])
	}
	if versions["peer"] != 1 {
		t.Fatalf("peer version = %d, want 1", versions["peer"])
	}

	entries, _, err := s.EntriesSince("task", 0, 10)
	if err != nil {
		t.Fatalf("EntriesSince: %v", err)
	}
	if len(entries) != 2 || entries[0].Version != entries[1].Version {
		t.Fatalf("batch keys should share a version, got %+v", entries)
	}
}

func TestCommitBatchAtomicVisibility(t *testing.T) {
	s := openTestStore(t)
	const trials = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errCh := make(chan error, 1)

	// Readers race the writer: any snapshot must see either every key of a
	// batch or none of them.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := s.Snapshot()
				if err != nil {
					continue
				}
				_, errA := s.Get("batch", "a", snap)
				_, errB := s.Get("batch", "b", snap)
				if (errA == nil) != (errB == nil) {
					select {
					case errCh <- fmt.Errorf("torn batch: a=%v b=%v", errA, errB):
					default:
					}
					return
				}
			}
		}()
	}

	for i := 0; i < trials; i++ {
		_, err := s.CommitBatch([]Entry{
			{Prefix: "batch", Key: "a", Value: []byte{byte(i)}},
			{Prefix: "batch", Key: "b", Value: []byte{byte(i)}},
		})
		if err != nil {
			t.Fatalf("CommitBatch %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case err := <-errCh:
		t.Fatal(err)
	default:
	}
}

func TestVersionMonotonicAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 7
	for i := 0; i < n; i++ {
		if _, err := s.Put("task", fmt.Sprintf("t%d", i), []byte("v")); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	v, err := reopened.Put("task", "after-restart", []byte("v"))
	if err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
	if v != n+1 {
		t.Fatalf("version after reopen = %d, want %d", v, n+1)
	}
}

func TestScanPrefixOrderedAndBounded(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"c", "a", "d", "b"} {
		if _, err := s.Put("task", k, []byte(k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	// Another prefix must never leak into the scan.
	if _, err := s.Put("peer", "a", []byte("peer-a")); err != nil {
		t.Fatalf("Put peer: %v", err)
	}

	kvs, err := s.ScanPrefix("task", "b", "d", nil)
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(kvs) != 2 || kvs[0].Key != "b" || kvs[1].Key != "c" {
		t.Fatalf("ScanPrefix = %+v, want keys b,c", kvs)
	}

	all, err := s.ScanPrefix("task", "", "", nil)
	if err != nil {
		t.Fatalf("ScanPrefix all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("full scan returned %d keys, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key >= all[i].Key {
			t.Fatalf("scan not ordered: %s >= %s", all[i-1].Key, all[i].Key)
		}
	}
}

func TestScanPrefixLatestVersionWins(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Put("task", "k", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put("task", "k", []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	kvs, err := s.ScanPrefix("task", "", "", nil)
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(kvs) != 1 || string(kvs[0].Value) != "v2" {
		t.Fatalf("ScanPrefix = %+v, want single entry v2", kvs)
	}
}

func TestEntriesSinceBatching(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 10; i++ {
		if _, err := s.Put("task", fmt.Sprintf("k%02d", i), []byte("v")); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	entries, hasMore, err := s.EntriesSince("task", 0, 4)
	if err != nil {
		t.Fatalf("EntriesSince: %v", err)
	}
	if len(entries) != 4 || !hasMore {
		t.Fatalf("first batch: %d entries hasMore=%v, want 4 true", len(entries), hasMore)
	}

	entries, hasMore, err = s.EntriesSince("task", entries[len(entries)-1].Version, 10)
	if err != nil {
		t.Fatalf("EntriesSince (rest): %v", err)
	}
	if len(entries) != 6 || hasMore {
		t.Fatalf("second batch: %d entries hasMore=%v, want 6 false", len(entries), hasMore)
	}
}

func TestEntriesSinceKeepsCommitGroupsWhole(t *testing.T) {
	s := openTestStore(t)

	// One commit of 5 keys, then a single put.
	batch := make([]Entry, 5)
	for i := range batch {
		batch[i] = Entry{Prefix: "task", Key: fmt.Sprintf("g%d", i), Value: []byte("v")}
	}
	if _, err := s.CommitBatch(batch); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if _, err := s.Put("task", "single", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Limit smaller than the group: the whole group must still arrive in
	// one batch.
	entries, hasMore, err := s.EntriesSince("task", 0, 3)
	if err != nil {
		t.Fatalf("EntriesSince: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want the whole 5-key group", len(entries))
	}
	if !hasMore {
		t.Fatal("expected hasMore for the trailing single put")
	}
}

func TestApplyReplicaIdempotent(t *testing.T) {
	s := openTestStore(t)

	entries := []VersionedEntry{
		{Key: "a", Value: []byte("1"), Version: 1},
		{Key: "b", Value: []byte("2"), Version: 2},
		{Key: "c", Value: []byte("3"), Version: 3},
	}
	if err := s.ApplyReplica("task", "origin-node", entries); err != nil {
		t.Fatalf("ApplyReplica: %v", err)
	}
	// Re-application (a resumed sync round re-sends entries) must not
	// duplicate or corrupt.
	if err := s.ApplyReplica("task", "origin-node", entries); err != nil {
		t.Fatalf("ApplyReplica (repeat): %v", err)
	}

	kvs, err := s.ScanPrefix("task", "", "", nil)
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(kvs) != 3 {
		t.Fatalf("replica scan returned %d keys, want 3", len(kvs))
	}

	v, err := s.Version("task")
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 3 {
		t.Fatalf("replica ceiling = %d, want 3", v)
	}

	// Versions arriving over sync must be preserved, not reassigned.
	delta, _, err := s.EntriesSince("task", 0, 10)
	if err != nil {
		t.Fatalf("EntriesSince: %v", err)
	}
	for i, e := range delta {
		if e.Version != uint64(i+1) {
			t.Fatalf("entry %d version = %d, want %d", i, e.Version, i+1)
		}
	}
}

package dircache

import (
	"testing"
	"time"

	"github.com/websoft9/sshpool/internal/sftpmgr"
)

func TestNormalizeKeyCleansPath(t *testing.T) {
	if got := normalizeKey("tab1", "/home/user/"); got != "tab1\x00/home/user" {
		t.Fatalf("got %q", got)
	}
	if got := normalizeKey("tab1", "/home/./user/../user"); got != "tab1\x00/home/user" {
		t.Fatalf("got %q", got)
	}
	if got := normalizeKey("tab1", "."); got != "tab1\x00/" {
		t.Fatalf("got %q, want root", got)
	}
}

func TestEntryFreshness(t *testing.T) {
	e := Entry{Timestamp: time.Now()}
	if !e.fresh(time.Now()) {
		t.Fatal("expected a just-created entry to be fresh")
	}
	if e.fresh(time.Now().Add(TTL + time.Second)) {
		t.Fatal("expected entry to be stale after TTL elapses")
	}
}

func TestMemStoreSetGetDeletePrefix(t *testing.T) {
	s := newMemStore()
	s.set("tab1\x00/a", Entry{Entries: []sftpmgr.DirEntry{{Name: "a"}}})
	s.set("tab1\x00/b", Entry{Entries: []sftpmgr.DirEntry{{Name: "b"}}})
	s.set("tab2\x00/a", Entry{Entries: []sftpmgr.DirEntry{{Name: "c"}}})

	if _, ok := s.get("tab1\x00/a"); !ok {
		t.Fatal("expected tab1/a to be present")
	}

	s.deletePrefix("tab1\x00")
	if _, ok := s.get("tab1\x00/a"); ok {
		t.Fatal("expected tab1/a to be evicted")
	}
	if _, ok := s.get("tab1\x00/b"); ok {
		t.Fatal("expected tab1/b to be evicted")
	}
	if _, ok := s.get("tab2\x00/a"); !ok {
		t.Fatal("expected tab2/a to survive a tab1 prefix eviction")
	}
}

func TestDisposeTabClearsPendingDebounce(t *testing.T) {
	m := New(nil, nil)
	m.debounce["tab1\x00/x"] = time.AfterFunc(time.Hour, func() {})
	m.DisposeTab("tab1")
	if _, ok := m.debounce["tab1\x00/x"]; ok {
		t.Fatal("expected DisposeTab to clear the pending debounce timer")
	}
}

func TestInvalidateEvictsCachedEntry(t *testing.T) {
	m := New(nil, nil)
	key := normalizeKey("tab1", "/x")
	m.store.set(key, Entry{Timestamp: time.Now()})
	m.Invalidate("tab1", "/x")
	if _, ok := m.store.get(key); ok {
		t.Fatal("expected Invalidate to evict the cached entry")
	}
}

package cache

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/TACC/imageInf/pkg/models"
)

func newTestCache(t *testing.T, maxSize int64, ttl time.Duration) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), maxSize, ttl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCache_PutAndGet(t *testing.T) {
	c := newTestCache(t, 1<<20, time.Minute)

	content := []byte("jpeg bytes")
	if _, err := c.Put("k1", "image/jpeg", bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, ct, ok := c.Get("k1")
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content mismatch: got %q, want %q", data, content)
	}
	if ct != "image/jpeg" {
		t.Errorf("content type = %q, want image/jpeg", ct)
	}
}

func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	c := newTestCache(t, 1<<20, 5*time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("k1", "image/png", bytes.NewReader([]byte("png")))

	now = now.Add(5 * time.Minute)
	if _, _, ok := c.Get("k1"); ok {
		t.Error("expected miss after freshness window")
	}
	if _, _, count := c.Stats(); count != 0 {
		t.Errorf("expected expired entry removed, count=%d", count)
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 10, 0)
	now := time.Now()
	c.now = func() time.Time { now = now.Add(time.Second); return now }

	c.Put("a", "", bytes.NewReader([]byte("12345")))
	c.Put("b", "", bytes.NewReader([]byte("12345")))
	c.Get("a") // b is now the oldest
	c.Put("c", "", bytes.NewReader([]byte("12345")))

	if _, _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, _, ok := c.Get("a"); !ok {
		t.Error("expected a to survive")
	}
	size, _, count := c.Stats()
	if size != 10 || count != 2 {
		t.Errorf("stats = size %d count %d, want 10/2", size, count)
	}
}

func TestCache_OversizedNotStored(t *testing.T) {
	c := newTestCache(t, 4, 0)
	if _, err := c.Put("big", "", bytes.NewReader([]byte("too large"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, _, ok := c.Get("big"); ok {
		t.Error("oversized content should not be cached")
	}
}

func TestCache_IndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c1, _ := New(dir, 1<<20, time.Hour)
	c1.Put("k1", "image/jpeg", bytes.NewReader([]byte("data")))
	if err := c1.SaveIndex(); err != nil {
		t.Fatalf("SaveIndex: %v", err)
	}

	c2, _ := New(dir, 1<<20, time.Hour)
	if err := c2.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	data, ct, ok := c2.Get("k1")
	if !ok || string(data) != "data" || ct != "image/jpeg" {
		t.Errorf("reloaded entry = %q %q %v", data, ct, ok)
	}
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(t, 1<<20, 0)
	c.Put("a", "", bytes.NewReader([]byte("x")))
	c.Put("b", "", bytes.NewReader([]byte("y")))

	if n := c.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	entries, _ := os.ReadDir(c.Dir())
	if len(entries) != 0 {
		t.Errorf("expected empty dir, found %d files", len(entries))
	}
}

func TestKeyFor_DistinguishesPairs(t *testing.T) {
	a := KeyFor("alice", models.TapisFile{SystemID: "sys", Path: "/a.jpg"})
	b := KeyFor("alice", models.TapisFile{SystemID: "sys2", Path: "/a.jpg"})
	c := KeyFor("alice", models.TapisFile{SystemID: "sys", Path: " /a.jpg"})
	if a == b || a == c {
		t.Error("expected distinct keys for distinct (system, path) pairs")
	}
	if a != KeyFor("alice", models.TapisFile{SystemID: "sys", Path: "/a.jpg"}) {
		t.Error("expected stable key")
	}
}

func TestKeyFor_DistinguishesOwners(t *testing.T) {
	f := models.TapisFile{SystemID: "sys", Path: "/a.jpg"}
	if KeyFor("alice", f) == KeyFor("bob", f) {
		t.Error("expected distinct keys for distinct owners")
	}
}

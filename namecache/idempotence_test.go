package namecache

import (
	"testing"
	"time"

	"github.com/chimera-go/vfscore/internal/fh"
)

func TestInsertThenLookupHits(t *testing.T) {
	c := New(1, 4, 2, time.Minute)
	parent := fh.New([]byte("parent-dir"))
	child := fh.New([]byte("child-file"))

	c.Insert(parent, "report.txt", child)

	got, ok := c.Lookup(parent, "report.txt")
	if !ok {
		t.Fatalf("expected hit")
	}
	if !got.Equal(child) {
		t.Fatalf("resolved wrong child handle")
	}
}

func TestLookupMissForDifferentName(t *testing.T) {
	c := New(1, 4, 2, time.Minute)
	parent := fh.New([]byte("parent-dir"))
	c.Insert(parent, "a.txt", fh.New([]byte("a-fh")))

	if _, ok := c.Lookup(parent, "b.txt"); ok {
		t.Fatalf("expected miss for unrelated name")
	}
}

func TestInsertReplacesSameKey(t *testing.T) {
	c := New(1, 2, 1, time.Minute)
	parent := fh.New([]byte("dir"))

	c.Insert(parent, "f", fh.New([]byte("v1")))
	c.Insert(parent, "f", fh.New([]byte("v2")))

	got, ok := c.Lookup(parent, "f")
	if !ok {
		t.Fatalf("expected hit")
	}
	if !got.Equal(fh.New([]byte("v2"))) {
		t.Fatalf("expected last insert to win")
	}
}

func TestRemoveClearsOnlyTheTargetedEntry(t *testing.T) {
	c := New(1, 4, 2, time.Minute)
	parent := fh.New([]byte("dir"))
	child := fh.New([]byte("shared-inode"))

	// A hard link: two names pointing at the same child FH.
	c.Insert(parent, "first-name", child)
	c.Insert(parent, "second-name", child)

	c.Remove(parent, "first-name")

	if _, ok := c.Lookup(parent, "first-name"); ok {
		t.Fatalf("removed entry must no longer resolve")
	}
	got, ok := c.Lookup(parent, "second-name")
	if !ok || !got.Equal(child) {
		t.Fatalf("removing one hard-linked name must not tombstone the other")
	}
}

func TestLookupMissAfterTTLExpiry(t *testing.T) {
	c := New(1, 2, 1, time.Millisecond)
	parent := fh.New([]byte("dir"))
	c.Insert(parent, "f", fh.New([]byte("v")))

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Lookup(parent, "f"); ok {
		t.Fatalf("expected miss after TTL expiry")
	}
}

package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTileCache_Roundtrip(t *testing.T) {
	c, err := New(t.TempDir(), 10, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if _, ok := c.Get("pano:2:0:0"); ok {
		t.Fatal("empty cache reports a hit")
	}

	data := []byte("tile-payload")
	c.Set("pano:2:0:0", data)

	got, ok := c.Get("pano:2:0:0")
	if !ok {
		t.Fatal("stored tile not found")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("cached bytes = %q, want %q", got, data)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if c.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", c.Size(), len(data))
	}
}

func TestTileCache_OverwriteAdjustsSize(t *testing.T) {
	c, err := New(t.TempDir(), 10, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	c.Set("key", bytes.Repeat([]byte("a"), 100))
	c.Set("key", bytes.Repeat([]byte("b"), 40))

	if c.Size() != 40 {
		t.Errorf("Size = %d after overwrite, want 40", c.Size())
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d after overwrite, want 1", c.Len())
	}
}

func TestTileCache_ReopenPersists(t *testing.T) {
	dir := t.TempDir()

	c, err := New(dir, 10, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Set("pano-a:3:1:1", []byte("first"))
	c.Set("pano-b:3:0:0", []byte("second"))
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(dir, 10, 16)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Fatalf("reopened Len = %d, want 2", reopened.Len())
	}
	got, ok := reopened.Get("pano-a:3:1:1")
	if !ok || string(got) != "first" {
		t.Errorf("reopened Get = %q/%v, want \"first\"/true", got, ok)
	}
}

func TestTileCache_MissingFileDropsEntry(t *testing.T) {
	c, err := New(t.TempDir(), 10, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	c.Set("gone", []byte("payload"))
	// Push the key out of the memory layer so Get must hit disk.
	c.Set("other", []byte("payload"))

	if err := os.Remove(c.filePath("gone")); err != nil {
		t.Fatalf("failed to remove backing file: %v", err)
	}

	if _, ok := c.Get("gone"); ok {
		t.Error("Get succeeded for a tile whose backing file is gone")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d after dropped entry, want 1", c.Len())
	}
}

func TestTileCache_EvictsOldestFirst(t *testing.T) {
	c, err := New(t.TempDir(), 1, 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	// Budget is 1 MB; three 400 KB tiles exceed it by one tile.
	payload := bytes.Repeat([]byte("x"), 400*1024)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("tile-%d", i), payload)
		// Distinct access times keep the eviction order deterministic.
		time.Sleep(5 * time.Millisecond)
	}

	c.evictToBudget()

	if c.Size() > 1024*1024 {
		t.Errorf("Size = %d, still over the 1 MB budget", c.Size())
	}
	if _, ok := c.Get("tile-0"); ok {
		t.Error("oldest tile survived eviction")
	}
	if _, ok := c.Get("tile-2"); !ok {
		t.Error("newest tile was evicted")
	}
}

func TestTileCache_HashedLayout(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 10, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	// Panorama IDs can exceed filesystem name limits; the path must not
	// contain the raw key.
	longKey := string(bytes.Repeat([]byte("k"), 400)) + ":5:31:15"
	c.Set(longKey, []byte("data"))

	path := c.filePath(longKey)
	if len(filepath.Base(path)) > 255 {
		t.Errorf("backing file name too long: %d chars", len(filepath.Base(path)))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backing file missing: %v", err)
	}
}

// Package cache provides an optional persistent tile cache so interrupted
// runs over large ID collections can resume without refetching. Tiles are
// stored on disk under a content-addressed layout with a JSON metadata
// index, fronted by a small in-memory LRU for tiles touched repeatedly
// within one run (bottom-row tiles are read by both the classifier and the
// assembler).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const indexFileName = "cache_index.json"

// entry describes one cached tile in the metadata index.
type entry struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// TileCache is a disk-backed tile byte cache with size-based eviction.
// Safe for concurrent use by every fetch in a run.
type TileCache struct {
	baseDir  string
	maxSize  int64
	currSize int64 // atomic

	mu    sync.RWMutex
	index map[string]*entry

	mem *lru.Cache[string, []byte]

	evictChan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New opens (or creates) a tile cache rooted at baseDir. maxSizeMB bounds
// the on-disk footprint; memEntries bounds the in-memory layer.
func New(baseDir string, maxSizeMB, memEntries int) (*TileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if memEntries <= 0 {
		memEntries = 256
	}

	mem, err := lru.New[string, []byte](memEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	c := &TileCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		index:     make(map[string]*entry),
		mem:       mem,
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := c.loadIndex(); err != nil {
		log.Printf("[Cache] Index unreadable, starting empty: %v", err)
	}

	go c.evictionWorker()
	return c, nil
}

// filePath derives the on-disk location for a key. Keys are hashed so
// panorama IDs never hit filesystem name limits.
func (c *TileCache) filePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.baseDir, name[:2], name+".img")
}

// Get returns cached tile bytes for a key.
func (c *TileCache) Get(key string) ([]byte, bool) {
	if data, ok := c.mem.Get(key); ok {
		return data, true
	}

	c.mu.RLock()
	ent, ok := c.index[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(c.filePath(key))
	if err != nil {
		// File vanished underneath the index; drop the entry.
		c.mu.Lock()
		delete(c.index, key)
		c.mu.Unlock()
		atomic.AddInt64(&c.currSize, -ent.Size)
		return nil, false
	}

	c.mu.Lock()
	ent.AccessTime = time.Now()
	c.mu.Unlock()

	c.mem.Add(key, data)
	return data, true
}

// Set stores tile bytes under a key. Errors are logged, not returned: a
// broken cache degrades to refetching, never to a failed tile.
func (c *TileCache) Set(key string, data []byte) {
	path := c.filePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("[Cache] Failed to create cache subdirectory: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Printf("[Cache] Failed to write tile: %v", err)
		return
	}

	now := time.Now()
	c.mu.Lock()
	if old, ok := c.index[key]; ok {
		atomic.AddInt64(&c.currSize, -old.Size)
	}
	c.index[key] = &entry{
		Key:        key,
		Size:       int64(len(data)),
		AccessTime: now,
		CreateTime: now,
	}
	c.mu.Unlock()
	atomic.AddInt64(&c.currSize, int64(len(data)))

	c.mem.Add(key, data)

	if c.maxSize > 0 && atomic.LoadInt64(&c.currSize) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default:
		}
	}
}

// Size returns the current on-disk byte count.
func (c *TileCache) Size() int64 {
	return atomic.LoadInt64(&c.currSize)
}

// Len returns the number of indexed tiles.
func (c *TileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// evictionWorker trims the cache back under its size budget, oldest access
// first, and persists the index after each pass.
func (c *TileCache) evictionWorker() {
	for {
		select {
		case <-c.done:
			return
		case <-c.evictChan:
			c.evictToBudget()
			if err := c.saveIndex(); err != nil {
				log.Printf("[Cache] Failed to persist index: %v", err)
			}
		}
	}
}

func (c *TileCache) evictToBudget() {
	for c.maxSize > 0 && atomic.LoadInt64(&c.currSize) > c.maxSize {
		c.mu.Lock()
		var oldest *entry
		for _, ent := range c.index {
			if oldest == nil || ent.AccessTime.Before(oldest.AccessTime) {
				oldest = ent
			}
		}
		if oldest == nil {
			c.mu.Unlock()
			return
		}
		delete(c.index, oldest.Key)
		c.mu.Unlock()

		c.mem.Remove(oldest.Key)
		if err := os.Remove(c.filePath(oldest.Key)); err != nil && !os.IsNotExist(err) {
			log.Printf("[Cache] Failed to evict tile: %v", err)
		}
		atomic.AddInt64(&c.currSize, -oldest.Size)
	}
}

func (c *TileCache) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var entries []*entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	var total int64
	c.mu.Lock()
	for _, ent := range entries {
		c.index[ent.Key] = ent
		total += ent.Size
	}
	c.mu.Unlock()
	atomic.StoreInt64(&c.currSize, total)

	log.Printf("[Cache] Loaded %d tiles (%d bytes) from %s", len(entries), total, c.baseDir)
	return nil
}

func (c *TileCache) saveIndex() error {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.index))
	for _, ent := range c.index {
		entries = append(entries, ent)
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache index: %w", err)
	}
	return os.WriteFile(filepath.Join(c.baseDir, indexFileName), data, 0644)
}

// Close persists the index and stops background maintenance.
func (c *TileCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.saveIndex()
	})
	return err
}

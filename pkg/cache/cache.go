// Package cache provides a disk-backed cache for remote file content.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TACC/imageInf/pkg/models"
)

const indexFile = "index.json"

// Cache manages locally cached file content. Entries older than the
// freshness window are treated as misses.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*models.CacheEntry
	size    int64
}

// New creates a new cache. A zero ttl disables expiry.
func New(dir string, maxSize int64, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*models.CacheEntry),
	}, nil
}

// KeyFor returns the cache key for a remote file as read by owner. The
// owner scopes entries to one credential, so content fetched with one
// token is never served to another. All parts are hashed as-is.
func KeyFor(owner string, file models.TapisFile) string {
	sum := sha256.Sum256([]byte(owner + "\x00" + file.SystemID + "\x00" + file.Path))
	return hex.EncodeToString(sum[:16])
}

// Get returns the cached content and its content type.
func (c *Cache) Get(key string) ([]byte, string, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, "", false
	}
	if c.expired(entry) {
		c.removeLocked(key, entry)
		c.mu.Unlock()
		return nil, "", false
	}
	entry.LastAccess = c.now()
	path, contentType := entry.LocalPath, entry.ContentType
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		c.Evict(key)
		return nil, "", false
	}
	return data, contentType, true
}

// Put stores content in the cache.
// Content is written atomically (temp file then rename).
func (c *Cache) Put(key, contentType string, r io.Reader) (int64, error) {
	localPath := filepath.Join(c.dir, key)
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("write content: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if written > c.maxSize {
		os.Remove(tempPath)
		return written, nil
	}
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	for c.size+written > c.maxSize {
		if !c.evictOldest() {
			break
		}
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	now := c.now()
	c.entries[key] = &models.CacheEntry{
		FileID:      key,
		LocalPath:   localPath,
		ContentType: contentType,
		Size:        written,
		StoredAt:    now,
		LastAccess:  now,
	}
	c.size += written
	return written, nil
}

// Evict removes an entry from the cache.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
}

// Clear removes all entries and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.entries)
	for key, entry := range c.entries {
		c.removeLocked(key, entry)
	}
	return count
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}

// SaveIndex persists the entry index so a restarted process can reuse fresh content.
func (c *Cache) SaveIndex() error {
	c.mu.Lock()
	entries := make([]*models.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, indexFile), data, 0644)
}

// LoadIndex restores entries saved by SaveIndex, skipping expired or missing files.
func (c *Cache) LoadIndex() error {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []*models.CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if c.expired(e) {
			os.Remove(e.LocalPath)
			continue
		}
		if _, err := os.Stat(e.LocalPath); err != nil {
			continue
		}
		if _, ok := c.entries[e.FileID]; ok {
			continue
		}
		c.entries[e.FileID] = e
		c.size += e.Size
	}
	return nil
}

func (c *Cache) expired(e *models.CacheEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.StoredAt) >= c.ttl
}

// removeLocked must be called with lock held.
func (c *Cache) removeLocked(key string, entry *models.CacheEntry) {
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, key)
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *models.CacheEntry
	var oldestKey string

	for key, entry := range c.entries {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
			oldestKey = key
		}
	}
	if oldest == nil {
		return false
	}
	c.removeLocked(oldestKey, oldest)
	return true
}

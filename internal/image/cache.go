package image

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xfeldman/hyperfleet/internal/errs"
)

// cacheIndexSchemaVersion is bumped whenever the on-disk index format
// changes incompatibly. On mismatch the index is reset and backing files
// are ignored until rediscovered by a future Put.
const cacheIndexSchemaVersion = 1

// defaultEvictTargetFrac is the fraction of maxSize the cache evicts
// down to once it overflows, per spec §4.3 ("evict oldest-by
// last_accessed_at until <= 90% of limit").
const defaultEvictTargetFrac = 0.9

// CacheEntry is one rootfs cached by normalized image reference.
type CacheEntry struct {
	Digest         string    `json:"digest"`
	RootfsPath     string    `json:"rootfs_path"`
	SizeBytes      int64     `json:"size_bytes"`
	CachedAt       time.Time `json:"cached_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	// Env holds the image's OCI config ENV entries ("KEY=VALUE"), baked
	// into the rootfs at /etc/environment during conversion so repeat
	// Resolve calls against a cache hit can still report what the guest
	// was started with.
	Env []string `json:"env,omitempty"`
}

type cacheIndexFile struct {
	SchemaVersion int                    `json:"schema_version"`
	Entries       map[string]*CacheEntry `json:"entries"`
}

// Cache is the size-capped, LRU-evicting on-disk rootfs cache keyed by
// normalized OCI reference. The backing index is a single JSON document
// rewritten atomically (write-rename) on every mutation.
type Cache struct {
	mu          sync.Mutex
	dir         string
	maxSize     int64
	entries     map[string]*CacheEntry
}

// NewCache opens (or initializes) the cache rooted at dir.
func NewCache(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errs.Cache{Op: "open", Cause: err}
	}
	c := &Cache{dir: dir, maxSize: maxSize, entries: make(map[string]*CacheEntry)}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) indexPath() string { return filepath.Join(c.dir, "cache-index.json") }

func (c *Cache) load() error {
	data, err := os.ReadFile(c.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &errs.Cache{Op: "load index", Cause: err}
	}

	var idx cacheIndexFile
	if err := json.Unmarshal(data, &idx); err != nil || idx.SchemaVersion != cacheIndexSchemaVersion {
		log.Printf("image: cache index schema mismatch or unreadable, resetting")
		return nil
	}
	c.entries = idx.Entries
	if c.entries == nil {
		c.entries = make(map[string]*CacheEntry)
	}
	return nil
}

// persist rewrites the index atomically via write-to-temp + rename. The
// caller must hold c.mu.
func (c *Cache) persist() error {
	idx := cacheIndexFile{SchemaVersion: cacheIndexSchemaVersion, Entries: c.entries}
	data, err := json.MarshalIndent(&idx, "", "  ")
	if err != nil {
		return &errs.Cache{Op: "marshal index", Cause: err}
	}

	tmp := c.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &errs.Cache{Op: "write index", Cause: err}
	}
	if err := os.Rename(tmp, c.indexPath()); err != nil {
		return &errs.Cache{Op: "rename index", Cause: err}
	}
	return nil
}

// Get returns the cached entry for ref, bumping last_accessed_at. A
// missing backing file auto-evicts the stale entry and reports a miss.
func (c *Cache) Get(normalizedRef string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[normalizedRef]
	if !ok {
		return nil, false
	}
	if _, err := os.Stat(entry.RootfsPath); err != nil {
		delete(c.entries, normalizedRef)
		c.persist()
		return nil, false
	}

	entry.LastAccessedAt = time.Now().UTC()
	c.persist()
	cp := *entry
	return &cp, true
}

// Put inserts or replaces the entry for ref and enforces the size cap,
// evicting the least-recently-accessed entries (excluding ref itself)
// until the cache is at or under defaultEvictTargetFrac * maxSize.
func (c *Cache) Put(normalizedRef string, entry *CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if entry.CachedAt.IsZero() {
		entry.CachedAt = now
	}
	entry.LastAccessedAt = now
	c.entries[normalizedRef] = entry

	c.evictLocked(normalizedRef)
	return c.persist()
}

// evictLocked removes oldest-by-last_accessed_at entries (never the one
// named keep) until total size is within the cap. Caller holds c.mu.
func (c *Cache) evictLocked(keep string) {
	total := c.totalSizeLocked()
	if total <= c.maxSize {
		return
	}
	target := int64(float64(c.maxSize) * defaultEvictTargetFrac)

	type kv struct {
		key   string
		entry *CacheEntry
	}
	var candidates []kv
	for k, e := range c.entries {
		if k == keep {
			continue
		}
		candidates = append(candidates, kv{k, e})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.LastAccessedAt.Before(candidates[j].entry.LastAccessedAt)
	})

	for _, cand := range candidates {
		if total <= target {
			break
		}
		if err := os.Remove(cand.entry.RootfsPath); err != nil && !os.IsNotExist(err) {
			log.Printf("image: evict %s: remove %s: %v", cand.key, cand.entry.RootfsPath, err)
			continue
		}
		delete(c.entries, cand.key)
		total -= cand.entry.SizeBytes
		log.Printf("image: evicted %s (%s) to stay under %s cap", cand.key,
			humanize.Bytes(uint64(cand.entry.SizeBytes)), humanize.Bytes(uint64(c.maxSize)))
	}
}

func (c *Cache) totalSizeLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.SizeBytes
	}
	return total
}

// safeFileName converts a normalized reference into a filesystem-safe
// name for the cache's <ref>.ext4 backing files.
func safeFileName(normalizedRef string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(normalizedRef)
}

func extFilePath(dir, normalizedRef string) string {
	return filepath.Join(dir, safeFileName(normalizedRef)+".ext4")
}

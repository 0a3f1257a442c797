package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qitops/qitops-agent/internal/config"
	"github.com/qitops/qitops-agent/internal/logger"
)

// CacheEntry is the on-disk and in-memory form of a cached response.
type CacheEntry struct {
	Response  *Response `json:"response"`
	CreatedAt int64     `json:"created_at"`
	ExpiresAt int64     `json:"expires_at"`
}

// CacheStats counts cache activity since creation or the last Clear.
type CacheStats struct {
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Entries        uint64 `json:"entries"`
	ExpiredRemoved uint64 `json:"expired_removed"`
	TotalSizeBytes uint64 `json:"total_size_bytes"`
	CreatedAt      int64  `json:"created_at"`
	LastAccess     int64  `json:"last_access"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ResponseCache stores responses keyed by provider, model and conversation.
// It is not safe for concurrent use; Router guards it with a mutex.
type ResponseCache struct {
	dir     string
	ttl     time.Duration
	useDisk bool
	memory  map[string]CacheEntry
	stats   CacheStats
	now     func() time.Time
	log     *logger.Logger
}

// NewResponseCache creates a cache. With disk enabled the directory is
// created and existing entries are counted.
func NewResponseCache(cfg config.CacheConfig) (*ResponseCache, error) {
	c := &ResponseCache{
		dir:     cfg.CacheDir(),
		ttl:     cfg.TTL(),
		useDisk: cfg.UseDisk,
		memory:  make(map[string]CacheEntry),
		now:     time.Now,
		log:     logger.Component("cache"),
	}
	now := c.now().Unix()
	c.stats.CreatedAt = now
	c.stats.LastAccess = now

	if !c.useDisk {
		return c, nil
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	files, err := c.diskFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, f := range files {
		if info, err := os.Stat(f); err == nil {
			c.stats.Entries++
			c.stats.TotalSizeBytes += uint64(info.Size())
		}
	}
	return c, nil
}

// Dir returns the directory used for disk entries.
func (c *ResponseCache) Dir() string {
	return c.dir
}

// GenerateKey hashes the provider, model and every message. Sampling
// parameters are not part of the key.
func GenerateKey(req *Request, provider string) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(provider)
	write(req.Model)
	for _, m := range req.Messages {
		write(string(m.Role))
		write(m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ResponseCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *ResponseCache) diskFiles() ([]string, error) {
	return filepath.Glob(filepath.Join(c.dir, "*.json"))
}

// Get returns a live entry for req. Expired entries are evicted, including
// their disk file. A disk hit is promoted into memory.
func (c *ResponseCache) Get(req *Request, provider string) (*Response, bool) {
	key := GenerateKey(req, provider)
	now := c.now().Unix()
	c.stats.LastAccess = now

	expired := false
	if entry, ok := c.memory[key]; ok {
		if entry.ExpiresAt > now {
			c.stats.Hits++
			return cloneResponse(entry.Response), true
		}
		delete(c.memory, key)
		expired = true
	}

	if c.useDisk {
		entry, size, err := c.readEntry(key)
		switch {
		case err == nil && entry.ExpiresAt > now:
			c.memory[key] = entry
			c.stats.Hits++
			return cloneResponse(entry.Response), true
		case err == nil:
			if err := os.Remove(c.path(key)); err == nil {
				c.stats.TotalSizeBytes = saturatingSub(c.stats.TotalSizeBytes, uint64(size))
				expired = true
			} else {
				c.log.Warn("failed to remove expired cache file %s: %v", c.path(key), err)
			}
		case !errors.Is(err, os.ErrNotExist):
			c.log.Debug("ignoring unreadable cache entry %s: %v", key, err)
		}
	}

	if expired {
		c.stats.ExpiredRemoved++
		c.stats.Entries = saturatingSub(c.stats.Entries, 1)
	}
	c.stats.Misses++
	return nil, false
}

func (c *ResponseCache) readEntry(key string) (CacheEntry, int, error) {
	var entry CacheEntry
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return entry, 0, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, len(data), err
	}
	if entry.Response == nil {
		return entry, len(data), errors.New("cache entry has no response")
	}
	return entry, len(data), nil
}

// Put stores resp for req with expires_at = now + ttl.
func (c *ResponseCache) Put(req *Request, provider string, resp *Response) error {
	key := GenerateKey(req, provider)
	now := c.now()
	entry := CacheEntry{
		Response:  cloneResponse(resp),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(c.ttl).Unix(),
	}
	c.stats.LastAccess = entry.CreatedAt

	_, inMemory := c.memory[key]

	// An entry already on disk is counted even when memory does not hold it.
	path := c.path(key)
	var oldSize uint64
	onDisk := false
	if c.useDisk {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			onDisk = true
			oldSize = uint64(info.Size())
		}
	}

	c.memory[key] = entry
	if !inMemory && !onDisk {
		c.stats.Entries++
	}
	if !c.useDisk {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	c.stats.TotalSizeBytes = saturatingSub(c.stats.TotalSizeBytes, oldSize) + uint64(len(data))
	return nil
}

// Clear removes every entry from memory and every *.json file from the cache
// directory, and resets the statistics.
func (c *ResponseCache) Clear() error {
	c.memory = make(map[string]CacheEntry)

	if c.useDisk {
		files, err := c.diskFiles()
		if err != nil {
			return fmt.Errorf("failed to read cache directory: %w", err)
		}
		for _, f := range files {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove cache file: %w", err)
			}
		}
	}

	now := c.now().Unix()
	c.stats = CacheStats{CreatedAt: now, LastAccess: now}
	return nil
}

// CleanExpired removes expired entries from memory and disk and returns how
// many distinct entries were removed.
func (c *ResponseCache) CleanExpired() (int, error) {
	now := c.now().Unix()
	c.stats.LastAccess = now

	removed := make(map[string]struct{})
	for key, entry := range c.memory {
		if entry.ExpiresAt <= now {
			delete(c.memory, key)
			removed[key] = struct{}{}
		}
	}

	if c.useDisk {
		files, err := c.diskFiles()
		if err != nil {
			return 0, fmt.Errorf("failed to read cache directory: %w", err)
		}
		for _, f := range files {
			key := strings.TrimSuffix(filepath.Base(f), ".json")
			entry, size, err := c.readEntry(key)
			if err != nil || entry.ExpiresAt > now {
				continue
			}
			if err := os.Remove(f); err != nil {
				c.log.Warn("failed to remove expired cache file %s: %v", f, err)
				continue
			}
			c.stats.TotalSizeBytes = saturatingSub(c.stats.TotalSizeBytes, uint64(size))
			removed[key] = struct{}{}
		}
	}

	n := len(removed)
	c.stats.ExpiredRemoved += uint64(n)
	c.stats.Entries = saturatingSub(c.stats.Entries, uint64(n))
	return n, nil
}

// Stats returns a snapshot of the counters.
func (c *ResponseCache) Stats() CacheStats {
	return c.stats
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func cloneResponse(r *Response) *Response {
	if r == nil {
		return nil
	}
	c := *r
	if r.TokensUsed != nil {
		t := *r.TokensUsed
		c.TokensUsed = &t
	}
	if r.LatencyMS != nil {
		l := *r.LatencyMS
		c.LatencyMS = &l
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

package dietapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ResponseCache caches normalized API responses keyed by request URL. It is
// an explicit collaborator injected into the fetcher; bypass is decided per
// call, never from ambient state.
type ResponseCache interface {
	Get(url string) (RawMeetingData, bool)
	Put(url string, data RawMeetingData)
}

// LRUResponseCache is an in-memory LRU with optional write-through
// persistence to a directory of JSON files.
type LRUResponseCache struct {
	mem *lru.Cache[string, RawMeetingData]
	dir string
}

var _ ResponseCache = (*LRUResponseCache)(nil)

// NewLRUResponseCache creates a cache holding up to size entries in memory.
// A non-empty dir enables disk persistence so repeated local runs can replay
// upstream responses without re-fetching.
func NewLRUResponseCache(size int, dir string) (*LRUResponseCache, error) {
	if size <= 0 {
		size = 256
	}
	mem, err := lru.New[string, RawMeetingData](size)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &LRUResponseCache{mem: mem, dir: dir}, nil
}

func (c *LRUResponseCache) Get(url string) (RawMeetingData, bool) {
	if data, ok := c.mem.Get(url); ok {
		return data, true
	}
	if c.dir == "" {
		return RawMeetingData{}, false
	}
	raw, err := os.ReadFile(c.path(url))
	if err != nil {
		return RawMeetingData{}, false
	}
	var data RawMeetingData
	if err := json.Unmarshal(raw, &data); err != nil {
		return RawMeetingData{}, false
	}
	c.mem.Add(url, data)
	return data, true
}

func (c *LRUResponseCache) Put(url string, data RawMeetingData) {
	c.mem.Add(url, data)
	if c.dir == "" {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	// Persistence failures are silent; the cache is best effort.
	_ = os.WriteFile(c.path(url), raw, 0o644)
}

func (c *LRUResponseCache) path(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:16])+".json")
}

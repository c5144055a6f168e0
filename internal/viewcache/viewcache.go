// Package viewcache memoizes GET /view_data responses for a short TTL,
// keyed by the parameters that determine the snapshot, so a client
// re-rendering the same dataset view within a UI refresh cycle does not
// re-trigger an "export delimited" round trip through the Engine. Entries
// are serialized with msgpack, grounded on the reference's use of
// vmihailenco/msgpack for its own on-disk run-state cache.
package viewcache

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/statabridge/server/internal/exectypes"
)

type entry struct {
	view    exectypes.DatasetView
	expires time.Time
}

// Cache is a short-TTL, size-unbounded dataset view cache. It is safe for
// concurrent use.
type Cache struct {
	ttl time.Duration

	mu    sync.Mutex
	byKey map[string]entry
}

// New constructs a Cache with the given per-entry TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, byKey: make(map[string]entry)}
}

// Key derives a cache key from the parameters that determine a
// /view_data snapshot: the session, the if-condition predicate, and the
// row cap.
func Key(sessionID, ifCondition string, maxRows int) string {
	h := blake3.New()
	_, _ = h.Write([]byte(sessionID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ifCondition))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte{byte(maxRows), byte(maxRows >> 8), byte(maxRows >> 16), byte(maxRows >> 24)})
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// Get returns the cached view for key, if present and not expired.
func (c *Cache) Get(key string) (exectypes.DatasetView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[key]
	if !ok || time.Now().After(e.expires) {
		return exectypes.DatasetView{}, false
	}
	return e.view, true
}

// Put stores view under key with the cache's configured TTL. The view is
// round-tripped through msgpack before storage, the way a persisted
// on-disk cache would, so a corrupt or unencodable view never leaks
// stale state into a hit.
func (c *Cache) Put(key string, view exectypes.DatasetView) error {
	b, err := msgpack.Marshal(view)
	if err != nil {
		return err
	}
	var roundTripped exectypes.DatasetView
	if err := msgpack.Unmarshal(b, &roundTripped); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = entry{view: roundTripped, expires: time.Now().Add(c.ttl)}
	return nil
}

// InvalidateAll drops every cached entry, called after every successful
// run and on session restart: a run on one session cannot change another session's
// dataset, but keys are opaque content hashes, so a full clear is the
// only option without threading the session id through as a second
// index.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]entry)
}

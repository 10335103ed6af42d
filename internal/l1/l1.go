// Package l1 implements the front-end string-KV cache (spec §5.2) SymServer
// consults before ever asking the DiskCache for a frame's symbol. The
// specification treats the L1 store as an external collaborator (any
// memcached-compatible client would do); this package still ships a real
// default implementation the way the teacher ships Memory in
// storage_memory.go on top of github.com/patrickmn/go-cache, so the
// service runs standalone without a separate memcached deployment.
package l1

import (
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
)

// Store is the minimal string-KV contract SymServer needs: get, set,
// delete, flush. A real memcached client satisfies the same shape.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Delete(key string)
	Flush()
}

// Memory is an in-process Store backed by go-cache, mirroring the
// teacher's Memory wrapper in storage_memory.go (same library, same
// "no size bound, TTL-only expiry" shape — NewMemory(-1) there is this
// package's defaultTTL<=0 case here).
type Memory struct {
	db *cache.Cache
}

// NewMemory builds a Memory store. defaultTTL of zero or less means
// entries never expire unless overwritten or flushed, matching
// storage_memory.go's NewMemory(-1).
func NewMemory(defaultTTL time.Duration) *Memory {
	expiration := cache.NoExpiration
	if defaultTTL > 0 {
		expiration = defaultTTL
	}
	return &Memory{db: cache.New(expiration, time.Minute)}
}

// Get returns the string value for key, if present and unexpired.
func (m *Memory) Get(key string) (string, bool) {
	v, found := m.db.Get(key)
	if !found {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		applog.Warnf(key, "l1 entry is not a string, dropping")
		m.db.Delete(key)
		return "", false
	}
	return s, true
}

// Set stores value under key. ttl of zero uses the store's default
// expiration.
func (m *Memory) Set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	m.db.Set(key, value, ttl)
}

// Delete removes key, if present.
func (m *Memory) Delete(key string) {
	m.db.Delete(key)
}

// Flush drops every entry.
func (m *Memory) Flush() {
	m.db.Flush()
}

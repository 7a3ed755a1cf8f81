// Package cache stores decoded-ready GraphQL responses in Redis so repeated
// page requests do not hit the upstream API.
//
// Entries expire on their own through Redis TTLs. The expiry is taken from the
// upstream Cache-Control/Expires headers when present and from a configured
// fallback TTL otherwise.
//
//	manager := cache.NewManager(redisClient)
//	key := cache.Key{Operation: "GetEpisodes", Variables: map[string]string{"page": "2"}}
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then manager.Set(ctx, key, entry)
//	}
package cache

import (
	"time"
)

// Entry is a cached upstream response body.
type Entry struct {
	// Data is the raw response body
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return !time.Now().Before(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

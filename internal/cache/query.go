package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// QueryCache answers repeated search requests from memory within a TTL.
// Values are stored as serialized JSON so a hit returns byte-identical
// results to the response originally cached.
type QueryCache struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

// NewQueryCache creates the result cache.
func NewQueryCache(maxBytes int64, ttl time.Duration) (*QueryCache, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &QueryCache{cache: c, ttl: ttl}, nil
}

// Get returns the cached payload for a fingerprint.
func (q *QueryCache) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	return q.cache.Get(key)
}

// Set stores a payload under a fingerprint with the configured TTL. The
// write is waited on so a Get immediately after Set observes the entry.
func (q *QueryCache) Set(key string, payload []byte) {
	if key == "" {
		return
	}
	q.cache.SetWithTTL(key, payload, int64(len(payload)), q.ttl)
	q.cache.Wait()
}

// Invalidate drops all cached results. Called after a synchronization cycle
// commits new index state.
func (q *QueryCache) Invalidate() {
	q.cache.Clear()
}

// Close releases the cache's internal goroutines.
func (q *QueryCache) Close() {
	q.cache.Close()
}

// GetResponse deserializes a cached response of type T.
func GetResponse[T any](q *QueryCache, key string) (*T, bool) {
	payload, ok := q.Get(key)
	if !ok {
		return nil, false
	}
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, false
	}
	return &value, true
}

// SetResponse serializes and stores a response.
func SetResponse[T any](q *QueryCache, key string, value *T) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	q.Set(key, payload)
}

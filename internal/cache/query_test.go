package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func TestQueryFingerprintIsStable(t *testing.T) {
	a := QueryFingerprint(&fakeRequest{Query: "cats", Limit: 20})
	b := QueryFingerprint(&fakeRequest{Query: "cats", Limit: 20})
	c := QueryFingerprint(&fakeRequest{Query: "cats", Limit: 10})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, a)
}

func TestQueryCacheRoundTrip(t *testing.T) {
	qc, err := NewQueryCache(1<<20, time.Minute)
	require.NoError(t, err)
	defer qc.Close()

	key := QueryFingerprint(&fakeRequest{Query: "dogs", Limit: 5})
	qc.Set(key, []byte(`{"results":[]}`))

	payload, ok := qc.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"results":[]}`), payload)
}

func TestQueryCacheReturnsIdenticalBytes(t *testing.T) {
	qc, err := NewQueryCache(1<<20, time.Minute)
	require.NoError(t, err)
	defer qc.Close()

	type response struct {
		Results []string `json:"results"`
		Total   int      `json:"total"`
	}
	key := "q:fixed"
	SetResponse(qc, key, &response{Results: []string{"a", "b"}, Total: 2})

	first, ok := GetResponse[response](qc, key)
	require.True(t, ok)
	second, ok := GetResponse[response](qc, key)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a", "b"}, first.Results)
}

func TestQueryCacheExpiry(t *testing.T) {
	qc, err := NewQueryCache(1<<20, 50*time.Millisecond)
	require.NoError(t, err)
	defer qc.Close()

	qc.Set("q:short", []byte("payload"))
	_, ok := qc.Get("q:short")
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	_, ok = qc.Get("q:short")
	assert.False(t, ok, "entry must expire after the TTL")
}

func TestQueryCacheInvalidate(t *testing.T) {
	qc, err := NewQueryCache(1<<20, time.Minute)
	require.NoError(t, err)
	defer qc.Close()

	qc.Set("q:a", []byte("1"))
	qc.Set("q:b", []byte("2"))
	qc.Invalidate()

	_, ok := qc.Get("q:a")
	assert.False(t, ok)
	_, ok = qc.Get("q:b")
	assert.False(t, ok)
}

func TestQueryCacheUncacheableKey(t *testing.T) {
	qc, err := NewQueryCache(1<<20, time.Minute)
	require.NoError(t, err)
	defer qc.Close()

	qc.Set("", []byte("never stored"))
	_, ok := qc.Get("")
	assert.False(t, ok)
}

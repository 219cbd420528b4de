package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheServesFreshHitWithoutLoading(t *testing.T) {
	cache := NewReadCache()
	loads := 0
	load := func() (any, error) {
		loads++
		return "value", nil
	}

	v, degraded, err := cache.Fetch("k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.False(t, degraded)

	v, degraded, err = cache.Fetch("k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.False(t, degraded)
	assert.Equal(t, 1, loads)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	cache := NewReadCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	loads := 0
	load := func() (any, error) {
		loads++
		return loads, nil
	}

	_, _, err := cache.Fetch("k", load)
	require.NoError(t, err)

	now = now.Add(cacheTTL + time.Millisecond)
	v, degraded, err := cache.Fetch("k", load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.False(t, degraded)
}

func TestCacheServesStaleOnLoadFailure(t *testing.T) {
	cache := NewReadCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	_, _, err := cache.Fetch("k", func() (any, error) { return "good", nil })
	require.NoError(t, err)

	now = now.Add(cacheTTL + time.Millisecond)
	v, degraded, err := cache.Fetch("k", func() (any, error) { return nil, errors.New("db down") })
	require.NoError(t, err)
	assert.Equal(t, "good", v)
	assert.True(t, degraded)
}

func TestCacheFailureWithoutStaleValue(t *testing.T) {
	cache := NewReadCache()
	v, degraded, err := cache.Fetch("k", func() (any, error) { return nil, errors.New("db down") })
	require.Error(t, err)
	assert.Nil(t, v)
	assert.True(t, degraded)
}

func TestCacheEvictsOldestWrittenKey(t *testing.T) {
	cache := NewReadCache()
	for i := 0; i < cacheMaxKeys+1; i++ {
		key := fmt.Sprintf("k%d", i)
		_, _, err := cache.Fetch(key, func() (any, error) { return i, nil })
		require.NoError(t, err)
	}

	// k0 was written first and must be gone; the rest survive.
	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.NotContains(t, cache.items, "k0")
	assert.Contains(t, cache.items, "k1")
	assert.Contains(t, cache.items, fmt.Sprintf("k%d", cacheMaxKeys))
	assert.Len(t, cache.items, cacheMaxKeys)
}

package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetPut(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get("missing")
	assert.Equal(t, ErrKeyNotFound, err)

	require.NoError(t, store.Put("k1", []byte("v1")))
	value, err := store.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, store.Put("k1", []byte("v2")))
	value, err = store.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put("k1", []byte("v1")))

	require.NoError(t, store.Delete("k1"))
	_, err := store.Get("k1")
	assert.Equal(t, ErrKeyNotFound, err)

	// Deleting an absent key is a no-op, not an error.
	require.NoError(t, store.Delete("k1"))
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()
	assert.Empty(t, store.List())

	require.NoError(t, store.Put("a", []byte("1")))
	require.NoError(t, store.Put("b", []byte("2")))
	assert.ElementsMatch(t, []string{"a", "b"}, store.List())
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	assert.Equal(t, StoreStats{}, store.Stats())

	require.NoError(t, store.Put("a", []byte("12345")))
	require.NoError(t, store.Put("b", []byte("123")))
	assert.Equal(t, StoreStats{Keys: 2, Bytes: 8}, store.Stats())

	require.NoError(t, store.Delete("a"))
	assert.Equal(t, StoreStats{Keys: 1, Bytes: 3}, store.Stats())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()

	original := []byte("value")
	require.NoError(t, store.Put("k", original))
	original[0] = 'X'

	stored, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), stored, "a caller mutating its slice must not reach the store")

	stored[0] = 'Y'
	again, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again, "a caller mutating a returned slice must not reach the store")
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				_ = store.Put(key, []byte(key))
				_, _ = store.Get(key)
				_ = store.List()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 800, store.Stats().Keys)
}

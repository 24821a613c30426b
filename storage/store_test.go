package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns one of each Store implementation so the shared contract
// tests run against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStorePutGetDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(BucketPreKeys, "42")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(BucketPreKeys, "42", []byte("prekey material")))

			value, err := store.Get(BucketPreKeys, "42")
			require.NoError(t, err)
			assert.Equal(t, []byte("prekey material"), value)

			require.NoError(t, store.Put(BucketPreKeys, "42", []byte("replaced")))
			value, err = store.Get(BucketPreKeys, "42")
			require.NoError(t, err)
			assert.Equal(t, []byte("replaced"), value)

			require.NoError(t, store.Delete(BucketPreKeys, "42"))
			_, err = store.Get(BucketPreKeys, "42")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting again is not an error.
			require.NoError(t, store.Delete(BucketPreKeys, "42"))
		})
	}
}

func TestStoreBucketsAreIsolated(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(BucketSessions, "alice:1", []byte("session")))
			require.NoError(t, store.Put(BucketSenderKeys, "alice:1", []byte("sender key")))

			value, err := store.Get(BucketSessions, "alice:1")
			require.NoError(t, err)
			assert.Equal(t, []byte("session"), value)

			require.NoError(t, store.Delete(BucketSessions, "alice:1"))
			_, err = store.Get(BucketSenderKeys, "alice:1")
			assert.NoError(t, err)
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			keys, err := store.List(BucketPreKeys)
			require.NoError(t, err)
			assert.Empty(t, keys)

			require.NoError(t, store.Put(BucketPreKeys, "1", []byte("a")))
			require.NoError(t, store.Put(BucketPreKeys, "2", []byte("b")))
			require.NoError(t, store.Put(BucketPreKeys, "3", []byte("c")))

			keys, err = store.List(BucketPreKeys)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"1", "2", "3"}, keys)
		})
	}
}

func TestFileStoreKeysWithUnsafeCharacters(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := "user@example/../device:1"
	require.NoError(t, fs.Put(BucketSessions, key, []byte("v")))

	keys, err := fs.List(BucketSessions)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	value, err := fs.Get(BucketSessions, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Put(BucketIdentity, "local", []byte("identity")))
	require.NoError(t, fs.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	value, err := reopened.Get(BucketIdentity, "local")
	require.NoError(t, err)
	assert.Equal(t, []byte("identity"), value)
}

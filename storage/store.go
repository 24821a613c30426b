package storage

import "errors"

// ErrNotFound indicates the requested key does not exist in the bucket.
var ErrNotFound = errors.New("storage: key not found")

// Bucket names used by the engine. Managers never share a bucket.
const (
	BucketIdentity      = "identity"
	BucketSignedPreKeys = "signed-prekeys"
	BucketPreKeys       = "prekeys"
	BucketSessions      = "sessions"
	BucketSenderKeys    = "sender-keys"
	BucketHealing       = "healing"
)

// Store is the durable key-value abstraction the managers persist through.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(bucket, key string) ([]byte, error)
	// Put writes the value for key, replacing any existing value.
	Put(bucket, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(bucket, key string) error
	// List returns all keys in the bucket, in no particular order.
	List(bucket string) ([]string, error)
	// Close releases any resources held by the store.
	Close() error
}

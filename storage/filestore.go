package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileStore persists each record as one file under dataDir/bucket/. Keys are
// hex-encoded in filenames so arbitrary key strings stay filesystem-safe.
// Files are written 0600 and directories 0700: everything in here is key
// material.
type FileStore struct {
	mutex   sync.RWMutex
	dataDir string
}

// NewFileStore creates the data directory if needed and returns a store
// rooted there.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewFileStore",
		"data_dir": dataDir,
	}).Info("Opened file-backed key store")

	return &FileStore{dataDir: dataDir}, nil
}

func (fs *FileStore) path(bucket, key string) string {
	return filepath.Join(fs.dataDir, bucket, hex.EncodeToString([]byte(key))+".rec")
}

// Get returns the value for key, or ErrNotFound.
func (fs *FileStore) Get(bucket, key string) ([]byte, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	data, err := os.ReadFile(fs.path(bucket, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// Put writes the value for key, replacing any existing value.
func (fs *FileStore) Put(bucket, key string, value []byte) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	dir := filepath.Join(fs.dataDir, bucket)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create bucket directory: %w", err)
	}

	path := fs.path(bucket, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (fs *FileStore) Delete(bucket, key string) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if err := os.Remove(fs.path(bucket, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns all keys in the bucket. Files that do not decode as record
// names are skipped.
func (fs *FileStore) List(bucket string) ([]string, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	entries, err := os.ReadDir(filepath.Join(fs.dataDir, bucket))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".rec") {
			continue
		}
		decoded, err := hex.DecodeString(strings.TrimSuffix(name, ".rec"))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "List",
				"bucket":   bucket,
				"file":     name,
			}).Warn("Skipping record file with undecodable name")
			continue
		}
		keys = append(keys, string(decoded))
	}
	return keys, nil
}

// Close is a no-op; the store holds no open handles between calls.
func (fs *FileStore) Close() error {
	return nil
}

package mq

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// compile-time check
var _ Persistence = (*FileStore)(nil)

// FileStore implements Persistence using one file per key on disk: a
// per-clientID directory holding small, independently replaceable files
// rather than one large database file.
//
// File organization:
//
//	baseDir/
//	  clientID/
//	    <unpadded URL-safe base64 of "<tag>-<seqno>">
//
// Keys are namespaced ("o-12", "c5-3", ...) by persistenceKey. Each file
// is named by fileName, the key in unpadded URL-safe base64; Keys()
// decodes the names in the directory listing.
//
// All operations are synchronous. For async/batched writes, implement
// Persistence directly.
type FileStore struct {
	dir      string
	clientID string
	perm     os.FileMode
}

type fileStoreConfig struct {
	permissions os.FileMode
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*fileStoreConfig)

// WithPermissions sets the file permissions for stored files.
// Default is 0600 (owner read/write only), since stored records may
// contain message payloads and credentials-adjacent data.
func WithPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.permissions = perm
	}
}

// NewFileStore creates a file-based persistence store for the given
// client ID under baseDir. The baseDir will contain a subdirectory per
// client ID, so multiple clients can share one base directory.
func NewFileStore(baseDir, clientID string, opts ...FileStoreOption) (*FileStore, error) {
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if strings.Contains(clientID, "..") || strings.Contains(clientID, string(filepath.Separator)) {
		return nil, fmt.Errorf("clientID contains invalid characters")
	}

	cfg := &fileStoreConfig{permissions: 0600}
	for _, opt := range opts {
		opt(cfg)
	}

	dir := filepath.Join(baseDir, clientID)
	if err := os.MkdirAll(dir, cfg.permissions|0100); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{dir: dir, clientID: clientID, perm: cfg.permissions}, nil
}

// ClientID returns the client ID this store is bound to.
func (f *FileStore) ClientID() string {
	return f.clientID
}

// fileName maps a persistence key to a filesystem-safe name. Keys are
// already filesystem-safe ("tag-seqno"), but are base64-encoded anyway
// so a future key format change can't accidentally traverse directories.
func (f *FileStore) fileName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (f *FileStore) Put(key string, value []byte) error {
	path := filepath.Join(f.dir, f.fileName(key))
	if err := os.WriteFile(path, value, f.perm); err != nil {
		return fmt.Errorf("persistence: write %q: %w", key, err)
	}
	return nil
}

func (f *FileStore) Get(key string) ([]byte, bool, error) {
	path := filepath.Join(f.dir, f.fileName(key))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: read %q: %w", key, err)
	}
	return data, true, nil
}

func (f *FileStore) Remove(key string) error {
	path := filepath.Join(f.dir, f.fileName(key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persistence: remove %q: %w", key, err)
	}
	return nil
}

func (f *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("persistence: list %q: %w", f.dir, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil {
			continue // not one of ours
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

func (f *FileStore) Clear() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("persistence: list %q: %w", f.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_ = os.Remove(filepath.Join(f.dir, e.Name()))
	}
	return nil
}

func (f *FileStore) Close() error {
	return nil
}

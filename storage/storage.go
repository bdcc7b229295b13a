// Package storage keeps the original bytes of every archived message:
// one object per message, partitioned by list and month. The database
// holds the key, never the bytes. Two backends share the layout, a local
// filesystem store and an S3-compatible object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

// ErrNotFound is returned when a raw message object does not exist.
var ErrNotFound = errors.New("raw message not found")

// RawStore is the archive's append-only raw message storage. Write is
// create-only and idempotent for identical content: keys are derived
// from the content hash, so re-delivery of the same bytes lands on the
// same key. Writes of distinct messages are safely parallel.
type RawStore interface {
	// Write stores data under key if not already present and reports
	// whether a new object was created.
	Write(ctx context.Context, key string, data []byte) (created bool, err error)
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RawKey builds the canonical storage key for a message:
// <list>/<yyyy-mm>/<hashcode>. The hash is URL-safe base64 and therefore
// filesystem-safe.
func RawKey(listName string, date time.Time, hash string) string {
	return fmt.Sprintf("%s/%04d-%02d/%s", listName, date.Year(), int(date.Month()), hash)
}

// New builds the configured raw store backend.
func New(cfg *config.StorageConfig) (RawStore, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Root)
	case "s3":
		return NewS3Store(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// FileStore keeps one file per message under a base directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileStore) Write(ctx context.Context, key string, data []byte) (bool, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create message directory: %w", err)
	}

	// O_EXCL makes the write create-only: a concurrent identical delivery
	// loses the race harmlessly because the content is the same.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create message file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return false, fmt.Errorf("write message file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("close message file: %w", err)
	}
	return true, nil
}

func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read message file: %w", err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		// Deletion is idempotent.
		logger.Debug("STORAGE: delete of missing object", "key", key)
		return nil
	}
	return err
}

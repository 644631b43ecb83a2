package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	fileutil "sget/internal/file"
	"sget/internal/task"
)

// FileStore keeps the registry in a JSON file on the local filesystem.
type FileStore struct {
	path string
}

var _ task.Store = (*FileStore)(nil)

func NewFileStore(dataDir string) *FileStore {
	return NewFileStoreWithKey(dataDir, DefaultKey)
}

// NewFileStoreWithKey keeps the registry in dataDir under the given file name.
func NewFileStoreWithKey(dataDir, key string) *FileStore {
	if dataDir == "" {
		dataDir = "data"
	}
	return &FileStore{path: filepath.Join(dataDir, key)}
}

// Path of the registry document.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) LoadAll(ctx context.Context) ([]task.Snapshot, error) { //nolint:revive // context reserved for future use
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read downloads: %w", err)
	}
	return decode(b)
}

func (s *FileStore) SaveAll(ctx context.Context, tasks []task.Snapshot) error { //nolint:revive // context reserved for future use
	if err := fileutil.EnsureDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	return fileutil.WriteJSONAtomic(s.path, newDocument(tasks)) //nolint:wrapcheck
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rcliao/cadence/internal/domain"
)

// FileStore writes the snapshot as JSON to <base>/.cadence/snapshot.json.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

func NewFileStore(basePath string) (*FileStore, error) {
	fs := &FileStore{
		basePath: basePath,
	}

	if err := os.MkdirAll(fs.dir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to initialize file storage: %w", err)
	}

	return fs, nil
}

func (fs *FileStore) dir() string {
	return filepath.Join(fs.basePath, ".cadence")
}

func (fs *FileStore) Path() string {
	return filepath.Join(fs.dir(), "snapshot.json")
}

func (fs *FileStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil {
		return domain.Invalidf("snapshot", "snapshot is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.saveJSON(fs.Path(), snap)
}

func (fs *FileStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var snap domain.Snapshot
	err := fs.loadJSON(fs.Path(), &snap)
	if os.IsNotExist(err) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", fs.Path(), err)
	}
	return &snap, nil
}

func (fs *FileStore) Close() error { return nil }

// saveJSON replaces path through a temp file and a rename.
func (fs *FileStore) saveJSON(path string, data interface{}) error {
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	return os.Rename(tempPath, path)
}

func (fs *FileStore) loadJSON(path string, target interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(target)
}

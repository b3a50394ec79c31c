package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists snapshots as JSON files in a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the snapshot and returns its file path.
func (s *FileStore) Save(_ context.Context, snapshot *Snapshot) (string, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("collect-%s.json", snapshot.RunID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// Load reads a snapshot from the given path.
func (s *FileStore) Load(_ context.Context, ref string) (*Snapshot, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Version != Version {
		return nil, fmt.Errorf("unsupported snapshot version %d", snapshot.Version)
	}
	return &snapshot, nil
}

// File: internal/state/filestore.go
package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileStore keeps the state document in a single JSON file.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore returns a store backed by the file at path. The file and
// its directory are created on the first save.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger.Named("state.file")}
}

// Path returns the file the store reads and writes.
func (f *FileStore) Path() string { return f.path }

// Load reads the state file. A missing or unreadable file yields an empty
// state so that a damaged file never blocks a run.
func (f *FileStore) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		f.logger.Warn("Could not read state file, starting empty.", zap.String("path", f.path), zap.Error(err))
		return New(), nil
	}

	st, err := Decode(data)
	if err != nil {
		f.logger.Warn("State file is corrupt, starting empty.", zap.String("path", f.path), zap.Error(err))
		return New(), nil
	}
	return st, nil
}

// Save writes the state to a temporary file next to the target and renames
// it into place, so readers never observe a partial document.
func (f *FileStore) Save(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(st)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Only still present when something below failed.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", f.path, err)
	}

	f.logger.Debug("State saved.", zap.String("path", f.path), zap.Int("seen", len(st.Seen)))
	return nil
}

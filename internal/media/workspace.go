package media

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is a private per-run scratch directory.
type Workspace struct {
	Dir string
}

// NewWorkspace creates root/<uuid>. An empty root uses os.TempDir().
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Close removes the workspace and everything in it.
func (w *Workspace) Close() error {
	return os.RemoveAll(w.Dir)
}

// ResolveSource returns path if it exists. Otherwise it looks for a file
// with the same base name in uploadsDir.
func ResolveSource(path, uploadsDir string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if uploadsDir != "" {
		alt := filepath.Join(uploadsDir, filepath.Base(path))
		if _, err := os.Stat(alt); err == nil {
			return alt, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSourceMissing, path)
}

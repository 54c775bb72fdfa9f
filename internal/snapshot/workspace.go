package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

// StatusRemoved marks a file deleted by the commit that last touched it
const StatusRemoved = "removed"

// Workspace is a disposable directory holding one snapshot's files.
// It belongs to a single contribution and must be closed after evaluation.
type Workspace struct {
	dir          string
	root         *os.Root
	paths        []string
	maxFileBytes int
}

// Materialize writes the snapshot's files to a fresh temporary directory.
// Removed files are listed but not written. Paths that are absolute or
// escape the workspace are rejected.
func Materialize(snap *types.SnapshotInfo, maxFileBytes int) (*Workspace, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}

	dir, err := os.MkdirTemp("", "contrib-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	ws := &Workspace{dir: dir, maxFileBytes: maxFileBytes}

	for path, f := range snap.ModifiedFiles {
		if !filepath.IsLocal(filepath.FromSlash(path)) {
			_ = os.RemoveAll(dir)
			return nil, &PathError{Path: path, Message: "path escapes workspace"}
		}
		ws.paths = append(ws.paths, path)
		if f.Status == StatusRemoved {
			continue
		}
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	sort.Strings(ws.paths)

	root, err := os.OpenRoot(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	ws.root = root
	return ws, nil
}

// Dir returns the workspace directory
func (w *Workspace) Dir() string {
	return w.dir
}

// List returns every snapshot path, sorted
func (w *Workspace) List() []string {
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// Read returns the content of a file, truncated to the workspace's byte limit.
// The second result reports whether truncation happened.
func (w *Workspace) Read(path string) (string, bool, error) {
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", false, &PathError{Path: path, Message: "path escapes workspace"}
	}
	f, err := w.root.Open(filepath.FromSlash(path))
	if err != nil {
		return "", false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if w.maxFileBytes > 0 {
		r = io.LimitReader(f, int64(w.maxFileBytes)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if w.maxFileBytes > 0 && len(data) > w.maxFileBytes {
		return string(data[:w.maxFileBytes]), true, nil
	}
	return string(data), false, nil
}

// Close removes the workspace from disk
func (w *Workspace) Close() error {
	if w.root != nil {
		_ = w.root.Close()
	}
	return os.RemoveAll(w.dir)
}

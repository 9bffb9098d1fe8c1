package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/transaction"
)

// fileStagedWrite buffers a pending write in a temp file under
// cachePath/.staging, following the teacher backend's temp-file-then-rename
// idiom for the staging half of that pattern.
type fileStagedWrite struct {
	f      *os.File
	path   string
	closed bool
}

func (w *fileStagedWrite) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *fileStagedWrite) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("syncing staged write: %w", err)
	}
	return w.f.Close()
}

func (w *fileStagedWrite) Reopen() (io.ReadCloser, error) {
	return os.Open(w.path)
}

func (w *fileStagedWrite) Discard() error {
	if !w.closed {
		_ = w.f.Close()
		w.closed = true
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staged file: %w", err)
	}
	return nil
}

// newStaging returns a transaction.Staging that stages each declared write
// in its own temp file under cachePath/.staging.
func newStaging(cachePath string) transaction.Staging {
	return func(kind assetcache.Kind, _ int64) (transaction.StagedWrite, error) {
		dir := filepath.Join(cachePath, ".staging")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating staging directory: %w", err)
		}
		f, err := os.CreateTemp(dir, fmt.Sprintf("%s-*", kind))
		if err != nil {
			return nil, fmt.Errorf("creating staged file: %w", err)
		}
		return &fileStagedWrite{f: f, path: f.Name()}, nil
	}
}

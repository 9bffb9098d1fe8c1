// Package filesystem implements the cache engine contract over a local
// directory tree, following the teacher backend's temp-file-then-rename
// idiom for atomic commits and relying on POSIX open-file-replace semantics
// for read-during-replace snapshot isolation.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/engine"
	"github.com/pipeline-cache/assetcache/reliability"
	"github.com/pipeline-cache/assetcache/transaction"
)

// Engine is the filesystem-backed cache engine backend. It has no shared
// mutable state beyond the in-process reliability filter; durability and
// atomicity come from the filesystem itself.
type Engine struct {
	mu        sync.RWMutex
	cachePath string

	highReliability bool
	reliability     *reliability.Filter
}

// New constructs an uninitialized filesystem engine. Call Init before use.
func New() *Engine {
	return &Engine{}
}

// Init creates cachePath if absent. A second call only toggling
// HighReliability reconfigures the reliability filter in place.
func (e *Engine) Init(opts engine.Options) error {
	if opts.CachePath == "" {
		return fmt.Errorf("%w: CachePath is required", assetcache.ErrInvalidArgument)
	}
	if err := os.MkdirAll(opts.CachePath, 0o755); err != nil {
		return fmt.Errorf("%w: creating cache directory: %v", assetcache.ErrIO, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cachePath = opts.CachePath
	e.highReliability = opts.HighReliability
	if opts.HighReliability && e.reliability == nil {
		e.reliability = reliability.NewFilter(opts.ReliabilityThreshold)
	}
	if !opts.HighReliability {
		e.reliability = nil
	}
	return nil
}

// Shutdown is a no-op for the filesystem backend: every committed byte is
// already durable on disk.
func (e *Engine) Shutdown(ctx context.Context) error { return nil }

// CreatePutTransaction allocates a new filesystem-staged put-transaction.
func (e *Engine) CreatePutTransaction(guid assetcache.GUID, hash assetcache.Hash) (*transaction.PutTransaction, error) {
	e.mu.RLock()
	cachePath := e.cachePath
	e.mu.RUnlock()
	return transaction.New(guid, hash, newStaging(cachePath)), nil
}

// EndPutTransaction finalizes trx and, unless the reliability filter defers
// admission, publishes its files into the directory tree via atomic rename.
func (e *Engine) EndPutTransaction(ctx context.Context, trx *transaction.PutTransaction) error {
	if err := trx.Finalize(); err != nil {
		_ = trx.Close()
		return err
	}

	files := trx.Files()
	key := assetcache.VersionKey{GUID: trx.GUID(), Hash: trx.Hash()}

	e.mu.RLock()
	highReliability := e.highReliability
	filter := e.reliability
	cachePath := e.cachePath
	e.mu.RUnlock()

	if highReliability {
		obs, err := reliability.ObservationFromFiles(files)
		if err != nil {
			trx.Invalidate()
			_ = trx.Close()
			return err
		}
		admitted, _ := filter.Observe(ctx, key, obs)
		if !admitted {
			trx.Invalidate()
			_ = trx.Close()
			return nil
		}
	}

	_, err := publish(cachePath, trx.GUID(), trx.Hash(), files)
	_ = trx.Close()
	return err
}

// publish copies each completed file into a temp file beside its final
// destination, then atomically renames it into place. A reader with an
// already-open file descriptor on the prior inode continues to observe it
// even after the rename.
func publish(cachePath string, guid assetcache.GUID, hash assetcache.Hash, files []transaction.CompletedFile) (int64, error) {
	var total int64
	for _, f := range files {
		r, err := f.Open()
		if err != nil {
			return total, fmt.Errorf("%w: reopening kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}

		dst := pathFor(cachePath, f.Kind, guid, hash)
		dir := filepath.Dir(dst)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = r.Close()
			return total, fmt.Errorf("%w: creating version directory: %v", assetcache.ErrIO, err)
		}

		tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s-*", f.Kind))
		if err != nil {
			_ = r.Close()
			return total, fmt.Errorf("%w: creating publish temp file: %v", assetcache.ErrIO, err)
		}
		n, err := io.Copy(tmp, r)
		_ = r.Close()
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return total, fmt.Errorf("%w: writing kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return total, fmt.Errorf("%w: syncing kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return total, fmt.Errorf("%w: closing kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			_ = os.Remove(tmp.Name())
			return total, fmt.Errorf("%w: publishing kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		total += n
	}
	return total, nil
}

// GetFileInfo reports the size of the currently published (kind, guid, hash).
func (e *Engine) GetFileInfo(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (engine.FileInfo, error) {
	key, err := assetcache.NewFileKey(kind, guid, hash)
	if err != nil {
		return engine.FileInfo{}, err
	}

	e.mu.RLock()
	path := pathFor(e.cachePath, kind, guid, hash)
	e.mu.RUnlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.FileInfo{}, fmt.Errorf("%w: %s", assetcache.ErrNotFound, key)
		}
		return engine.FileInfo{}, fmt.Errorf("%w: stat: %v", assetcache.ErrIO, err)
	}
	return engine.FileInfo{Size: info.Size()}, nil
}

// GetFileStream opens the currently published file for (kind, guid, hash).
// Because publish replaces files via rename, a descriptor opened here keeps
// reading the inode that was current at open time even if a concurrent
// transaction publishes a new version before the read finishes.
func (e *Engine) GetFileStream(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (io.ReadCloser, error) {
	key, err := assetcache.NewFileKey(kind, guid, hash)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	path := pathFor(e.cachePath, kind, guid, hash)
	e.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", assetcache.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: opening: %v", assetcache.ErrIO, err)
	}
	return f, nil
}

// Clustering reports that multiple Engine instances cannot safely share the
// same CachePath: the filesystem backend provides no cross-process
// coordination beyond atomic rename of a single file at a time.
func (e *Engine) Clustering() bool { return false }

// pathFor derives a version's on-disk location from its key, splitting by
// kind and a two-character GUID prefix to keep any single directory from
// growing unbounded.
func pathFor(cachePath string, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) string {
	guidHex := guid.String()
	return filepath.Join(cachePath, kind.String(), guidHex[:2], guidHex, hash.String())
}

var _ engine.Engine = (*Engine)(nil)

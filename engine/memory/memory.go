// Package memory implements the cache engine contract over a paged
// in-memory page pool with free-list allocation, following the same
// finalize/publish split as the filesystem backend but trading directory
// entries for byte ranges within shared page buffers.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/engine"
	"github.com/pipeline-cache/assetcache/persistence"
	"github.com/pipeline-cache/assetcache/reliability"
	"github.com/pipeline-cache/assetcache/telemetry"
	"github.com/pipeline-cache/assetcache/transaction"
)

// versionEntry is one FileKey's current storage location plus the
// bookkeeping needed to keep a superseded region alive until every reader
// that opened it has finished.
type versionEntry struct {
	block      block
	size       int64
	refCount   int
	superseded bool
}

// Engine is the paged in-memory cache engine backend.
type Engine struct {
	mu          sync.Mutex
	alloc       *allocator
	index       map[assetcache.FileKey]*versionEntry
	persistence engine.Adapter

	highReliability bool
	reliability     *reliability.Filter

	initialized bool
}

// New constructs an uninitialized memory engine. Call Init before use.
func New() *Engine {
	return &Engine{index: make(map[assetcache.FileKey]*versionEntry)}
}

// Init prepares the page pool, restoring it from the persistence adapter if
// a prior snapshot exists. A second call only toggling HighReliability
// reconfigures the reliability filter in place without touching the index.
func (e *Engine) Init(opts engine.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		e.reconfigureReliabilityLocked(opts)
		return nil
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = engine.DefaultPageSize
	}
	minFreeBlockSize := opts.MinFreeBlockSize
	if minFreeBlockSize <= 0 {
		minFreeBlockSize = engine.DefaultMinFreeBlockSize
	}

	adapter := opts.Persistence
	if adapter == nil {
		adapter = persistence.NewNoop()
	}
	e.persistence = adapter
	e.alloc = newAllocator(pageSize, minFreeBlockSize)

	blob, err := adapter.LoadDatabase()
	if err != nil {
		return fmt.Errorf("%w: loading persisted snapshot: %v", assetcache.ErrIO, err)
	}
	if blob != nil {
		snap, err := decodeSnapshot(blob)
		if err != nil {
			return err
		}
		e.restore(snap)
	}

	e.reconfigureReliabilityLocked(opts)
	e.initialized = true
	return nil
}

func (e *Engine) reconfigureReliabilityLocked(opts engine.Options) {
	e.highReliability = opts.HighReliability
	if opts.HighReliability && e.reliability == nil {
		e.reliability = reliability.NewFilter(opts.ReliabilityThreshold)
	}
	if !opts.HighReliability {
		e.reliability = nil
	}
}

// Shutdown persists the current snapshot and marks the engine uninitialized.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}
	blob, err := encodeSnapshot(e.snapshot())
	if err != nil {
		return err
	}
	if err := e.persistence.SaveDatabase(blob); err != nil {
		return fmt.Errorf("%w: persisting snapshot: %v", assetcache.ErrIO, err)
	}
	e.initialized = false
	return nil
}

// CreatePutTransaction allocates a new in-memory put-transaction.
func (e *Engine) CreatePutTransaction(guid assetcache.GUID, hash assetcache.Hash) (*transaction.PutTransaction, error) {
	return transaction.New(guid, hash, staging), nil
}

// EndPutTransaction finalizes trx and, unless the reliability filter defers
// admission, publishes its files into the page pool.
func (e *Engine) EndPutTransaction(ctx context.Context, trx *transaction.PutTransaction) error {
	if err := trx.Finalize(); err != nil {
		_ = trx.Close()
		return err
	}

	files := trx.Files()
	key := assetcache.VersionKey{GUID: trx.GUID(), Hash: trx.Hash()}

	if e.highReliabilityEnabled() {
		obs, err := reliability.ObservationFromFiles(files)
		if err != nil {
			trx.Invalidate()
			_ = trx.Close()
			return err
		}
		admitted, _ := e.observeReliability(ctx, key, obs)
		if !admitted {
			trx.Invalidate()
			_ = trx.Close()
			return nil
		}
	}

	_, err := e.publish(ctx, trx.GUID(), trx.Hash(), files)
	_ = trx.Close()
	return err
}

func (e *Engine) highReliabilityEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highReliability
}

func (e *Engine) observeReliability(ctx context.Context, key assetcache.VersionKey, obs reliability.Observation) (admitted, locked bool) {
	e.mu.Lock()
	filter := e.reliability
	e.mu.Unlock()
	return filter.Observe(ctx, key, obs)
}

// publish copies each completed file's bytes into a freshly allocated page
// region and atomically swaps the index entry, retiring any previous region
// once its outstanding read snapshots drop to zero.
func (e *Engine) publish(ctx context.Context, guid assetcache.GUID, hash assetcache.Hash, files []transaction.CompletedFile) (int64, error) {
	var total int64
	for _, f := range files {
		r, err := f.Open()
		if err != nil {
			return total, fmt.Errorf("%w: reopening kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, r)
		_ = r.Close()
		if err != nil {
			return total, fmt.Errorf("%w: reading kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}

		key, err := assetcache.NewFileKey(f.Kind, guid, hash)
		if err != nil {
			return total, err
		}

		e.mu.Lock()
		b := e.alloc.allocate(int64(buf.Len()))
		copy(e.alloc.bytes(b), buf.Bytes())

		prev := e.index[key]
		e.index[key] = &versionEntry{block: b, size: int64(buf.Len())}
		if prev != nil {
			prev.superseded = true
			if prev.refCount == 0 {
				e.alloc.releaseBlock(prev.block)
			}
		}
		freeBytes, pages := e.alloc.freeBytes(), e.alloc.pageCount()
		e.mu.Unlock()

		telemetry.UpdateAllocatorState(ctx, freeBytes, pages)
		total += int64(buf.Len())
	}
	return total, nil
}

// GetFileInfo reports the size of the currently published (kind, guid, hash).
func (e *Engine) GetFileInfo(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (engine.FileInfo, error) {
	key, err := assetcache.NewFileKey(kind, guid, hash)
	if err != nil {
		return engine.FileInfo{}, err
	}

	e.mu.Lock()
	ent, ok := e.index[key]
	e.mu.Unlock()
	if !ok {
		return engine.FileInfo{}, fmt.Errorf("%w: %s", assetcache.ErrNotFound, key)
	}
	return engine.FileInfo{Size: ent.size}, nil
}

// GetFileStream returns a reference-counted snapshot reader over the
// currently published bytes of (kind, guid, hash). The returned stream
// continues to observe these bytes even if a newer version is published
// before it is closed.
func (e *Engine) GetFileStream(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (io.ReadCloser, error) {
	key, err := assetcache.NewFileKey(kind, guid, hash)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	ent, ok := e.index[key]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", assetcache.ErrNotFound, key)
	}
	ent.refCount++
	view := e.alloc.bytes(ent.block)[:ent.size]
	e.mu.Unlock()

	return &snapshotStream{eng: e, entry: ent, r: bytes.NewReader(view)}, nil
}

// snapshotStream is the reference-counted read handle backing
// GetFileStream's snapshot-isolation guarantee.
type snapshotStream struct {
	eng    *Engine
	entry  *versionEntry
	r      *bytes.Reader
	closed bool
}

func (s *snapshotStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *snapshotStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.eng.mu.Lock()
	s.entry.refCount--
	if s.entry.superseded && s.entry.refCount == 0 {
		s.eng.alloc.releaseBlock(s.entry.block)
	}
	s.eng.mu.Unlock()
	return nil
}

// Clustering reports that independent Engine instances cannot safely share
// state; each process owns its own page pool.
func (e *Engine) Clustering() bool { return false }

var _ engine.Engine = (*Engine)(nil)

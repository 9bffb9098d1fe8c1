// Package engine defines the cache engine contract shared by the paged
// in-memory backend and the filesystem backend: transaction creation and
// commit, read access, and lifecycle management.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/transaction"
)

// FileInfo describes a committed blob.
type FileInfo struct {
	Size int64
}

// Options configures an Engine's Init call. Fields not relevant to a given
// backend are ignored by that backend.
type Options struct {
	// CachePath is the directory an engine's backing store lives under.
	CachePath string

	// PageSize is the memory backend's page size in bytes. Default 1 MiB.
	PageSize int64

	// MinFreeBlockSize is the memory backend's hard lower bound on a
	// tracked free block. Default 1 KiB.
	MinFreeBlockSize int64

	// Persistence is the memory backend's metadata persistence adapter. A
	// nil value selects a no-op adapter suitable for tests.
	Persistence Adapter

	// HighReliability gates commits behind the N-of-N matching-payload
	// admission filter described in reliability.Filter.
	HighReliability bool

	// ReliabilityThreshold is the number of additional matching
	// observations, beyond the first, required before a version is
	// admitted when HighReliability is set.
	ReliabilityThreshold int
}

// Adapter persists and restores the memory backend's page layout, free
// list, and index metadata. It is the "persistenceOptions.adapter"
// collaborator from the external interface configuration.
type Adapter interface {
	SaveDatabase(blob []byte) error
	LoadDatabase() ([]byte, error)
}

// Engine is the capability set both backends implement: create and commit
// transactions, serve reads, and report lifecycle. It is a capability set
// rather than a type-identity switch, since Go has no dynamic dispatch
// across unrelated concrete types beyond interface satisfaction.
type Engine interface {
	// Init prepares the backing store. Idempotent if already initialized
	// with the same options; a second call that toggles HighReliability
	// reconfigures the reliability filter in place without aborting
	// in-flight transactions. A second call that changes only
	// ReliabilityThreshold while HighReliability stays set keeps the
	// existing filter and its original threshold.
	Init(opts Options) error

	// Shutdown persists metadata (memory backend) and releases resources.
	// Neither backend rejects operations issued after Shutdown; the memory
	// backend reloads its persisted snapshot on the next Init.
	Shutdown(ctx context.Context) error

	// CreatePutTransaction allocates a new transaction for (guid, hash).
	CreatePutTransaction(guid assetcache.GUID, hash assetcache.Hash) (*transaction.PutTransaction, error)

	// EndPutTransaction finalizes trx and, unless finalize fails or the
	// reliability filter defers admission, atomically publishes the new
	// version.
	EndPutTransaction(ctx context.Context, trx *transaction.PutTransaction) error

	// GetFileInfo reports the size of the currently published version of
	// (kind, guid, hash). Returns assetcache.ErrNotFound if absent, or, in
	// high reliability mode, not yet admitted.
	GetFileInfo(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (FileInfo, error)

	// GetFileStream returns a stream over the currently published bytes of
	// (kind, guid, hash). The returned stream continues to observe the
	// version that was current at open time even if a newer version is
	// published before the stream is fully read.
	GetFileStream(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (io.ReadCloser, error)

	// Clustering reports whether multiple Engine instances may safely
	// share the same CachePath concurrently. Both backends report false.
	Clustering() bool
}

// DefaultPageSize is the memory backend's default page size.
const DefaultPageSize = 1 << 20 // 1 MiB

// DefaultMinFreeBlockSize is the memory backend's default minimum tracked
// free block size.
const DefaultMinFreeBlockSize = 1 << 10 // 1 KiB

// DefaultShutdownTimeout is the deadline cmd/assetcached places on the
// context it passes to Shutdown. Neither backend's Shutdown reads that
// context, so the deadline does not cut a persistence flush short.
const DefaultShutdownTimeout = 10 * time.Second

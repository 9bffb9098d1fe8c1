// Package transaction implements the put-transaction state machine: an
// ephemeral staging object that buffers up to three pending writes for a
// single (guid, hash) version and atomically finalizes them.
package transaction

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/pipeline-cache/assetcache"
)

// State is a put-transaction's position in its Open -> Finalizing ->
// (Committed | Failed | Invalidated) state machine.
type State int

const (
	StateOpen State = iota
	StateFinalizing
	StateCommitted
	StateFailed
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// StagedWrite is a single kind's staging sink. An engine backend supplies
// one per pending write via a Staging factory; the transaction writes
// declared bytes into it, then reopens it to copy the bytes into final
// storage at commit time.
type StagedWrite interface {
	io.Writer

	// Close finishes staging. After Close, the sink is read-only.
	Close() error

	// Reopen returns a fresh reader over everything written, valid after
	// Close. Each call returns an independent reader.
	Reopen() (io.ReadCloser, error)

	// Discard releases the staging resource (temp file removal, buffer
	// release). Safe to call multiple times.
	Discard() error
}

// Staging creates a StagedWrite for a declared pending write. Backends
// implement this to choose where bytes land during staging (an in-memory
// buffer for the memory backend, a temp file under cachePath/.staging for
// the filesystem backend).
type Staging func(kind assetcache.Kind, declaredSize int64) (StagedWrite, error)

// CompletedFile describes one kind's bytes after a successful finalize.
type CompletedFile struct {
	Kind assetcache.Kind
	Size int64

	staged StagedWrite
}

// Open returns a fresh reader over the completed file's bytes.
func (f CompletedFile) Open() (io.ReadCloser, error) {
	return f.staged.Reopen()
}

type pendingWrite struct {
	kind         assetcache.Kind
	declaredSize int64
	written      int64
	sink         StagedWrite
	closed       bool
}

// PutTransaction buffers up to three pending writes (kinds i, a, r) for a
// single (guid, hash) version and atomically finalizes them. It is created
// by a cache engine and does not retain a reference back to it: the engine
// calls Finalize itself and reads Files afterwards, rather than the
// transaction calling back into engine internals.
type PutTransaction struct {
	id      uuid.UUID
	guid    assetcache.GUID
	hash    assetcache.Hash
	staging Staging

	mu         sync.Mutex
	state      State
	pending    map[assetcache.Kind]*pendingWrite
	closeOrder []assetcache.Kind
	manifest   []assetcache.Kind
	files      []CompletedFile
	observers  []func(*PutTransaction)
	done       chan struct{}
}

// New creates an open put-transaction for (guid, hash). staging is consulted
// once per call to GetWriteStream to obtain a place to buffer that kind's
// bytes.
func New(guid assetcache.GUID, hash assetcache.Hash, staging Staging) *PutTransaction {
	return &PutTransaction{
		id:      uuid.New(),
		guid:    guid,
		hash:    hash,
		staging: staging,
		state:   StateOpen,
		pending: make(map[assetcache.Kind]*pendingWrite),
		done:    make(chan struct{}),
	}
}

// ID returns the transaction's randomly generated identifier. Staging
// locations are not derived from it: the filesystem backend stages each
// write as a temp file directly under cachePath/.staging.
func (t *PutTransaction) ID() uuid.UUID { return t.id }

// GUID returns the asset GUID this transaction is writing a version for.
func (t *PutTransaction) GUID() assetcache.GUID { return t.guid }

// Hash returns the version hash this transaction is writing.
func (t *PutTransaction) Hash() assetcache.Hash { return t.hash }

// GetWriteStream allocates a pending-write slot for kind and returns a
// stream that counts bytes written. size must be > 0 and kind must be one
// of the recognised kinds; a given kind may be declared at most once per
// transaction.
func (t *PutTransaction) GetWriteStream(kind assetcache.Kind, size int64) (io.WriteCloser, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", assetcache.ErrInvalidArgument, rune(kind))
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", assetcache.ErrInvalidArgument, size)
	}

	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return nil, assetcache.ErrAlreadyFinalized
	}
	if _, exists := t.pending[kind]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: kind %q already declared", assetcache.ErrInvalidArgument, kind)
	}

	sink, err := t.staging(kind, size)
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: allocating staging sink: %v", assetcache.ErrIO, err)
	}

	pw := &pendingWrite{kind: kind, declaredSize: size, sink: sink}
	t.pending[kind] = pw
	t.mu.Unlock()

	return &writeStream{t: t, pw: pw}, nil
}

// writeStream is the io.WriteCloser handed back by GetWriteStream. Write
// and Close are each a suspension point in the source specification's
// cooperative-scheduler model; here they simply forward to the staging
// sink under the transaction's lock.
type writeStream struct {
	t  *PutTransaction
	pw *pendingWrite
}

func (w *writeStream) Write(p []byte) (int, error) {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	if w.pw.closed {
		return 0, fmt.Errorf("%w: write after close", assetcache.ErrInvalidArgument)
	}
	n, err := w.pw.sink.Write(p)
	w.pw.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %v", assetcache.ErrIO, err)
	}
	return n, nil
}

func (w *writeStream) Close() error {
	w.t.mu.Lock()
	if w.pw.closed {
		w.t.mu.Unlock()
		return nil
	}
	w.pw.closed = true
	err := w.pw.sink.Close()
	w.t.closeOrder = append(w.t.closeOrder, w.pw.kind)
	w.t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: closing staging sink: %v", assetcache.ErrIO, err)
	}
	return nil
}

// OnFinalize registers an observer invoked exactly once, after a
// successful Finalize. If Finalize has already succeeded, fn is invoked
// immediately.
func (t *PutTransaction) OnFinalize(fn func(*PutTransaction)) {
	t.mu.Lock()
	if t.state == StateCommitted {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Done returns a channel closed once Finalize has run to a terminal
// outcome (Committed or Failed). It lets callers built on a parallel
// runtime await finalize as a suspension point rather than a callback.
func (t *PutTransaction) Done() <-chan struct{} { return t.done }

// Finalize closes out every pending write, requiring bytesWritten to equal
// declaredSize for each. On success it populates Manifest and Files in
// completion order and notifies OnFinalize observers; on failure no kind
// from this transaction becomes observable anywhere.
func (t *PutTransaction) Finalize() error {
	t.mu.Lock()
	if t.state != StateOpen {
		state := t.state
		t.mu.Unlock()
		if state == StateCommitted {
			return nil
		}
		return assetcache.ErrAlreadyFinalized
	}
	t.state = StateFinalizing

	for _, pw := range t.pending {
		if !pw.closed {
			t.state = StateFailed
			t.mu.Unlock()
			close(t.done)
			return fmt.Errorf("%w: kind %q stream not closed", assetcache.ErrIncompleteWrite, pw.kind)
		}
		if pw.written != pw.declaredSize {
			t.state = StateFailed
			t.mu.Unlock()
			close(t.done)
			return fmt.Errorf("%w: kind %q wrote %d of %d declared bytes",
				assetcache.ErrIncompleteWrite, pw.kind, pw.written, pw.declaredSize)
		}
	}

	manifest := make([]assetcache.Kind, len(t.closeOrder))
	copy(manifest, t.closeOrder)
	files := make([]CompletedFile, 0, len(manifest))
	for _, kind := range manifest {
		pw := t.pending[kind]
		files = append(files, CompletedFile{Kind: kind, Size: pw.written, staged: pw.sink})
	}

	t.manifest = manifest
	t.files = files
	t.state = StateCommitted

	observers := make([]func(*PutTransaction), len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()
	close(t.done)

	for _, fn := range observers {
		fn(t)
	}
	return nil
}

// Invalidate forces the transaction into the Invalidated state, clearing
// Files and Manifest so IsValid reports false even if Finalize previously
// succeeded. Safe to call after Finalize, and safe to call more than once.
func (t *PutTransaction) Invalidate() {
	t.mu.Lock()
	alreadyDone := t.state == StateOpen || t.state == StateFinalizing
	t.state = StateInvalidated
	t.manifest = nil
	files := t.files
	t.files = nil
	t.mu.Unlock()

	for _, f := range files {
		_ = f.staged.Discard()
	}
	if alreadyDone {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
}

// IsValid reports whether the transaction has a currently-committed,
// unrevoked set of files.
func (t *PutTransaction) IsValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateCommitted
}

// State returns the transaction's current state machine position.
func (t *PutTransaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Manifest returns the kinds completed by this transaction, in completion
// order. It is empty until a successful Finalize and after Invalidate.
func (t *PutTransaction) Manifest() []assetcache.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]assetcache.Kind, len(t.manifest))
	copy(out, t.manifest)
	return out
}

// Files returns the completed files resulting from a successful Finalize,
// in completion order. It is empty until Finalize succeeds and after
// Invalidate.
func (t *PutTransaction) Files() []CompletedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CompletedFile, len(t.files))
	copy(out, t.files)
	return out
}

// WriteFilesToPath materialises each completed file into targetDir, naming
// each file after its kind, and returns the written paths. Valid only
// after a successful Finalize.
func (t *PutTransaction) WriteFilesToPath(targetDir string) ([]string, error) {
	files := t.Files()
	if len(files) == 0 && t.State() != StateCommitted {
		return nil, fmt.Errorf("%w: transaction not finalized", assetcache.ErrInvalidArgument)
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		r, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: reopening kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		path, err := writeKindFile(targetDir, f.Kind, r)
		_ = r.Close()
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Close releases every staging resource held by the transaction. It is
// idempotent and safe to call regardless of the transaction's terminal
// state; callers should defer it once they no longer need WriteFilesToPath
// or the engine has finished copying bytes into permanent storage.
func (t *PutTransaction) Close() error {
	t.mu.Lock()
	pending := make([]*pendingWrite, 0, len(t.pending))
	for _, pw := range t.pending {
		pending = append(pending, pw)
	}
	t.mu.Unlock()

	var firstErr error
	for _, pw := range pending {
		if err := pw.sink.Discard(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package assetcache

import "errors"

// Sentinel errors surfaced by the cache engine contract and the
// put-transaction state machine. Wrap with fmt.Errorf("...: %w", err) when
// adding context; callers should match with errors.Is.
var (
	// ErrNotFound is returned when a key is not in the index, or, in high
	// reliability mode, not yet admitted.
	ErrNotFound = errors.New("assetcache: not found")

	// ErrInvalidArgument is returned for a zero/negative size, an unknown
	// kind, or a malformed key.
	ErrInvalidArgument = errors.New("assetcache: invalid argument")

	// ErrIncompleteWrite is returned when a pending write's byte count does
	// not match its declared size at finalize time.
	ErrIncompleteWrite = errors.New("assetcache: incomplete write")

	// ErrAlreadyFinalized is returned for an operation attempted against a
	// transaction that is no longer Open.
	ErrAlreadyFinalized = errors.New("assetcache: transaction already finalized")

	// ErrIO wraps underlying storage failures.
	ErrIO = errors.New("assetcache: io error")

	// ErrLocked names a write attempted against a reliability-locked
	// version. No operation in this module returns it: the engines drop
	// such a transaction silently and reliability.Filter counts the drop
	// in telemetry.
	ErrLocked = errors.New("assetcache: version locked")
)

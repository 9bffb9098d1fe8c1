// Package persistence implements the pluggable metadata-persistence seam
// used by the memory backend to restore its page layout, free list, and
// index across a process restart without rescanning page contents.
package persistence

import "sync"

// Noop is an in-memory adapter that keeps the most recently saved metadata
// for the life of the process and writes nothing to disk. It satisfies
// engine.Adapter by method signature and is the default used by tests and
// by callers that accept losing the in-memory index on restart.
type Noop struct {
	mu   sync.Mutex
	blob []byte
}

// NewNoop creates a no-op persistence adapter.
func NewNoop() *Noop { return &Noop{} }

// SaveDatabase keeps the most recent blob in memory only; it is not
// durable across process exit.
func (n *Noop) SaveDatabase(blob []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blob = append([]byte(nil), blob...)
	return nil
}

// LoadDatabase returns the last blob saved in this process, or nil if
// none was ever saved.
func (n *Noop) LoadDatabase() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blob == nil {
		return nil, nil
	}
	return append([]byte(nil), n.blob...), nil
}

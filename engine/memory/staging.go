package memory

import (
	"bytes"
	"io"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/transaction"
)

// bufferedWrite buffers a pending write's bytes in memory until finalize
// copies them into an allocated page region.
type bufferedWrite struct {
	buf    bytes.Buffer
	closed bool
}

func (w *bufferedWrite) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *bufferedWrite) Close() error {
	w.closed = true
	return nil
}

func (w *bufferedWrite) Reopen() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(w.buf.Bytes())), nil
}

func (w *bufferedWrite) Discard() error {
	w.buf.Reset()
	return nil
}

// staging is the memory backend's transaction.Staging implementation: every
// declared write lands in its own in-memory buffer regardless of kind.
func staging(_ assetcache.Kind, _ int64) (transaction.StagedWrite, error) {
	return &bufferedWrite{}, nil
}

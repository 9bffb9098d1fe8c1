package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/telemetry"
	"github.com/pipeline-cache/assetcache/transaction"
)

// Instrumented wraps an Engine with metrics recording, following the
// teacher backend's InstrumentedBackend decorator rather than threading
// telemetry calls through each backend's own logic.
type Instrumented struct {
	engine Engine
	name   string
}

// NewInstrumented wraps engine with metrics recording tagged with name
// (e.g. "memory" or "filesystem").
func NewInstrumented(e Engine, name string) *Instrumented {
	return &Instrumented{engine: e, name: name}
}

func (i *Instrumented) Init(opts Options) error {
	return i.engine.Init(opts)
}

func (i *Instrumented) Shutdown(ctx context.Context) error {
	start := time.Now()
	err := i.engine.Shutdown(ctx)
	telemetry.RecordEngineOp(ctx, i.name, "shutdown", outcome(err), time.Since(start), 0)
	return err
}

func (i *Instrumented) CreatePutTransaction(guid assetcache.GUID, hash assetcache.Hash) (*transaction.PutTransaction, error) {
	start := time.Now()
	trx, err := i.engine.CreatePutTransaction(guid, hash)
	telemetry.RecordEngineOp(context.Background(), i.name, "create_put_transaction", outcome(err), time.Since(start), 0)
	return trx, err
}

func (i *Instrumented) EndPutTransaction(ctx context.Context, trx *transaction.PutTransaction) error {
	start := time.Now()
	err := i.engine.EndPutTransaction(ctx, trx)
	telemetry.RecordEngineOp(ctx, i.name, "end_put_transaction", outcome(err), time.Since(start), 0)
	return err
}

func (i *Instrumented) GetFileInfo(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (FileInfo, error) {
	start := time.Now()
	info, err := i.engine.GetFileInfo(ctx, kind, guid, hash)
	telemetry.RecordEngineOp(ctx, i.name, "get_file_info", outcome(err), time.Since(start), 0)
	return info, err
}

func (i *Instrumented) GetFileStream(ctx context.Context, kind assetcache.Kind, guid assetcache.GUID, hash assetcache.Hash) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := i.engine.GetFileStream(ctx, kind, guid, hash)
	if err != nil {
		telemetry.RecordEngineOp(ctx, i.name, "get_file_stream", outcome(err), time.Since(start), 0)
		return nil, err
	}
	cr := &countingReadCloser{rc: rc}
	telemetry.RecordEngineOp(ctx, i.name, "get_file_stream", "success", time.Since(start), 0)
	return cr, nil
}

func (i *Instrumented) Clustering() bool {
	return i.engine.Clustering()
}

// countingReadCloser counts bytes streamed out to the caller so a later
// extension could report transfer volume without re-reading the backend.
type countingReadCloser struct {
	rc io.ReadCloser
	n  int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error { return c.rc.Close() }

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, assetcache.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

var _ Engine = (*Instrumented)(nil)

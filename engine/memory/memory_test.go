package memory

import (
	"context"
	"io"
	"testing"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/engine"
	"github.com/pipeline-cache/assetcache/persistence"
	"github.com/stretchr/testify/require"
)

func testGUID(b byte) assetcache.GUID {
	var g assetcache.GUID
	g[0] = b
	return g
}

func testHash(b byte) assetcache.Hash {
	var h assetcache.Hash
	h[0] = b
	return h
}

func putVersion(t *testing.T, e *Engine, guid assetcache.GUID, hash assetcache.Hash, payloads map[assetcache.Kind]string) {
	t.Helper()
	trx, err := e.CreatePutTransaction(guid, hash)
	require.NoError(t, err)

	for kind, payload := range payloads {
		w, err := trx.GetWriteStream(kind, int64(len(payload)))
		require.NoError(t, err)
		_, err = w.Write([]byte(payload))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	require.NoError(t, e.EndPutTransaction(context.Background(), trx))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	require.NoError(t, e.Init(engine.Options{
		PageSize:         4096,
		MinFreeBlockSize: 16,
		Persistence:      persistence.NewNoop(),
	}))
	return e
}

func TestMemoryRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	guid, hash := testGUID(1), testHash(1)
	putVersion(t, e, guid, hash, map[assetcache.Kind]string{
		assetcache.KindInfo:  "info-bytes",
		assetcache.KindAsset: "asset-bytes-longer",
	})

	info, err := e.GetFileInfo(context.Background(), assetcache.KindAsset, guid, hash)
	require.NoError(t, err)
	require.Equal(t, int64(len("asset-bytes-longer")), info.Size)

	r, err := e.GetFileStream(context.Background(), assetcache.KindInfo, guid, hash)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "info-bytes", string(data))
}

func TestMemoryGetFileInfoNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.GetFileInfo(context.Background(), assetcache.KindInfo, testGUID(9), testHash(9))
	require.ErrorIs(t, err, assetcache.ErrNotFound)
}

func TestMemorySnapshotIsolationUnderReplace(t *testing.T) {
	e := newTestEngine(t)
	guid, hash := testGUID(2), testHash(2)
	putVersion(t, e, guid, hash, map[assetcache.Kind]string{assetcache.KindAsset: "version-one"})

	r1, err := e.GetFileStream(context.Background(), assetcache.KindAsset, guid, hash)
	require.NoError(t, err)

	putVersion(t, e, guid, hash, map[assetcache.Kind]string{assetcache.KindAsset: "version-two-longer"})

	data1, err := io.ReadAll(r1)
	require.NoError(t, err)
	require.Equal(t, "version-one", string(data1))
	require.NoError(t, r1.Close())

	r2, err := e.GetFileStream(context.Background(), assetcache.KindAsset, guid, hash)
	require.NoError(t, err)
	data2, err := io.ReadAll(r2)
	require.NoError(t, err)
	require.NoError(t, r2.Close())
	require.Equal(t, "version-two-longer", string(data2))
}

func TestMemoryAllocatorReusesFreedBlocks(t *testing.T) {
	e := newTestEngine(t)
	guid, hash := testGUID(3), testHash(3)

	putVersion(t, e, guid, hash, map[assetcache.Kind]string{assetcache.KindAsset: "first-payload"})
	pagesAfterFirst := e.alloc.pageCount()

	// Replacing in place, with no outstanding readers, should free the old
	// block immediately and may reuse it rather than growing the pool.
	putVersion(t, e, guid, hash, map[assetcache.Kind]string{assetcache.KindAsset: "second"})
	require.Equal(t, pagesAfterFirst, e.alloc.pageCount())
}

func TestMemoryPersistenceRoundTripsAcrossRestart(t *testing.T) {
	adapter := persistence.NewNoop()
	e := New()
	require.NoError(t, e.Init(engine.Options{PageSize: 4096, MinFreeBlockSize: 16, Persistence: adapter}))

	guid, hash := testGUID(4), testHash(4)
	putVersion(t, e, guid, hash, map[assetcache.Kind]string{assetcache.KindResource: "durable-bytes"})

	require.NoError(t, e.Shutdown(context.Background()))

	restarted := New()
	require.NoError(t, restarted.Init(engine.Options{PageSize: 4096, MinFreeBlockSize: 16, Persistence: adapter}))

	r, err := restarted.GetFileStream(context.Background(), assetcache.KindResource, guid, hash)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "durable-bytes", string(data))
}

func TestMemoryHighReliabilityDefersUntilThresholdMet(t *testing.T) {
	e := New()
	require.NoError(t, e.Init(engine.Options{
		PageSize:             4096,
		MinFreeBlockSize:     16,
		Persistence:          persistence.NewNoop(),
		HighReliability:      true,
		ReliabilityThreshold: 1,
	}))

	guid, hash := testGUID(5), testHash(5)
	putVersion(t, e, guid, hash, map[assetcache.Kind]string{assetcache.KindAsset: "payload"})

	_, err := e.GetFileInfo(context.Background(), assetcache.KindAsset, guid, hash)
	require.ErrorIs(t, err, assetcache.ErrNotFound)

	putVersion(t, e, guid, hash, map[assetcache.Kind]string{assetcache.KindAsset: "payload"})

	info, err := e.GetFileInfo(context.Background(), assetcache.KindAsset, guid, hash)
	require.NoError(t, err)
	require.Equal(t, int64(len("payload")), info.Size)
}

func TestMemoryClustering(t *testing.T) {
	e := New()
	require.False(t, e.Clustering())
}

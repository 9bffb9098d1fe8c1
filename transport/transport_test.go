package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/engine"
	"github.com/pipeline-cache/assetcache/engine/memory"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	e := memory.New()
	require.NoError(t, e.Init(engine.Options{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(e, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})

	return ln.Addr().String()
}

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

func TestClientServerRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	client := NewClient(addr)

	guid, hash := testGUID(1), testHash(1)
	err := client.Put(guid, hash, []PutFile{
		{Kind: assetcache.KindInfo, Size: 4, Body: strings.NewReader("info")},
		{Kind: assetcache.KindAsset, Size: 5, Body: strings.NewReader("asset")},
	})
	require.NoError(t, err)

	size, err := client.Info(assetcache.KindAsset, guid, hash)
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	rc, size, err := client.Get(assetcache.KindInfo, guid, hash)
	require.NoError(t, err)
	require.Equal(t, int64(4), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "info", string(data))
}

func TestClientGetNotFound(t *testing.T) {
	addr := startTestServer(t)
	client := NewClient(addr)

	_, _, err := client.Get(assetcache.KindAsset, testGUID(9), testHash(9))
	require.ErrorIs(t, err, assetcache.ErrNotFound)
}

func TestClientInfoNotFound(t *testing.T) {
	addr := startTestServer(t)
	client := NewClient(addr)

	_, err := client.Info(assetcache.KindAsset, testGUID(9), testHash(9))
	require.ErrorIs(t, err, assetcache.ErrNotFound)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := requestHeader{Op: opGet, GUID: testGUID(1).String(), Hash: testHash(1).String(), Kind: assetcache.KindAsset}
	require.NoError(t, writeFrame(&buf, req, strings.NewReader("body")))

	var got requestHeader
	require.NoError(t, readFrameHeader(&buf, &got))
	require.Equal(t, req, got)

	rest, err := io.ReadAll(&buf)
	require.NoError(t, err)
	require.Equal(t, "body", string(rest))
}

func TestFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX0000")
	var got requestHeader
	err := readFrameHeader(&buf, &got)
	require.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	e := memory.New()
	require.NoError(t, e.Init(engine.Options{}))
	srv := NewServer(e, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

package persistence

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopRoundTrip(t *testing.T) {
	n := NewNoop()

	blob, err := n.LoadDatabase()
	require.NoError(t, err)
	require.Nil(t, blob)

	require.NoError(t, n.SaveDatabase([]byte("hello")))
	blob, err = n.LoadDatabase()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), blob)
}

func TestBoltRoundTripSmallPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	blob, err := b.LoadDatabase()
	require.NoError(t, err)
	require.Nil(t, blob)

	data := []byte("small payload")
	require.NoError(t, b.SaveDatabase(data))

	got, err := b.LoadDatabase()
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBoltRoundTripCompressedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	data := bytes.Repeat([]byte("abcdefgh"), 1024) // 8KiB, highly compressible
	require.NoError(t, b.SaveDatabase(data))

	got, err := b.LoadDatabase()
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")

	b1, err := OpenBolt(path)
	require.NoError(t, err)
	data := []byte(strings.Repeat("x", 4096))
	require.NoError(t, b1.SaveDatabase(data))
	require.NoError(t, b1.Close())

	b2, err := OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b2.Close() }()

	got, err := b2.LoadDatabase()
	require.NoError(t, err)
	require.Equal(t, data, got)
}

package reliability

import (
	"context"
	"testing"

	"github.com/pipeline-cache/assetcache"
	"github.com/stretchr/testify/require"
)

func testKey() assetcache.VersionKey {
	return assetcache.VersionKey{
		GUID: assetcache.GUID{0x01},
		Hash: assetcache.Hash{0x02},
	}
}

func obs(manifest []assetcache.Kind, payload string) Observation {
	digests := make(map[assetcache.Kind]Digest, len(manifest))
	for _, k := range manifest {
		digests[k] = DigestBytes([]byte(payload))
	}
	return Observation{Manifest: manifest, Digests: digests}
}

func TestFilterAdmitsAfterNMatchingObservations(t *testing.T) {
	f := NewFilter(2) // threshold 3
	key := testKey()
	manifest := []assetcache.Kind{assetcache.KindInfo, assetcache.KindAsset}

	admitted, locked := f.Observe(context.Background(), key, obs(manifest, "payload"))
	require.False(t, admitted)
	require.False(t, locked)

	admitted, locked = f.Observe(context.Background(), key, obs(manifest, "payload"))
	require.False(t, admitted)
	require.False(t, locked)

	admitted, locked = f.Observe(context.Background(), key, obs(manifest, "payload"))
	require.True(t, admitted)
	require.True(t, locked)

	require.True(t, f.Locked(key))
}

func TestFilterResetsOnMismatch(t *testing.T) {
	f := NewFilter(2)
	key := testKey()
	manifest := []assetcache.Kind{assetcache.KindInfo}

	f.Observe(context.Background(), key, obs(manifest, "a"))
	f.Observe(context.Background(), key, obs(manifest, "a"))
	require.Equal(t, 2, f.MatchCount(key))

	// Mismatched digest resets the streak.
	admitted, locked := f.Observe(context.Background(), key, obs(manifest, "b"))
	require.False(t, admitted)
	require.False(t, locked)
	require.Equal(t, 1, f.MatchCount(key))
}

func TestFilterManifestOrderIndependent(t *testing.T) {
	f := NewFilter(1) // threshold 2
	key := testKey()

	admitted, locked := f.Observe(context.Background(), key, obs(
		[]assetcache.Kind{assetcache.KindAsset, assetcache.KindInfo}, "p"))
	require.False(t, admitted)
	require.False(t, locked)

	// The same kinds listed in the other order still count as a match.
	admitted, locked = f.Observe(context.Background(), key, obs(
		[]assetcache.Kind{assetcache.KindInfo, assetcache.KindAsset}, "p"))
	require.True(t, admitted)
	require.True(t, locked)
}

func TestFilterLockedDropsFurtherObservations(t *testing.T) {
	f := NewFilter(0)
	key := testKey()
	manifest := []assetcache.Kind{assetcache.KindInfo}

	admitted, locked := f.Observe(context.Background(), key, obs(manifest, "p"))
	require.True(t, admitted)
	require.True(t, locked)

	// Once locked, even a matching observation is a no-op (admitted=false).
	admitted, locked = f.Observe(context.Background(), key, obs(manifest, "p"))
	require.False(t, admitted)
	require.True(t, locked)

	// A conflicting observation against a locked version is also dropped,
	// not treated as a reset.
	admitted, locked = f.Observe(context.Background(), key, obs(manifest, "different"))
	require.False(t, admitted)
	require.True(t, locked)
}

func TestFilterForgetAllowsReadmission(t *testing.T) {
	f := NewFilter(0)
	key := testKey()
	manifest := []assetcache.Kind{assetcache.KindInfo}

	f.Observe(context.Background(), key, obs(manifest, "p"))
	require.True(t, f.Locked(key))

	f.Forget(key)
	require.False(t, f.Locked(key))

	admitted, locked := f.Observe(context.Background(), key, obs(manifest, "new"))
	require.True(t, admitted)
	require.True(t, locked)
}

func TestFilterIndependentVersionsTrackedSeparately(t *testing.T) {
	f := NewFilter(1)
	keyA := assetcache.VersionKey{GUID: assetcache.GUID{0xAA}, Hash: assetcache.Hash{0x01}}
	keyB := assetcache.VersionKey{GUID: assetcache.GUID{0xBB}, Hash: assetcache.Hash{0x02}}
	manifest := []assetcache.Kind{assetcache.KindResource}

	f.Observe(context.Background(), keyA, obs(manifest, "a"))
	require.Equal(t, 1, f.MatchCount(keyA))
	require.Equal(t, 0, f.MatchCount(keyB))
}

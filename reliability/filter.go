// Package reliability implements the high-reliability admission filter: a
// version becomes visible only after N consecutive matching observations of
// its manifest and per-kind payload digest, and is then locked against any
// further change.
package reliability

import (
	"context"
	"sort"
	"sync"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/telemetry"
)

// Observation is one producer's report of a version's manifest and the
// content digest of each file in it.
type Observation struct {
	Manifest []assetcache.Kind
	Digests  map[assetcache.Kind]Digest
}

type versionState struct {
	manifest   []assetcache.Kind
	digests    map[assetcache.Kind]Digest
	matchCount int
	locked     bool
}

// Filter tracks per-version observation history and decides admission.
type Filter struct {
	mu        sync.Mutex
	threshold int
	versions  map[assetcache.VersionKey]*versionState
}

// NewFilter creates a Filter requiring reliabilityThreshold additional
// matching observations beyond the first before a version is admitted, i.e.
// reliabilityThreshold+1 consecutive matching observations in total.
func NewFilter(reliabilityThreshold int) *Filter {
	threshold := reliabilityThreshold + 1
	if threshold < 1 {
		threshold = 1
	}
	return &Filter{
		threshold: threshold,
		versions:  make(map[assetcache.VersionKey]*versionState),
	}
}

// Observe records one observation of key's manifest and digests. admitted is
// true exactly once per key, on the call that reaches the match threshold.
// locked is true once a version has been admitted, including on every
// subsequent call (which is then a no-op observation of an already-settled
// version).
func (f *Filter) Observe(ctx context.Context, key assetcache.VersionKey, obs Observation) (admitted, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.versions[key]
	if !ok {
		st = &versionState{}
		f.versions[key] = st
	}

	if st.locked {
		telemetry.RecordReliabilityLockedDrop(ctx)
		return false, true
	}

	if st.matchCount == 0 || !manifestsEqual(st.manifest, obs.Manifest) || !digestsEqual(st.digests, obs.Digests) {
		if st.matchCount != 0 {
			telemetry.RecordReliabilityReset(ctx)
		}
		st.manifest = sortedKinds(obs.Manifest)
		st.digests = cloneDigests(obs.Digests)
		st.matchCount = 1
	} else {
		st.matchCount++
	}

	if st.matchCount >= f.threshold {
		st.locked = true
		telemetry.RecordReliabilityAdmission(ctx)
		return true, true
	}
	return false, false
}

// Locked reports whether key has already been admitted.
func (f *Filter) Locked(key assetcache.VersionKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.versions[key]
	return ok && st.locked
}

// MatchCount reports the number of consecutive matching observations
// recorded so far for key, for diagnostics and tests.
func (f *Filter) MatchCount(key assetcache.VersionKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.versions[key]
	if !ok {
		return 0
	}
	return st.matchCount
}

// Forget drops all tracked state for key, allowing it to be re-admitted from
// scratch. Neither engine backend calls it.
func (f *Filter) Forget(key assetcache.VersionKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.versions, key)
}

func sortedKinds(kinds []assetcache.Kind) []assetcache.Kind {
	out := append([]assetcache.Kind(nil), kinds...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func manifestsEqual(a, b []assetcache.Kind) bool {
	sa, sb := sortedKinds(a), sortedKinds(b)
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func cloneDigests(d map[assetcache.Kind]Digest) map[assetcache.Kind]Digest {
	out := make(map[assetcache.Kind]Digest, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func digestsEqual(a, b map[assetcache.Kind]Digest) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || bv != v {
			return false
		}
	}
	return true
}

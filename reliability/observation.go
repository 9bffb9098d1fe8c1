package reliability

import (
	"fmt"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/transaction"
)

// ObservationFromFiles digests a finalized transaction's completed files
// into an Observation, used by both cache engine backends before calling
// Filter.Observe in high reliability mode.
func ObservationFromFiles(files []transaction.CompletedFile) (Observation, error) {
	manifest := make([]assetcache.Kind, 0, len(files))
	digests := make(map[assetcache.Kind]Digest, len(files))
	for _, f := range files {
		r, err := f.Open()
		if err != nil {
			return Observation{}, fmt.Errorf("%w: reopening kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		digest, err := DigestReader(r)
		_ = r.Close()
		if err != nil {
			return Observation{}, fmt.Errorf("%w: digesting kind %q: %v", assetcache.ErrIO, f.Kind, err)
		}
		manifest = append(manifest, f.Kind)
		digests[f.Kind] = digest
	}
	return Observation{Manifest: manifest, Digests: digests}, nil
}

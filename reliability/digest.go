package reliability

import (
	"io"

	"github.com/zeebo/blake3"
)

// Digest is a payload content digest used to compare observations of the
// same version across redundant producers.
type Digest [32]byte

// DigestBytes returns the BLAKE3-256 digest of data.
func DigestBytes(data []byte) Digest {
	return blake3.Sum256(data)
}

// DigestReader returns the BLAKE3-256 digest of everything read from r.
func DigestReader(r io.Reader) (Digest, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

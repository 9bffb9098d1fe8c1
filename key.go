// Package assetcache implements a content-addressed binary asset cache for a
// build or asset pipeline. Producers upload versioned blobs identified by a
// (GUID, hash) pair; consumers stream them back by the same pair.
package assetcache

import (
	"encoding/hex"
	"fmt"
)

// GUIDSize is the size in bytes of a GUID identifying a logical asset.
const GUIDSize = 16

// HashSize is the size in bytes of a content hash accompanying a GUID.
const HashSize = 16

// GUID is a 16-byte opaque identifier for a logical asset.
type GUID [GUIDSize]byte

// String returns the hex-encoded representation of the GUID.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// IsZero reports whether the GUID is all zero bytes.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// ParseGUID parses a hex-encoded GUID string.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	if len(s) != GUIDSize*2 {
		return GUID{}, fmt.Errorf("invalid guid length: expected %d hex chars, got %d", GUIDSize*2, len(s))
	}
	if _, err := hex.Decode(g[:], []byte(s)); err != nil {
		return GUID{}, fmt.Errorf("decoding guid: %w", err)
	}
	return g, nil
}

// Hash is a 16-byte content digest accompanying a GUID.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zero bytes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("decoding hash: %w", err)
	}
	return h, nil
}

// Kind identifies the role of a file within a version.
type Kind byte

const (
	// KindInfo is the information blob of a version.
	KindInfo Kind = 'i'
	// KindAsset is the asset/binary blob of a version.
	KindAsset Kind = 'a'
	// KindResource is the optional resource blob of a version.
	KindResource Kind = 'r'
)

// Valid reports whether k is one of the three recognised kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInfo, KindAsset, KindResource:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// Kinds lists every recognised kind in a stable order.
var Kinds = [...]Kind{KindInfo, KindAsset, KindResource}

// FileKey is the deterministic address of a single blob: a kind plus the
// (guid, hash) pair that names the version it belongs to.
type FileKey struct {
	Kind Kind
	GUID GUID
	Hash Hash
}

// NewFileKey builds a FileKey, returning ErrInvalidArgument if kind is not
// one of the recognised single-character kinds.
func NewFileKey(kind Kind, guid GUID, hash Hash) (FileKey, error) {
	if !kind.Valid() {
		return FileKey{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, rune(kind))
	}
	return FileKey{Kind: kind, GUID: guid, Hash: hash}, nil
}

// String returns a canonical textual form "kind:guid:hash", used in logs and
// error messages. It is not the on-disk or in-memory storage key.
func (k FileKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.GUID, k.Hash)
}

// VersionKey is the (guid, hash) pair naming a version independent of kind,
// used as the map key for put-transactions and reliability records.
type VersionKey struct {
	GUID GUID
	Hash Hash
}

func (v VersionKey) String() string {
	return v.GUID.String() + ":" + v.Hash.String()
}

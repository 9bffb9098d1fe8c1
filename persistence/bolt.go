package persistence

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

var metadataBucket = []byte("metadata")
var snapshotKey = []byte("snapshot")

// compressionThreshold mirrors the teacher codebase's envelope threshold:
// below this size zstd overhead isn't worth paying.
const compressionThreshold = 2048

const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

// Bolt is a persistence adapter backed by a dedicated bbolt database file.
// Snapshots of at least compressionThreshold bytes are zstd-compressed when
// that makes them smaller; all others are stored as-is, matching the threshold-gated compression the
// teacher codebase applies to its own bbolt-persisted metadata envelopes.
type Bolt struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenBolt opens (creating if absent) a bbolt database at path for use as a
// persistence adapter.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening persistence database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating metadata bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Bolt{db: db, encoder: enc, decoder: dec}, nil
}

// SaveDatabase persists blob as the current snapshot, replacing any prior
// one in a single bbolt transaction.
func (b *Bolt) SaveDatabase(blob []byte) error {
	encoding := encodingIdentity
	payload := blob
	if len(blob) >= compressionThreshold {
		compressed := b.encoder.EncodeAll(blob, nil)
		if len(compressed) < len(blob) {
			encoding = encodingZstd
			payload = compressed
		}
	}

	stored := make([]byte, 0, len(payload)+1)
	stored = append(stored, encoding)
	stored = append(stored, payload...)

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(snapshotKey, stored)
	})
}

// LoadDatabase returns the most recently saved snapshot, or nil if none has
// been saved yet.
func (b *Bolt) LoadDatabase() ([]byte, error) {
	var stored []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metadataBucket).Get(snapshotKey)
		if v != nil {
			stored = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if stored == nil {
		return nil, nil
	}

	encoding, payload := stored[0], stored[1:]
	switch encoding {
	case encodingIdentity:
		return payload, nil
	case encodingZstd:
		decoded, err := b.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing snapshot: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown snapshot encoding %d", encoding)
	}
}

// Close releases the zstd codec and closes the underlying database.
func (b *Bolt) Close() error {
	b.encoder.Close()
	b.decoder.Close()
	return b.db.Close()
}

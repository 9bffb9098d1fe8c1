// Package transport is the thin wire protocol carrying put/get/info calls
// to a cache engine over TCP. It follows the teacher backend's framing
// idiom (magic bytes, big-endian length prefix, JSON header, raw body) but
// frames request/response envelopes instead of stored blobs.
package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// magic is the 4-byte prefix identifying a frame on this wire protocol.
var magic = []byte("ACT1")

// maxHeaderSize bounds the JSON header so a corrupt or hostile peer cannot
// force an unbounded allocation.
const maxHeaderSize = 64 * 1024

// writeFrame writes MAGIC | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) |
// body, where body may be nil for header-only frames (e.g. errors, info
// responses).
func writeFrame(w io.Writer, header any, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling frame header: %w", err)
	}
	if len(headerBytes) > maxHeaderSize {
		return fmt.Errorf("frame header exceeds %d bytes", maxHeaderSize)
	}

	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if body != nil {
		if _, err := io.Copy(w, body); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}
	}
	return nil
}

// readFrameHeader reads MAGIC + HDRLEN + HDRBYTES and unmarshals the header
// into dst. Any body bytes remain unread on r for the caller to consume
// (io.CopyN with a known length, or io.ReadAll for the remainder of a
// single-frame connection).
func readFrameHeader(r io.Reader, dst any) error {
	gotMagic := make([]byte, len(magic))
	if _, err := io.ReadFull(r, gotMagic); err != nil {
		return fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(gotMagic, magic) {
		return fmt.Errorf("invalid magic bytes: expected %q", magic)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return fmt.Errorf("frame header exceeds %d bytes", maxHeaderSize)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, dst); err != nil {
		return fmt.Errorf("parsing header: %w", err)
	}
	return nil
}

package buffer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Codec transforms a serialized event payload.
type Codec func([]byte) ([]byte, error)

// Zlib compresses payloads with zlib at the default level.
func Zlib(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressed payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate reverses Zlib.
func Inflate(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed payload: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether payload starts with a zlib header.
func IsCompressed(payload []byte) bool {
	if len(payload) < 2 || payload[0]&0x0f != 8 {
		return false
	}
	return (uint16(payload[0])<<8|uint16(payload[1]))%31 == 0
}

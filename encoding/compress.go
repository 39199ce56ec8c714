package encoding

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame flags prefixed to every compressible payload. A payload below the
// caller's threshold (or one that zstd fails to shrink) ships raw.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

var (
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll are safe for concurrent use on a single instance.
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil)
}

// MaybeCompress frames data, compressing it when it is at least threshold
// bytes and compression actually shrinks it. A threshold <= 0 disables
// compression entirely.
func MaybeCompress(data []byte, threshold int) []byte {
	if threshold <= 0 || len(data) < threshold {
		return rawFrame(data)
	}

	compressed := zenc.EncodeAll(data, make([]byte, 1, len(data)/2+1))
	compressed[0] = frameZstd
	if len(compressed) >= len(data)+1 {
		return rawFrame(data)
	}
	return compressed
}

// Decompress unframes data produced by MaybeCompress.
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameZstd:
		return zdec.DecodeAll(frame[1:], nil)
	default:
		return nil, fmt.Errorf("unknown frame flag 0x%02x", frame[0])
	}
}

func rawFrame(data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = frameRaw
	copy(out[1:], data)
	return out
}

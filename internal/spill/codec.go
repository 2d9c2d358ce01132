package spill

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects how segment bytes are encoded on disk.
type Codec uint8

const (
	// CodecNone stores segment bytes verbatim.
	CodecNone Codec = iota
	// CodecZstd stores each segment as one zstd stream.
	CodecZstd
	// CodecLZ4 stores each segment as one lz4 frame.
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses a codec name as accepted on the command line.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none", "raw":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return CodecNone, fmt.Errorf("unknown spill codec %q", name)
}

// encoder is a reusable streaming compressor bound to one segment at a time.
type encoder interface {
	io.Writer
	Reset(w io.Writer)
	Close() error
}

func newEncoder(c Codec) (encoder, error) {
	switch c {
	case CodecNone:
		return nil, nil
	case CodecZstd:
		// Spill files are written once and read once, favour speed.
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	case CodecLZ4:
		return lz4.NewWriter(nil), nil
	}
	return nil, fmt.Errorf("unsupported codec %v", c)
}

func newDecoder(c Codec, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecZstd:
		dec, err := zstd.NewReader(r,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unsupported codec %v", c)
}

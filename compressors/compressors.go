package compressors

import (
	"fmt"

	"github.com/INLOpen/nexuspref/core"
)

// New returns the compressor registered for the given type tag.
func New(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
}

// Parse maps a config string ("none", "snappy", "lz4", "zstd") to a
// compressor.
func Parse(name string) (core.Compressor, error) {
	switch name {
	case "", "snappy":
		return NewSnappyCompressor(), nil
	case "none":
		return &NoCompressionCompressor{}, nil
	case "lz4":
		return NewLz4Compressor(), nil
	case "zstd":
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

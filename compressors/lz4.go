package compressors

import (
	"fmt"
	"io"

	"github.com/INLOpen/nexuspref/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 block
// compression.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		return nil, fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	if len(data) == 0 {
		return core.NewByteReadCloser(nil), nil
	}
	// The pierrec/lz4 block format does not store the original size, so
	// start with a heuristic buffer and grow until the block fits.
	dstSize := len(data) * 3
	if dstSize < 1024 {
		dstSize = 1024
	}
	for {
		dst := make([]byte, dstSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return core.NewByteReadCloser(dst[:n]), nil
		}
		if dstSize >= 1<<30 {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		dstSize *= 2
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

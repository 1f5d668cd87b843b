package util

import (
	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// ZstdCompress compresses a buffer in its entirety using Zstandard.
// The encoder is shared, as EncodeAll() is safe for concurrent use.
func ZstdCompress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// ZstdDecompress decompresses a buffer created by ZstdCompress().
func ZstdDecompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

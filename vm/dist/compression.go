package dist

import (
	"fmt"
	"io"

	"connectrpc.com/connect"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Stream compression algorithms understood by both ends. Snapshots and
// code blobs compress well; query traffic is small and usually sent as is.
const (
	CompressionNone = ""
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// zstdDecompressor adapts *zstd.Decoder, whose Close has no result and
// makes it unusable, to connect.Decompressor. Connect pools decompressors,
// so Close only drops the source.
type zstdDecompressor struct {
	dec *zstd.Decoder
}

func newZstdDecompressor() connect.Decompressor {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("dist: zstd decoder: %v", err))
	}
	return &zstdDecompressor{dec: dec}
}

func (z *zstdDecompressor) Read(p []byte) (int, error) { return z.dec.Read(p) }
func (z *zstdDecompressor) Reset(r io.Reader) error    { return z.dec.Reset(r) }
func (z *zstdDecompressor) Close() error               { return z.dec.Reset(nil) }

func newZstdCompressor() connect.Compressor {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("dist: zstd encoder: %v", err))
	}
	return enc
}

// lz4Decompressor adapts *lz4.Reader, whose Reset has no result.
type lz4Decompressor struct {
	r *lz4.Reader
}

func newLZ4Decompressor() connect.Decompressor {
	return &lz4Decompressor{r: lz4.NewReader(nil)}
}

func (l *lz4Decompressor) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *lz4Decompressor) Close() error               { return nil }
func (l *lz4Decompressor) Reset(r io.Reader) error {
	l.r.Reset(r)
	return nil
}

func newLZ4Compressor() connect.Compressor {
	return lz4.NewWriter(nil)
}

// HandlerCompressionOptions registers every supported algorithm on a
// Connect handler.
func HandlerCompressionOptions() []connect.HandlerOption {
	return []connect.HandlerOption{
		connect.WithCompression(CompressionZstd, newZstdDecompressor, newZstdCompressor),
		connect.WithCompression(CompressionLZ4, newLZ4Decompressor, newLZ4Compressor),
	}
}

// ClientCompressionOptions registers every supported algorithm on a
// Connect client and selects send for outgoing messages. An empty send
// leaves requests uncompressed.
func ClientCompressionOptions(send string) ([]connect.ClientOption, error) {
	opts := []connect.ClientOption{
		connect.WithAcceptCompression(CompressionZstd, newZstdDecompressor, newZstdCompressor),
		connect.WithAcceptCompression(CompressionLZ4, newLZ4Decompressor, newLZ4Compressor),
	}
	switch send {
	case CompressionNone:
	case CompressionZstd, CompressionLZ4, "gzip":
		opts = append(opts, connect.WithSendCompression(send))
	default:
		return nil, fmt.Errorf("dist: unknown compression %q", send)
	}
	return opts, nil
}

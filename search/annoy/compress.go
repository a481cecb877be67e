package annoy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how the index body is stored.
type Compression uint16

const (
	// CompressionNone stores the body as-is.
	CompressionNone Compression = iota
	// CompressionLZ4 stores the body as one LZ4 block (fast).
	CompressionLZ4
	// CompressionZSTD stores the body as a zstd frame (smaller).
	CompressionZSTD
)

// ParseCompression maps a name to a Compression.
func ParseCompression(name string) (Compression, bool) {
	switch name {
	case "", "none":
		return CompressionNone, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return 0, false
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// compressBody returns the encoded body and the compression actually used.
// Bodies LZ4 cannot shrink are stored uncompressed.
func compressBody(data []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("annoy: lz4 compress: %w", err)
		}
		if n == 0 {
			return data, CompressionNone, nil
		}
		return buf[:n], CompressionLZ4, nil
	case CompressionZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, 0, fmt.Errorf("annoy: zstd encoder: %w", err)
		}
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, nil), CompressionZSTD, nil
	default:
		return nil, 0, fmt.Errorf("annoy: unsupported compression %d", c)
	}
}

// maxLZ4Ratio bounds how far one LZ4 block can expand.
const maxLZ4Ratio = 255

func decompressBody(data []byte, c Compression, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != rawLen {
			return nil, errors.New("annoy: body size mismatch")
		}
		return data, nil
	case CompressionLZ4:
		if uint64(rawLen) > uint64(len(data))*maxLZ4Ratio+16 {
			return nil, fmt.Errorf("annoy: lz4 body of %d bytes cannot expand to %d", len(data), rawLen)
		}
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("annoy: lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, errors.New("annoy: decompressed size mismatch")
		}
		return out, nil
	case CompressionZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("annoy: zstd decoder: %w", err)
		}
		defer zstdDecoderPool.Put(dec)
		// The frame may still be shorter than rawLen; grow on demand.
		out, err := dec.DecodeAll(data, make([]byte, 0, min(rawLen, 4*len(data))))
		if err != nil {
			return nil, fmt.Errorf("annoy: zstd decompress: %w", err)
		}
		if len(out) != rawLen {
			return nil, errors.New("annoy: decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("annoy: unsupported compression %d", c)
	}
}

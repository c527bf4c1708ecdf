package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compressor is the pluggable payload compression used inside frames.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Deflate compresses with a zlib stream at maximum level.
type Deflate struct{}

// Compress implements Compressor.
func (Deflate) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (Deflate) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Plain stores payloads as-is. Its output is never strictly shorter, so
// frames written with it always carry the raw flag.
type Plain struct{}

// Compress implements Compressor.
func (Plain) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress implements Compressor.
func (Plain) Decompress(data []byte) ([]byte, error) { return data, nil }

// Compressors maps capability suffixes to implementations, keyed the
// same way the volume config's requires tags name them.
var Compressors = map[string]func() Compressor{
	"deflate": func() Compressor { return Deflate{} },
	"plain":   func() Compressor { return Plain{} },
}

// ForCapability returns the compressor for a compress-<name> capability
// tag, or an error for an unknown scheme.
func ForCapability(name string) (Compressor, error) {
	ctor, ok := Compressors[name]
	if !ok {
		return nil, fmt.Errorf("unknown compression scheme %q", name)
	}
	return ctor(), nil
}

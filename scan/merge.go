package scan

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/nomis52/deltaetl/objstore"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func isGzip(data []byte) bool { return bytes.HasPrefix(data, gzipMagic) }
func isZstd(data []byte) bool { return bytes.HasPrefix(data, zstdMagic) }

// decode returns the uncompressed content of a gzip, zstd or plain object.
func decode(data []byte) ([]byte, error) {
	switch {
	case isGzip(data):
		return gunzip(data)
	case isZstd(data):
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
	return data, nil
}

// nopWriteCloser lets uncompressed output share the encoder code path.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newEncoder(w io.Writer, compression string) (io.WriteCloser, error) {
	switch compression {
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", compression)
}

// merge concatenates the uncompressed content of t.Sources into a single
// object at t.MergedKey. It returns the number of bytes read.
func merge(ctx context.Context, objects *objstore.Store, t Task, chain []Enricher) (int64, error) {
	dst := t.MergedKey()

	var read int64
	var out bytes.Buffer
	enc, err := newEncoder(&out, t.Options.Compression)
	if err != nil {
		return 0, err
	}
	for _, src := range t.Sources {
		raw, err := objects.ReadAll(ctx, src.Key)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", src.Key, err)
		}
		read += int64(len(raw))
		data, err := decode(raw)
		if err != nil {
			return 0, fmt.Errorf("decoding %s: %w", src.Key, err)
		}
		if _, data, err = enrich(chain, src.Key, data); err != nil {
			return 0, err
		}
		if _, err := enc.Write(data); err != nil {
			return 0, fmt.Errorf("encoding %s: %w", src.Key, err)
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			if _, err := enc.Write([]byte{'\n'}); err != nil {
				return 0, err
			}
		}
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("finishing %s: %w", dst, err)
	}

	w, err := objects.NewWriter(ctx, dst)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(w, &out); err != nil {
		w.Close()
		return 0, fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("writing %s: %w", dst, err)
	}
	return read, nil
}

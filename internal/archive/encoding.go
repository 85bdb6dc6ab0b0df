package archive

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content encodings accepted on upload, named as in the HTTP
// Content-Encoding header.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
)

var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// NormalizeEncoding maps header values to one of the Encoding constants.
// The empty string is identity.
func NormalizeEncoding(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", EncodingIdentity:
		return EncodingIdentity, nil
	case EncodingGzip, "x-gzip":
		return EncodingGzip, nil
	case EncodingZstd:
		return EncodingZstd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, v)
	}
}

// NewDecoder wraps r so that reads yield the decoded tar stream. The
// caller must Close the returned reader.
func NewDecoder(encoding string, r io.Reader) (io.ReadCloser, error) {
	enc, err := NormalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncodingGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, nil
	case EncodingZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// NewEncoder is the inverse of NewDecoder. Closing the writer flushes the
// compressed stream but leaves w open.
func NewEncoder(encoding string, w io.Writer) (io.WriteCloser, error) {
	enc, err := NormalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncodingGzip:
		return gzip.NewWriter(w), nil
	case EncodingZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("open zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

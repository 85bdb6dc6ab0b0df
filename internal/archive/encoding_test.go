package archive

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: EncodingIdentity},
		{in: "identity", want: EncodingIdentity},
		{in: " GZIP ", want: EncodingGzip},
		{in: "x-gzip", want: EncodingGzip},
		{in: "zstd", want: EncodingZstd},
	}
	for _, tt := range tests {
		got, err := NormalizeEncoding(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := NormalizeEncoding("br")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedEncoding))
}

func TestEncoderDecoder_RoundTrip(t *testing.T) {
	payload := tarBytes(t, []tarEntry{{name: "src/lib.rs", body: "pub fn f() {}\n"}})

	for _, enc := range []string{EncodingIdentity, EncodingGzip, EncodingZstd} {
		t.Run(enc, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewEncoder(enc, &buf)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := NewDecoder(enc, bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			defer r.Close()

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestNewDecoder_RejectsBadGzipHeader(t *testing.T) {
	_, err := NewDecoder(EncodingGzip, bytes.NewReader([]byte("plain text")))
	require.Error(t, err)
}

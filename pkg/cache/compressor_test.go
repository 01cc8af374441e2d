package cache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors(t *testing.T) {
	zstdComp, err := NewZstdCompressor()
	require.NoError(t, err)

	compressors := []Compressor{NoopCompressor{}, NewGzipCompressor(0), NewGzipCompressor(9), zstdComp}
	inputs := [][]byte{
		{},
		[]byte("x"),
		[]byte(strings.Repeat(`{"code":"000001","nav":1.2345}`, 2000)),
	}

	for _, comp := range compressors {
		for _, in := range inputs {
			out, err := comp.Compress(in)
			require.NoError(t, err, comp.Name())

			back, err := comp.Decompress(out)
			require.NoError(t, err, comp.Name())
			assert.True(t, bytes.Equal(in, back), comp.Name())
		}
	}
}

func TestCompressors_Shrink(t *testing.T) {
	data := []byte(strings.Repeat("基金排行 ", 5000))
	for _, name := range []string{CompressionGzip, CompressionZstd} {
		comp, err := NewCompressor(name)
		require.NoError(t, err)
		out, err := comp.Compress(data)
		require.NoError(t, err)
		assert.Less(t, len(out), len(data)/10, name)
	}
}

func TestCompressors_RejectGarbage(t *testing.T) {
	zstdComp, err := NewZstdCompressor()
	require.NoError(t, err)

	for _, comp := range []Compressor{NewGzipCompressor(0), zstdComp} {
		_, err := comp.Decompress([]byte("not compressed at all"))
		assert.Error(t, err, comp.Name())
	}
}

func TestNewCompressor(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: CompressionNone},
		{name: CompressionNone, want: CompressionNone},
		{name: CompressionGzip, want: CompressionGzip},
		{name: CompressionZstd, want: CompressionZstd},
		{name: "lz4", wantErr: true},
	}

	for _, tt := range tests {
		comp, err := NewCompressor(tt.name)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, comp.Name())
	}
}

func TestCodecRegistry(t *testing.T) {
	r := newCodecRegistry(NewGzipCompressor(9))

	for _, name := range []string{CompressionNone, CompressionGzip, CompressionZstd} {
		comp, ok := r.lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, name, comp.Name())
	}

	_, ok := r.lookup("brotli")
	assert.False(t, ok)
}

package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compressor 可插拔的压缩器，只作用于持久层
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Name 写入条目信封，读取时据此选择解压器
	Name() string
}

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// NoopCompressor 不做任何处理
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoopCompressor) Name() string                           { return CompressionNone }

// GzipCompressor gzip 压缩
type GzipCompressor struct {
	level int
}

// NewGzipCompressor 创建 gzip 压缩器，level 为 0 时使用默认级别
func NewGzipCompressor(level int) *GzipCompressor {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &GzipCompressor{level: level}
}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GzipCompressor) Name() string { return CompressionGzip }

// ZstdCompressor zstd 压缩，编码器与解码器可并发复用
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor 创建 zstd 压缩器
func NewZstdCompressor() (*ZstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, err
	}
	return &ZstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return z.decoder.DecodeAll(data, nil)
}

func (z *ZstdCompressor) Name() string { return CompressionZstd }

// NewCompressor 按名称创建压缩器
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", CompressionNone:
		return NoopCompressor{}, nil
	case CompressionGzip:
		return NewGzipCompressor(0), nil
	case CompressionZstd:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("不支持的压缩算法: %s", name)
	}
}

// codecRegistry 按名称查找解压器，允许读取用旧配置写入的记录
type codecRegistry struct {
	codecs map[string]Compressor
}

func newCodecRegistry(primary Compressor) *codecRegistry {
	r := &codecRegistry{codecs: map[string]Compressor{
		CompressionNone: NoopCompressor{},
		CompressionGzip: NewGzipCompressor(0),
	}}
	if z, err := NewZstdCompressor(); err == nil {
		r.codecs[CompressionZstd] = z
	}
	if primary != nil {
		r.codecs[primary.Name()] = primary
	}
	return r
}

func (r *codecRegistry) lookup(name string) (Compressor, bool) {
	c, ok := r.codecs[name]
	return c, ok
}

package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// مقادیر content_encoding. بدنه‌ی "gzip" در عمل یک stream از zlib است
// تا با کلاینت‌های قدیمی سازگار بماند.
const (
	EncodingGzip  = "gzip"
	EncodingPlain = "plain"

	CompressionThreshold = 32 * 1024
	DefaultLevel         = 6
)

// ShouldCompress: انتخاب صریح همیشه برنده است؛ در غیر این صورت فقط
// بدنه‌های بزرگ‌تر از 32KiB فشرده می‌شوند.
func ShouldCompress(explicit *bool, size int) bool {
	if explicit != nil {
		return *explicit
	}
	return size > CompressionThreshold
}

func Compress(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = DefaultLevel
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("codec: zlib level %d: %w", level, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: zlib: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Encode سریالایز و در صورت نیاز فشرده می‌کند و content_encoding را برمی‌گرداند.
func Encode(c Codec, v any, compress *bool, level int) ([]byte, string, error) {
	body, err := c.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	if !ShouldCompress(compress, len(body)) {
		return body, EncodingPlain, nil
	}
	body, err = Compress(body, level)
	if err != nil {
		return nil, "", err
	}
	return body, EncodingGzip, nil
}

// Decode فقط فشرده‌سازی را برمی‌دارد؛ پارس بدنه با خود کدک است.
func Decode(body []byte, encoding string) ([]byte, error) {
	if encoding != EncodingGzip {
		return body, nil
	}
	return Decompress(body)
}

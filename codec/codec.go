// Package codec سریالایزرها و فشرده‌سازی بدنه، مشترک بین master و worker.
package codec

import (
	"fmt"
	"mime"
	"strings"
)

// Codec رابط ساده‌ی marshal کردن بدنه‌ها.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	NameJSON   = "json"
	NameNative = "native"
	NameText   = "text"
	NameProto  = "proto"
)

// Registry نام سریالایزر و content type را به کدک نگاشت می‌کند.
type Registry struct {
	byName map[string]Codec
	byType map[string]Codec
}

// NewRegistry یک registry خالی می‌سازد.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Codec), byType: make(map[string]Codec)}
}

// Default یک registry با json و native (CBOR) و text و proto برمی‌گرداند.
func Default() *Registry {
	r := NewRegistry()
	r.Register(JSON())
	if c, err := CBOR(); err == nil {
		r.Register(c)
	}
	r.Register(Text())
	r.Register(Proto())
	return r
}

// Register کدک را با نام و content type ثبت می‌کند؛ ثبت دوباره جایگزین می‌شود.
func (r *Registry) Register(c Codec) {
	r.byName[c.Name()] = c
	r.byType[c.ContentType()] = c
}

// Get کدک را با نام سریالایزر برمی‌گرداند.
func (r *Registry) Get(name string) (Codec, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("codec: unknown serializer %q", name)
	}
	return c, nil
}

// ForContentType کدک مربوط به content type. پارامترهایی مثل charset نادیده
// گرفته می‌شوند و نوع ناشناخته به text برمی‌گردد.
func (r *Registry) ForContentType(contentType string) Codec {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(contentType)
	}
	if c, ok := r.byType[strings.ToLower(mt)]; ok {
		return c
	}
	if c, ok := r.byName[NameText]; ok {
		return c
	}
	return Text()
}

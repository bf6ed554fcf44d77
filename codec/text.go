package codec

import (
	"encoding"
	"fmt"
)

type textCodec struct{}

// Text سریالایزر متن ساده.
func Text() Codec { return textCodec{} }

func (textCodec) Name() string        { return NameText }
func (textCodec) ContentType() string { return "text/plain" }

func (textCodec) Marshal(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case encoding.TextMarshaler:
		return x.MarshalText()
	case error:
		return []byte(x.Error()), nil
	case fmt.Stringer:
		return []byte(x.String()), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func (textCodec) Unmarshal(data []byte, v any) error {
	switch x := v.(type) {
	case *string:
		*x = string(data)
	case *[]byte:
		*x = append((*x)[:0], data...)
	case *any:
		*x = string(data)
	case encoding.TextUnmarshaler:
		return x.UnmarshalText(data)
	default:
		return fmt.Errorf("text: cannot decode into %T", v)
	}
	return nil
}

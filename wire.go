package crew

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	KindExpiration = "ExpirationError"
	KindTimeout    = "TimeoutError"
	KindHandler    = "HandlerError"
)

// WireError شکل خطا روی سیم است. پیام‌هایی که آن را حمل می‌کنند
// پراپرتی type برابر ErrorMessageType دارند.
type WireError struct {
	Kind    string  `json:"kind" cbor:"kind"`
	Type    string  `json:"type,omitempty" cbor:"type,omitempty"`
	Message string  `json:"message" cbor:"message"`
	Reason  string  `json:"reason,omitempty" cbor:"reason,omitempty"`
	Time    int64   `json:"time,omitempty" cbor:"time,omitempty"`
	Seconds float64 `json:"seconds,omitempty" cbor:"seconds,omitempty"`
	Killed  bool    `json:"killed,omitempty" cbor:"killed,omitempty"`
}

// ToWire هر خطایی را به WireError تبدیل می‌کند. خطاهای ناشناخته
// به HandlerError با نام نوعشان تبدیل می‌شوند.
func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	var (
		exp *ExpirationError
		to  *TimeoutError
		he  *HandlerError
	)
	switch {
	case errors.As(err, &exp):
		w := &WireError{Kind: KindExpiration, Message: err.Error(), Reason: exp.Reason, Seconds: exp.Expiration.Seconds()}
		if !exp.Time.IsZero() {
			w.Time = exp.Time.Unix()
		}
		return w
	case errors.As(err, &to):
		return &WireError{Kind: KindTimeout, Message: err.Error(), Seconds: to.Timeout.Seconds(), Killed: to.Killed}
	case errors.As(err, &he):
		return &WireError{Kind: KindHandler, Type: he.Kind, Message: he.Message}
	default:
		return &WireError{Kind: KindHandler, Type: fmt.Sprintf("%T", err), Message: err.Error()}
	}
}

// Err خطای Go متناظر را می‌سازد.
func (w *WireError) Err() error {
	switch w.Kind {
	case KindExpiration:
		e := &ExpirationError{Reason: w.Reason, Expiration: seconds(w.Seconds)}
		if w.Time > 0 {
			e.Time = time.Unix(w.Time, 0)
		}
		if e.Reason == "" {
			e.Reason = strings.TrimPrefix(w.Message, "crew: task expired: ")
		}
		return e
	case KindTimeout:
		return &TimeoutError{Timeout: seconds(w.Seconds), Killed: w.Killed}
	default:
		return &HandlerError{Kind: w.Type, Message: w.Message}
	}
}

func (w *WireError) Error() string { return w.Err().Error() }

// Text شکل متنی برای پاسخ‌های text/plain؛ فقط نوع و پیام حفظ می‌شوند.
func (w *WireError) Text() string {
	return w.Kind + ": " + w.Message
}

// ParseWireText عکس Text. متنی که نوع نداشته باشد HandlerError است.
func ParseWireText(s string) *WireError {
	kind, msg, ok := strings.Cut(s, ": ")
	switch {
	case !ok:
		return &WireError{Kind: KindHandler, Message: s}
	case kind == KindExpiration || kind == KindTimeout || kind == KindHandler:
		return &WireError{Kind: kind, Message: msg}
	default:
		return &WireError{Kind: KindHandler, Message: s}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

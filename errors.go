package crew

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTask پایه‌ی همه‌ی خطاهایی است که روی سیم به کلاینت برمی‌گردند.
	ErrTask            = errors.New("crew: task error")
	ErrValidation      = errors.New("crew: validation error")
	ErrDuplicateTaskID = errors.New("crew: duplicate task id")
	ErrConnection      = errors.New("crew: connection error")
	ErrClosed          = errors.New("crew: closed")
	ErrAlreadyResolved = errors.New("crew: result already set")
)

// ValidationError آرگومان نامعتبر در زمان call؛ هیچ‌وقت روی سیم نمی‌رود.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("crew: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type DuplicateTaskIDError struct {
	ID string
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("crew: task %q is already pending", e.ID)
}

func (e *DuplicateTaskIDError) Is(target error) bool { return target == ErrDuplicateTaskID }

// ConnectionError فقط داخل حلقه‌ی reconnect دیده می‌شود.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("crew: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// ExpirationError وقتی TTL تسک قبل از اجرا تمام شده باشد.
type ExpirationError struct {
	Reason     string
	Time       time.Time
	Expiration time.Duration
}

func (e *ExpirationError) Error() string {
	if e.Reason == "" {
		return "crew: task expired"
	}
	return "crew: task expired: " + e.Reason
}

func (e *ExpirationError) Is(target error) bool { return target == ErrTask }

// TimeoutError دو حالت دارد: Local یعنی انتظار سمت کلاینت تمام شد و
// روی ورکر اثری ندارد؛ در غیر این صورت هندلر از ددلاین گذشته است.
// Killed مشخص می‌کند اجرای هندلر واقعا متوقف شد یا فقط رها شد.
type TimeoutError struct {
	Timeout time.Duration
	Local   bool
	Killed  bool
}

func (e *TimeoutError) Error() string {
	if e.Local {
		return fmt.Sprintf("crew: waiting timeout after %s", e.Timeout)
	}
	return fmt.Sprintf("crew: function lasted longer than %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTask }

// HandlerError خطای دلخواه هندلر که به شکل متنی به کلاینت برگشته است.
type HandlerError struct {
	Kind    string
	Message string
}

func (e *HandlerError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func (e *HandlerError) Is(target error) bool { return target == ErrTask }

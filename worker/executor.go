package worker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrjvadi/crew"
)

// Task یک درخواست آماده‌ی اجرا. Body از قبل از حالت فشرده خارج شده است.
type Task struct {
	Queue           string        `cbor:"queue"`
	CorrelationID   string        `cbor:"correlation_id"`
	ContentType     string        `cbor:"content_type"`
	ContentEncoding string        `cbor:"content_encoding"`
	Headers         amqp.Table    `cbor:"headers,omitempty"`
	Body            []byte        `cbor:"body"`
	Timestamp       time.Time     `cbor:"timestamp"`
	Received        time.Time     `cbor:"received"`
	TTL             time.Duration `cbor:"ttl"`
	Deadline        time.Time     `cbor:"deadline"`
}

// Invoker هندلر ثبت‌شده برای t.Queue را اجرا و نتیجه را سریالایز می‌کند.
type Invoker func(ctx context.Context, t *Task) ([]byte, error)

// Executor واحد اجرایی جدا از حلقه‌ی consumer. با گذشتن t.Deadline باید
// *crew.TimeoutError برگرداند.
type Executor interface {
	Execute(ctx context.Context, run Invoker, t *Task) ([]byte, error)
}

// GoroutineExecutor هندلر را روی یک goroutine اجرا می‌کند. Go راهی برای
// کشتن goroutine ندارد؛ بعد از ددلاین goroutine رها می‌شود و فقط ctx آن
// لغو شده است (Killed=false). هندلرهایی که ctx را نگاه نمی‌کنند تا تمام
// شدن منابعشان را نگه می‌دارند؛ برای قطع واقعی ProcessExecutor را بگذارید.
type GoroutineExecutor struct{}

func (GoroutineExecutor) Execute(ctx context.Context, run Invoker, t *Task) ([]byte, error) {
	ctx, cancel := context.WithDeadline(ctx, t.Deadline)
	defer cancel()

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := run(ctx, t)
		done <- result{body, err}
	}()

	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		return nil, &crew.TimeoutError{Timeout: t.TTL}
	}
}

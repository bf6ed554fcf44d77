package worker

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
	"github.com/mrjvadi/crew/settings"
)

var ErrNoPublisher = errors.New("worker: publish is not available in this process")

// Context داده‌های تسک و کمک‌متدها؛ برای هر اجرا ساخته می‌شود و
// جایگزین هر وضعیت سراسری است.
type Context struct {
	ctx   context.Context
	app   *App
	task  *Task
	codec codec.Codec
}

// Bind بدنه را با کدک content type درخواست دیکد می‌کند.
func (c *Context) Bind(v any) error {
	return c.codec.Unmarshal(c.task.Body, v)
}

// Body بدنه‌ی خام بعد از برداشتن فشرده‌سازی.
func (c *Context) Body() []byte { return c.task.Body }

func (c *Context) ContentType() string { return c.task.ContentType }

func (c *Context) Headers() amqp.Table { return c.task.Headers }

func (c *Context) CorrelationID() string { return c.task.CorrelationID }

// Channel نام کانال بدون پیشوند crew.tasks.
func (c *Context) Channel() string { return crew.ChannelOf(c.task.Queue) }

func (c *Context) Deadline() time.Time { return c.task.Deadline }

// Ctx با رسیدن ددلاین لغو می‌شود.
func (c *Context) Ctx() context.Context { return c.ctx }

func (c *Context) Settings() settings.Store { return c.app.settings }

func (c *Context) Value(key any) any { return c.app.values[key] }

func (c *Context) Info() Info { return c.app.Info() }

// Publish روی کانال pub/sub با سریالایزر json.
func (c *Context) Publish(ctx context.Context, channel string, msg any) error {
	if c.app.publisher == nil {
		return ErrNoPublisher
	}
	return c.app.publisher.Publish(ctx, channel, msg, codec.NameJSON)
}

package master

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
	"github.com/mrjvadi/crew/metrics"
)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCodecs(r *codec.Registry) Option {
	return func(c *Client) {
		if r != nil {
			c.codecs = r
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithReplyQueue نام صف پاسخ؛ پیش‌فرض crew.master.<uuid>.
func WithReplyQueue(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.uid = name
		}
	}
}

// تنظیمات هر call
type callOptions struct {
	serializer    string
	compress      *bool
	level         int
	priority      int
	expiration    int
	persistent    bool
	headers       amqp.Table
	correlationID string
	routingKey    string
}

func defaultCallOptions() callOptions {
	return callOptions{
		serializer: codec.NameJSON,
		level:      codec.DefaultLevel,
		expiration: crew.DefaultExpiration,
		persistent: true,
	}
}

type CallOption func(*callOptions)

func WithSerializer(name string) CallOption {
	return func(o *callOptions) { o.serializer = name }
}

// WithCompression انتخاب صریح؛ بدون آن بدنه‌های بزرگ‌تر از 32KiB فشرده می‌شوند.
func WithCompression(on bool) CallOption {
	return func(o *callOptions) { o.compress = &on }
}

func WithCompressionLevel(level int) CallOption {
	return func(o *callOptions) { o.level = level }
}

func WithPriority(p int) CallOption {
	return func(o *callOptions) { o.priority = p }
}

// WithExpiration TTL تسک به ثانیه.
func WithExpiration(seconds int) CallOption {
	return func(o *callOptions) { o.expiration = seconds }
}

func WithPersistent(on bool) CallOption {
	return func(o *callOptions) { o.persistent = on }
}

// WithHeaders هدرها کپی می‌شوند؛ map ورودی دست نمی‌خورد.
func WithHeaders(h amqp.Table) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = amqp.Table{}
		}
		for k, v := range h {
			o.headers[k] = v
		}
	}
}

func WithCorrelationID(id string) CallOption {
	return func(o *callOptions) { o.correlationID = id }
}

// WithRoutingKey جایگزین reply_to؛ پاسخ به این مقصد می‌رود.
func WithRoutingKey(key string) CallOption {
	return func(o *callOptions) { o.routingKey = key }
}

func (o *callOptions) validate() error {
	if o.priority < 0 || o.priority > 255 {
		return &crew.ValidationError{Field: "priority", Reason: "must be between 0 and 255"}
	}
	if o.expiration <= 0 {
		return &crew.ValidationError{Field: "expiration", Reason: "must be a positive number of seconds"}
	}
	return nil
}

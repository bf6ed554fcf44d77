// Package master سمت فراخواننده: ارسال تسک به صف‌های crew.tasks.* و
// تطبیق پاسخ‌ها (و dead-letter ها) با call ی که منتظر آن است.
package master

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
	"github.com/mrjvadi/crew/connection"
	"github.com/mrjvadi/crew/metrics"
	"github.com/mrjvadi/crew/pubsub"
)

type Client struct {
	mgr     *connection.Manager
	uid     string
	codecs  *codec.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics

	// رجیستری call های معلق، کلید correlation id
	mu      sync.Mutex
	pending map[string]*pendingCall

	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber

	replyTag *connection.Future[string]
	dlxTag   *connection.Future[string]
}

// NewClient صف پاسخ، DLX و consumer ها را روی Manager ثبت می‌کند. این
// عملیات‌ها durable هستند و بعد از هر reconnect دوباره اجرا می‌شوند.
func NewClient(mgr *connection.Manager, options ...Option) *Client {
	c := &Client{
		mgr:     mgr,
		uid:     crew.MasterQueuePrefix + crew.NewUID(),
		codecs:  codec.Default(),
		logger:  zap.NewNop(),
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range options {
		opt(c)
	}
	c.publisher = pubsub.NewPublisher(mgr, c.codecs)
	c.subscriber = pubsub.NewSubscriber(mgr, c.codecs, c.logger)

	mgr.QueueDeclare(connection.Queue{
		Name:       c.uid,
		Exclusive:  true,
		AutoDelete: true,
		Args:       amqp.Table{crew.ArgMessageTTL: int32(crew.ReplyQueueTTL)},
	})
	mgr.ExchangeDeclare(connection.Exchange{Name: crew.DeadLetterExchange, Kind: amqp.ExchangeHeaders, AutoDelete: true})
	mgr.QueueDeclare(connection.Queue{Name: crew.DeadLetterQueue, Durable: true})
	mgr.QueueBind(connection.Binding{
		Queue:    crew.DeadLetterQueue,
		Exchange: crew.DeadLetterExchange,
		Args:     amqp.Table{crew.HeaderOriginalSender: c.uid},
	})
	c.dlxTag = mgr.Consume(connection.Consumer{Queue: crew.DeadLetterQueue, Handler: c.onDeadLetter})
	c.replyTag = mgr.Consume(connection.Consumer{Queue: c.uid, Handler: c.onResult})
	mgr.ExchangeDeclare(pubsub.Exchange())
	return c
}

// UID نام صف پاسخ این کلاینت.
func (c *Client) UID() string { return c.uid }

// Ready منتظر می‌ماند تا consumer های پاسخ روی broker ثبت شوند.
func (c *Client) Ready(ctx context.Context) error {
	if _, err := c.replyTag.Wait(ctx); err != nil {
		return err
	}
	_, err := c.dlxTag.Wait(ctx)
	return err
}

// Call تسک را می‌فرستد و یک Result برمی‌گرداند.
func (c *Client) Call(ctx context.Context, channel string, payload any, opts ...CallOption) (*Result, error) {
	r := newResult()
	pc := &pendingCall{kind: kindFuture, result: r}
	id, err := c.send(ctx, channel, payload, pc, opts)
	if err != nil {
		return nil, err
	}
	r.ID = id
	r.abandon = func() { c.take(id) }
	return r, nil
}

// CallFunc نسخه‌ی callback؛ correlation id را فورا برمی‌گرداند.
func (c *Client) CallFunc(ctx context.Context, channel string, payload any, cb Callback, opts ...CallOption) (string, error) {
	if cb == nil {
		return "", &crew.ValidationError{Field: "callback", Reason: "must not be nil"}
	}
	return c.send(ctx, channel, payload, &pendingCall{kind: kindCallback, callback: cb}, opts)
}

func (c *Client) send(ctx context.Context, channel string, payload any, pc *pendingCall, opts []CallOption) (string, error) {
	o := defaultCallOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return "", err
	}
	cd, err := c.codecs.Get(o.serializer)
	if err != nil {
		return "", &crew.ValidationError{Field: "serializer", Reason: err.Error()}
	}

	id, err := c.register(channel, o.correlationID, pc)
	if err != nil {
		return "", err
	}

	body, encoding, err := codec.Encode(cd, payload, o.compress, o.level)
	if err != nil {
		c.take(id)
		return "", fmt.Errorf("master: encode %s: %w", channel, err)
	}

	headers := amqp.Table{}
	for k, v := range o.headers {
		headers[k] = v
	}
	headers[crew.HeaderOriginalSender] = c.uid

	replyTo := c.uid
	if o.routingKey != "" {
		replyTo = o.routingKey
	}
	mode := amqp.Transient
	if o.persistent {
		mode = amqp.Persistent
	}

	f := c.mgr.Publish(ctx, "", crew.TaskQueue(channel), amqp.Publishing{
		Headers:         headers,
		ContentType:     cd.ContentType(),
		ContentEncoding: encoding,
		DeliveryMode:    mode,
		Priority:        uint8(o.priority),
		CorrelationId:   id,
		ReplyTo:         replyTo,
		Expiration:      strconv.Itoa(o.expiration * 1000),
		Timestamp:       time.Now(),
		Body:            body,
	})
	go c.watchPublish(id, f)

	c.metrics.CallSent(channel)
	c.logger.Debug("task sent",
		zap.String("channel", channel),
		zap.String("correlation_id", id),
		zap.String("encoding", encoding),
		zap.Int("size", len(body)))
	return id, nil
}

// register قبل از publish ثبت می‌کند تا پاسخ زودرس گم نشود.
func (c *Client) register(channel, id string, pc *pendingCall) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		if _, dup := c.pending[id]; dup {
			return "", &crew.DuplicateTaskIDError{ID: id}
		}
	} else {
		id = channel + "." + crew.NewUID()
	}
	pc.id = id
	c.pending[id] = pc
	c.metrics.SetPending(len(c.pending))
	return id, nil
}

func (c *Client) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	c.metrics.SetPending(len(c.pending))
	return pc
}

// اگر publish شکست بخورد call با همان خطا resolve می‌شود.
func (c *Client) watchPublish(id string, f *connection.Future[struct{}]) {
	if _, err := f.Wait(context.Background()); err != nil {
		if pc := c.take(id); pc != nil {
			c.resolve(pc, nil, fmt.Errorf("master: publish: %w", err))
		}
	}
}

// resolve تنها نقطه‌ای که call معلق را کامل می‌کند.
func (c *Client) resolve(pc *pendingCall, reply *Reply, err error) {
	switch pc.kind {
	case kindFuture:
		if e := pc.result.set(reply, err); e != nil {
			c.logger.Error("result resolved twice", zap.String("correlation_id", pc.id), zap.Error(e))
		}
	case kindCallback:
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("callback panic", zap.String("correlation_id", pc.id), zap.Any("panic", r))
			}
		}()
		pc.callback(reply, err)
	}
}

// Pending تعداد call هایی که هنوز پاسخ نگرفته‌اند.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Subscribe روی کانال pub/sub.
func (c *Client) Subscribe(channel string, h pubsub.Handler) (*pubsub.Subscription, error) {
	return c.subscriber.Subscribe(channel, h)
}

// Publish روی کانال pub/sub؛ serializer خالی یعنی json.
func (c *Client) Publish(ctx context.Context, channel string, msg any, serializer string) error {
	return c.publisher.Publish(ctx, channel, msg, serializer)
}

// Close همه‌ی call های معلق را با ErrClosed تمام می‌کند و consumer ها را لغو می‌کند.
// Manager بسته نمی‌شود.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.metrics.SetPending(0)
	c.mu.Unlock()
	for _, pc := range pending {
		c.resolve(pc, nil, crew.ErrClosed)
	}

	var errs []error
	for _, f := range []*connection.Future[string]{c.replyTag, c.dlxTag} {
		tag, _, ok := f.Result()
		if !ok || tag == "" {
			continue
		}
		if _, err := c.mgr.Cancel(tag).Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

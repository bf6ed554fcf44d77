// Package pubsub fan-out روی exchange هدری crew.PUBSUB.
//
// هر subscriber صف انحصاری خودش را دارد و پیام‌ها حداکثر یک بار تحویل
// می‌شوند؛ پیام‌هایی که در زمان قطعی منتشر شوند از دست می‌روند.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
	"github.com/mrjvadi/crew/connection"
)

// Exchange تعریف مشترک crew.PUBSUB؛ publisher و subscriber باید
// دقیقا یکسان declare کنند.
func Exchange() connection.Exchange {
	return connection.Exchange{Name: crew.PubSubExchange, Kind: amqp.ExchangeHeaders, AutoDelete: true}
}

type Message struct {
	Channel         string
	ContentType     string
	ContentEncoding string
	Headers         amqp.Table
	Timestamp       time.Time
	Body            []byte

	codecs *codec.Registry
}

// Decode بدنه را با کدک متناظر content type باز می‌کند.
func (m Message) Decode(v any) error {
	raw, err := codec.Decode(m.Body, m.ContentEncoding)
	if err != nil {
		return err
	}
	return m.codecs.ForContentType(m.ContentType).Unmarshal(raw, v)
}

type Handler func(Message)

type Publisher struct {
	mgr     *connection.Manager
	codecs  *codec.Registry
	declare sync.Once
}

func NewPublisher(mgr *connection.Manager, codecs *codec.Registry) *Publisher {
	if codecs == nil {
		codecs = codec.Default()
	}
	return &Publisher{mgr: mgr, codecs: codecs}
}

// Publish منتظر می‌ماند تا پیام روی کانال نوشته شود.
func (p *Publisher) Publish(ctx context.Context, channel string, msg any, serializer string) error {
	if serializer == "" {
		serializer = codec.NameJSON
	}
	c, err := p.codecs.Get(serializer)
	if err != nil {
		return err
	}
	body, err := c.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: encode %s: %w", channel, err)
	}
	p.declare.Do(func() { p.mgr.ExchangeDeclare(Exchange()) })
	_, err = p.mgr.Publish(ctx, crew.PubSubExchange, "", amqp.Publishing{
		Headers:         amqp.Table{crew.HeaderChannelName: channel},
		ContentType:     c.ContentType(),
		ContentEncoding: codec.EncodingPlain,
		DeliveryMode:    amqp.Transient,
		Timestamp:       time.Now(),
		Body:            body,
	}).Wait(ctx)
	return err
}

type Subscriber struct {
	mgr     *connection.Manager
	codecs  *codec.Registry
	logger  *zap.Logger
	declare sync.Once
}

func NewSubscriber(mgr *connection.Manager, codecs *codec.Registry, logger *zap.Logger) *Subscriber {
	if codecs == nil {
		codecs = codec.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{mgr: mgr, codecs: codecs, logger: logger}
}

type Subscription struct {
	Channel string
	Queue   string

	mgr     *connection.Manager
	binding connection.Binding
	tag     *connection.Future[string]
	once    sync.Once
}

// Subscribe بلافاصله برمی‌گردد؛ صف و binding و consumer هر وقت کانال
// آماده شد ساخته می‌شوند و بعد از reconnect دوباره ساخته می‌شوند.
func (s *Subscriber) Subscribe(channel string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("pubsub: nil handler")
	}
	s.declare.Do(func() { s.mgr.ExchangeDeclare(Exchange()) })

	sub := &Subscription{
		Channel: channel,
		Queue:   crew.SubscriberQueuePrefix + crew.NewUID(),
		mgr:     s.mgr,
	}
	sub.binding = connection.Binding{
		Queue:    sub.Queue,
		Exchange: crew.PubSubExchange,
		Args:     amqp.Table{crew.HeaderChannelName: channel},
	}
	s.mgr.QueueDeclare(connection.Queue{Name: sub.Queue, Exclusive: true, AutoDelete: true})
	s.mgr.QueueBind(sub.binding)
	sub.tag = s.mgr.Consume(connection.Consumer{
		Queue:   sub.Queue,
		AutoAck: true,
		Handler: func(d amqp.Delivery) {
			s.deliver(channel, d, h)
		},
	})
	return sub, nil
}

func (s *Subscriber) deliver(channel string, d amqp.Delivery, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panic", zap.String("channel", channel), zap.Any("panic", r))
		}
	}()
	h(Message{
		Channel:         channel,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         d.Headers,
		Timestamp:       d.Timestamp,
		Body:            d.Body,
		codecs:          s.codecs,
	})
}

// Ready منتظر ثبت consumer روی broker می‌ماند.
func (sub *Subscription) Ready(ctx context.Context) error {
	_, err := sub.tag.Wait(ctx)
	return err
}

// Unsubscribe consumer را لغو، binding را حذف و صف را پاک می‌کند؛ بعد از
// reconnect هیچ‌کدام دوباره ساخته نمی‌شوند.
func (sub *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	sub.once.Do(func() {
		var tag string
		if tag, err = sub.tag.Wait(ctx); err != nil {
			return
		}
		if _, err = sub.mgr.Cancel(tag).Wait(ctx); err != nil {
			return
		}
		if _, err = sub.mgr.QueueUnbind(sub.binding).Wait(ctx); err != nil {
			return
		}
		_, err = sub.mgr.QueueDelete(sub.Queue).Wait(ctx)
	})
	return err
}

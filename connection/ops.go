package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrCancelled نتیجه‌ی عملیات durable ای که قبل از اجرا با Cancel یا
// QueueUnbind یا QueueDelete کنار گذاشته شد.
var ErrCancelled = errors.New("connection: operation cancelled before it ran")

type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp.Table
}

type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

type Binding struct {
	Queue    string
	Exchange string
	Key      string
	Args     amqp.Table
}

func (b Binding) key() string {
	return fmt.Sprintf("bind:%s|%s|%s|%v", b.Queue, b.Exchange, b.Key, b.Args)
}

// Consumer بعد از هر reconnect با همان Tag دوباره ثبت می‌شود و
// Handler برای هر تحویل روی goroutine مخصوص همین consumer صدا زده می‌شود.
type Consumer struct {
	Queue     string
	Tag       string
	AutoAck   bool
	Exclusive bool
	Args      amqp.Table
	Handler   func(amqp.Delivery)
}

// schedule همه‌ی عملیات‌ها از این مسیر می‌گذرند: اگر کانال آماده باشد
// همان لحظه روی loop اجرا می‌شوند، وگرنه در صف معلق (و برای durable ها
// در replay set) می‌مانند.
func schedule[T any](m *Manager, stage int, key string, durable bool, forget string, fn func(Channel) (T, error)) *Future[T] {
	f := NewFuture[T]()
	o := &op{stage: stage, key: key, durable: durable, forget: forget}
	o.run = func(ch Channel) error {
		v, err := fn(ch)
		if err != nil && isClosed(err) {
			return err
		}
		f.Resolve(v, err)
		return err
	}
	o.fail = func(err error) {
		var zero T
		f.Resolve(zero, err)
	}
	o.skip = func() {
		var zero T
		f.Resolve(zero, nil)
	}
	o.future = f
	o.follow = func(next *op) {
		nf, ok := next.future.(*Future[T])
		if !ok {
			o.skip()
			return
		}
		select {
		case <-f.Done():
			return
		default:
		}
		go func() {
			<-nf.Done()
			v, err, _ := nf.Result()
			f.Resolve(v, err)
		}()
	}
	m.submit(o)
	return f
}

func isClosed(err error) bool {
	e, ok := err.(*amqp.Error)
	return ok && e == amqp.ErrClosed
}

// Qos تعداد تحویل‌های ack نشده را محدود می‌کند و بعد از هر reconnect دوباره اعمال می‌شود.
func (m *Manager) Qos(prefetch int) *Future[struct{}] {
	return schedule(m, StageQos, "qos", true, "", func(ch Channel) (struct{}, error) {
		return struct{}{}, ch.Qos(prefetch, 0, false)
	})
}

func (m *Manager) ExchangeDeclare(e Exchange) *Future[struct{}] {
	return schedule(m, StageExchange, "exchange:"+e.Name, true, "", func(ch Channel) (struct{}, error) {
		return struct{}{}, ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, e.AutoDelete, e.Internal, false, e.Args)
	})
}

func (m *Manager) QueueDeclare(q Queue) *Future[amqp.Queue] {
	return schedule(m, StageQueue, "queue:"+q.Name, true, "", func(ch Channel) (amqp.Queue, error) {
		return ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args)
	})
}

func (m *Manager) QueueBind(b Binding) *Future[struct{}] {
	return schedule(m, StageBind, b.key(), true, "", func(ch Channel) (struct{}, error) {
		return struct{}{}, ch.QueueBind(b.Queue, b.Key, b.Exchange, false, b.Args)
	})
}

// QueueUnbind binding را از replay set هم حذف می‌کند.
func (m *Manager) QueueUnbind(b Binding) *Future[struct{}] {
	return schedule(m, StageBind, "", false, b.key(), func(ch Channel) (struct{}, error) {
		return struct{}{}, ch.QueueUnbind(b.Queue, b.Key, b.Exchange, b.Args)
	})
}

// Consume tag مصرف‌کننده را برمی‌گرداند؛ اگر خالی باشد ساخته می‌شود.
func (m *Manager) Consume(c Consumer) *Future[string] {
	if c.Tag == "" {
		c.Tag = "ctag-" + uuid.NewString()
	}
	return schedule(m, StageConsume, "consume:"+c.Tag, true, "", func(ch Channel) (string, error) {
		deliveries, err := ch.Consume(c.Queue, c.Tag, c.AutoAck, c.Exclusive, false, false, c.Args)
		if err != nil {
			return "", err
		}
		go pump(deliveries, c.Handler)
		return c.Tag, nil
	})
}

func (m *Manager) Cancel(tag string) *Future[struct{}] {
	return schedule(m, StageCancel, "", false, "consume:"+tag, func(ch Channel) (struct{}, error) {
		return struct{}{}, ch.Cancel(tag, false)
	})
}

// QueueDelete صف را حذف و declare آن را از replay set خارج می‌کند.
// تعداد پیام‌های دور ریخته را برمی‌گرداند.
func (m *Manager) QueueDelete(name string) *Future[int] {
	return schedule(m, StageDelete, "", false, "queue:"+name, func(ch Channel) (int, error) {
		return ch.QueueDelete(name, false, false, false)
	})
}

// Publish یک‌بار مصرف است و در replay set نمی‌ماند.
func (m *Manager) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) *Future[struct{}] {
	return schedule(m, StagePublish, "", false, "", func(ch Channel) (struct{}, error) {
		return struct{}{}, ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	})
}

func pump(deliveries <-chan amqp.Delivery, h func(amqp.Delivery)) {
	for d := range deliveries {
		h(d)
	}
}

// Package conntest یک broker درون‌حافظه برای تست‌ها.
//
// فقط رفتاری که crew از broker انتظار دارد شبیه‌سازی می‌شود: exchange
// پیش‌فرض، headers/fanout/direct، صف‌های انحصاری، consumer ها، ack و
// dead-letter دستی برای پیام‌های منقضی.
package conntest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrjvadi/crew/connection"
)

var ErrDialRefused = errors.New("conntest: dial refused")

var (
	_ connection.Connection = (*Conn)(nil)
	_ connection.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger     = (*Channel)(nil)
)

type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string // name -> kind
	queues    map[string]*queue
	bindings  map[string][]binding // exchange -> bindings
	conns     map[*Conn]struct{}
	log       []string
	failDials int
	dials     int
	acks      int
	prefetch  int
	nextTag   uint64
}

type queue struct {
	name      string
	args      amqp.Table
	owner     *Conn
	exclusive bool
	messages  []amqp.Delivery
	consumers []*consumer
	rr        int
}

type binding struct {
	queue string
	key   string
	args  amqp.Table
}

type consumer struct {
	tag    string
	queue  string
	ch     *Channel
	out    chan amqp.Delivery
	closed bool
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": "direct"},
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial با امضای connection.Dialer.
func (b *Broker) Dial(string) (connection.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrDialRefused
	}
	c := &Conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials n دایل بعدی را رد می‌کند.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Prefetch آخرین مقدار Qos که روی یک کانال گذاشته شده.
func (b *Broker) Prefetch() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefetch
}

func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Log ترتیب عملیات‌های توپولوژی و consume که broker دیده است.
func (b *Broker) Log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

func (b *Broker) ResetLog() {
	b.mu.Lock()
	b.log = nil
	b.mu.Unlock()
}

func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs آرگومان‌های declare یک صف.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Ready تعداد پیام‌های تحویل‌نشده‌ی صف.
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Drop همه‌ی اتصال‌ها را با خطا می‌بندد، مثل قطع شدن شبکه.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "conntest: dropped", Server: true})
	}
}

// Expire پیام‌های منتظر صف را منقضی و به dead-letter exchange صف
// می‌فرستد، با همان هدر x-death که RabbitMQ می‌سازد.
func (b *Broker) Expire(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	msgs := q.messages
	q.messages = nil
	for _, d := range msgs {
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		death := amqp.Table{
			"reason":       "expired",
			"queue":        name,
			"time":         time.Now().Truncate(time.Second),
			"exchange":     d.Exchange,
			"routing-keys": []interface{}{d.RoutingKey},
			"count":        int64(1),
		}
		if d.Expiration != "" {
			death["original-expiration"] = d.Expiration
		}
		headers["x-death"] = []interface{}{death}
		p := publishingOf(d)
		p.Headers = headers
		p.Expiration = ""
		if dlx != "" {
			b.route(dlx, d.RoutingKey, p)
		}
	}
	return len(msgs)
}

func (b *Broker) record(format string, args ...any) {
	b.log = append(b.log, fmt.Sprintf(format, args...))
}

// route باید با قفل گرفته‌شده صدا زده شود.
func (b *Broker) route(exchange, key string, p amqp.Publishing) {
	kind, ok := b.exchanges[exchange]
	if !ok {
		return
	}
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueue(q, exchange, key, p)
		}
		return
	}
	seen := map[string]bool{}
	for _, bd := range b.bindings[exchange] {
		if seen[bd.queue] || !matches(kind, bd, key, p.Headers) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			b.enqueue(q, exchange, key, p)
		}
	}
}

func matches(kind string, bd binding, key string, headers amqp.Table) bool {
	switch kind {
	case "fanout":
		return true
	case "headers":
		matchAny := bd.args["x-match"] == "any"
		hit := 0
		total := 0
		for k, v := range bd.args {
			if k == "x-match" {
				continue
			}
			total++
			if hv, ok := headers[k]; ok && reflect.DeepEqual(hv, v) {
				hit++
			}
		}
		if matchAny {
			return hit > 0
		}
		return hit == total
	default:
		return bd.key == key
	}
}

func (b *Broker) enqueue(q *queue, exchange, key string, p amqp.Publishing) {
	b.nextTag++
	d := amqp.Delivery{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		DeliveryTag:     b.nextTag,
		Exchange:        exchange,
		RoutingKey:      key,
		Body:            append([]byte(nil), p.Body...),
	}
	q.messages = append(q.messages, d)
	b.flush(q)
}

// flush پیام‌های صف را بین consumer ها پخش می‌کند.
func (b *Broker) flush(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.rr%len(q.consumers)]
		q.rr++
		d := q.messages[0]
		d.ConsumerTag = c.tag
		d.Acknowledger = c.ch
		select {
		case c.out <- d:
			q.messages = q.messages[1:]
		default:
			return
		}
	}
}

func publishingOf(d amqp.Delivery) amqp.Publishing {
	return amqp.Publishing{
		Headers:         d.Headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

// Publish مستقیم از طرف تست، بدون Manager.
func (b *Broker) Publish(exchange, key string, p amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route(exchange, key, p)
}

// Conn اتصال جعلی.
type Conn struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

func (c *Conn) Channel() (connection.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(n)
		return n
	}
	c.notify = append(c.notify, n)
	return n
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}

	b := c.broker
	b.mu.Lock()
	delete(b.conns, c)
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			delete(b.queues, name)
			b.unbindAll(name)
		}
	}
	b.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

func (b *Broker) unbindAll(queue string) {
	for ex, list := range b.bindings {
		kept := list[:0]
		for _, bd := range list {
			if bd.queue != queue {
				kept = append(kept, bd)
			}
		}
		b.bindings[ex] = kept
	}
}

// Channel کانال جعلی؛ Acknowledger تحویل‌ها هم هست.
type Channel struct {
	conn   *Conn
	broker *Broker
	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
	tags   []string
	qos    int
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	ch.mu.Lock()
	ch.qos = prefetchCount
	ch.mu.Unlock()
	b := ch.broker
	b.mu.Lock()
	b.prefetch = prefetchCount
	b.mu.Unlock()
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.exchanges[name]; ok && prev != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type' for exchange " + name}
	}
	b.exchanges[name] = kind
	b.record("exchange.declare %s", name)
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, args: args, exclusive: exclusive}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	b.record("queue.declare %s", name)
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	for _, bd := range b.bindings[exchange] {
		if bd.queue == name && bd.key == key && reflect.DeepEqual(bd.args, args) {
			b.record("queue.bind %s %s", name, exchange)
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: name, key: key, args: args})
	b.record("queue.bind %s %s", name, exchange)
	return nil
}

func (ch *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.bindings[exchange]
	kept := list[:0]
	for _, bd := range list {
		if bd.queue == name && bd.key == key && reflect.DeepEqual(bd.args, args) {
			continue
		}
		kept = append(kept, bd)
	}
	b.bindings[exchange] = kept
	b.record("queue.unbind %s %s", name, exchange)
	return nil
}

// QueueDelete صف، binding ها و consumer هایش را حذف می‌کند.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	if ch.isClosed() {
		return 0, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	for _, c := range q.consumers {
		if !c.closed {
			c.closed = true
			close(c.out)
		}
	}
	b.unbindAll(name)
	delete(b.queues, name)
	b.record("queue.delete %s", name)
	return len(q.messages), nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.isClosed() {
		return nil, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + queueName}
	}
	c := &consumer{tag: tag, queue: queueName, ch: ch, out: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, c)
	ch.mu.Lock()
	ch.tags = append(ch.tags, tag)
	ch.mu.Unlock()
	b.record("basic.consume %s", queueName)
	b.flush(q)
	return c.out, nil
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeConsumer(ch, tag)
	b.record("basic.cancel %s", tag)
	return nil
}

func (b *Broker) removeConsumer(ch *Channel, tag string) {
	for _, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.ch == ch && c.tag == tag {
				if !c.closed {
					c.closed = true
					close(c.out)
				}
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
	}
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	b.record("basic.publish %s", key)
	b.route(exchange, key, msg)
	return nil
}

func (ch *Channel) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(n)
		return n
	}
	ch.notify = append(ch.notify, n)
	return n
}

func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *Channel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	tags := ch.tags
	notify := ch.notify
	ch.notify = nil
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	for _, tag := range tags {
		b.removeConsumer(ch, tag)
	}
	b.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// Acknowledger

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	b.acks++
	b.mu.Unlock()
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error { return nil }

func (ch *Channel) Reject(tag uint64, requeue bool) error { return nil }

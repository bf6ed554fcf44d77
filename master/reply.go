package master

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
)

// onResult پاسخ عادی روی صف خصوصی. هر تحویل دقیقا یک بار ack می‌شود،
// چه call ی منتظرش باشد چه نه.
func (c *Client) onResult(d amqp.Delivery) {
	defer c.ack(d)

	pc := c.take(d.CorrelationId)
	if pc == nil {
		c.metrics.ReplyReceived("dropped")
		c.logger.Info("got result for task but no call is pending", zap.String("correlation_id", d.CorrelationId))
		return
	}
	reply, err := c.decodeReply(d)
	if err != nil {
		c.metrics.ReplyReceived("error")
	} else {
		c.metrics.ReplyReceived("result")
	}
	c.resolve(pc, reply, err)
}

// onDeadLetter پیام منقضی‌شده که broker از طریق crew.DLX برگردانده است.
func (c *Client) onDeadLetter(d amqp.Delivery) {
	defer c.ack(d)

	exp, err := deadLetter(d.Headers)
	if err != nil {
		c.logger.Error("unparseable dead letter dropped", zap.String("correlation_id", d.CorrelationId), zap.Error(err))
		return
	}
	pc := c.take(d.CorrelationId)
	if pc == nil {
		c.metrics.ReplyReceived("dropped")
		c.logger.Info("dead letter for unknown task dropped", zap.String("correlation_id", d.CorrelationId))
		return
	}
	c.metrics.ReplyReceived("expired")
	c.resolve(pc, nil, exp)
}

func (c *Client) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// decodeReply پاسخی که type آن crew.error است به خطای Go تبدیل می‌شود.
func (c *Client) decodeReply(d amqp.Delivery) (*Reply, error) {
	body, err := codec.Decode(d.Body, d.ContentEncoding)
	if err != nil {
		return nil, fmt.Errorf("master: reply %s: %w", d.CorrelationId, err)
	}
	reply := &Reply{
		CorrelationID:   d.CorrelationId,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         d.Headers,
		Body:            body,
		codecs:          c.codecs,
	}
	if d.Type != crew.ErrorMessageType {
		return reply, nil
	}
	if c.codecs.ForContentType(d.ContentType).Name() == codec.NameText {
		return reply, crew.ParseWireText(string(body)).Err()
	}
	var w crew.WireError
	if err := reply.Decode(&w); err != nil {
		return reply, &crew.HandlerError{Message: string(body)}
	}
	return reply, w.Err()
}

var errNoDeath = errors.New("master: missing x-death header")

// deadLetter هدر x-death را به ExpirationError تبدیل می‌کند.
func deadLetter(h amqp.Table) (*crew.ExpirationError, error) {
	list, ok := h[crew.HeaderDeath].([]interface{})
	if !ok || len(list) == 0 {
		return nil, errNoDeath
	}
	death, ok := list[0].(amqp.Table)
	if !ok {
		return nil, fmt.Errorf("master: x-death entry is %T", list[0])
	}
	e := &crew.ExpirationError{}
	e.Reason, _ = death["reason"].(string)
	if t, ok := death["time"].(time.Time); ok {
		e.Time = t
	}
	if raw, ok := death["original-expiration"].(string); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("master: original-expiration %q: %w", raw, err)
		}
		e.Expiration = time.Duration(ms) * time.Millisecond
	}
	return e, nil
}

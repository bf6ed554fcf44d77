package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
)

const defaultTTL = crew.DefaultExpiration * time.Second

// onRequest: متادیتا، بررسی انقضا، دیکد، اجرا زیر ددلاین، پاسخ و در
// آخر ack. ack بدون شرط است تا تسکی که یک بار اجرا شده دوباره تحویل نشود.
func (a *App) onRequest(ctx context.Context, b *binding, d amqp.Delivery) {
	t := taskOf(b.queue, d, time.Now())
	log := a.logger.With(zap.String("queue", b.queue), zap.String("correlation_id", t.CorrelationID))

	body, err := a.execute(ctx, t, d, log)

	if d.ReplyTo != "" {
		switch rerr := a.reply(ctx, d, t, body, err); {
		case rerr == nil:
		case errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded):
			log.Warn("reply dropped, broker did not confirm in time", zap.String("reply_to", d.ReplyTo), zap.Error(rerr))
		default:
			log.Error("reply failed", zap.String("reply_to", d.ReplyTo), zap.Error(rerr))
		}
	}
	if !b.autoAck {
		if aerr := d.Ack(false); aerr != nil {
			log.Warn("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(aerr))
		}
	}

	elapsed := time.Since(t.Received)
	a.metrics.TaskHandled(b.queue, outcome(err), elapsed)
	log.Info("task handled",
		zap.String("outcome", outcome(err)),
		zap.Duration("elapsed", elapsed),
		zap.Int("reply_size", len(body)))
}

func (a *App) execute(ctx context.Context, t *Task, d amqp.Delivery, log *zap.Logger) ([]byte, error) {
	if !t.Deadline.After(t.Received) {
		log.Error("rejecting expired task", zap.Duration("late", t.Received.Sub(t.Deadline)))
		return nil, &crew.ExpirationError{Reason: "task now expired", Time: t.Received, Expiration: t.TTL}
	}

	raw, err := codec.Decode(d.Body, t.ContentEncoding)
	if err != nil {
		log.Error("undecodable task body", zap.Error(err))
		return nil, &crew.HandlerError{Kind: "DecodeError", Message: err.Error()}
	}
	t.Body = raw
	log.Debug("got task", zap.String("content_type", t.ContentType), zap.Int("size", len(raw)))

	body, err := a.executor.Execute(ctx, a.invoke, t)
	var to *crew.TimeoutError
	switch {
	case errors.As(err, &to):
		a.metrics.ExecutorStopped(to.Killed)
		log.Warn("handler exceeded deadline", zap.Duration("timeout", to.Timeout), zap.Bool("killed", to.Killed))
	case err != nil:
		log.Error("task error", zap.Error(err))
	}
	return body, err
}

// invoke هندلر را صدا می‌زند و نتیجه را با کدک درخواست سریالایز می‌کند.
// panic هندلر به HandlerError تبدیل می‌شود.
func (a *App) invoke(ctx context.Context, t *Task) (body []byte, err error) {
	b := a.binding(t.Queue)
	if b == nil {
		return nil, &crew.HandlerError{Kind: "NotFound", Message: "no handler for " + t.Queue}
	}
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, &crew.HandlerError{Kind: "panic", Message: fmt.Sprint(r)}
		}
	}()

	cd := a.codecs.ForContentType(t.ContentType)
	v, err := b.handler(&Context{ctx: ctx, app: a, task: t, codec: cd})
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(Raw); ok {
		return raw, nil
	}
	body, err = cd.Marshal(v)
	if err != nil {
		return nil, &crew.HandlerError{Kind: "EncodeError", Message: err.Error()}
	}
	return body, nil
}

// reply با همان content type و encoding درخواست، همان هدرها و همان TTL.
func (a *App) reply(ctx context.Context, d amqp.Delivery, t *Task, body []byte, taskErr error) error {
	msg := amqp.Publishing{
		Headers:         d.Headers,
		ContentType:     t.ContentType,
		ContentEncoding: codec.EncodingPlain,
		CorrelationId:   t.CorrelationID,
		Expiration:      d.Expiration,
		Timestamp:       time.Now(),
	}
	if taskErr != nil {
		body, msg.ContentType = a.encodeError(t.ContentType, taskErr)
		msg.Type = crew.ErrorMessageType
	}
	if t.ContentEncoding == codec.EncodingGzip {
		z, err := codec.Compress(body, codec.DefaultLevel)
		if err != nil {
			return err
		}
		body = z
		msg.ContentEncoding = codec.EncodingGzip
	}
	msg.Body = body
	// publish حتی بعد از رها کردن انتظار در صف Manager می‌ماند
	wctx, cancel := context.WithTimeout(a.replyCtx, a.replyTimeout)
	defer cancel()
	_, err := a.mgr.Publish(context.WithoutCancel(ctx), "", d.ReplyTo, msg).Wait(wctx)
	return err
}

// encodeError اگر کدک درخواست نتواند WireError را سریالایز کند (proto)
// پاسخ خطا به json برمی‌گردد.
func (a *App) encodeError(contentType string, err error) ([]byte, string) {
	w := crew.ToWire(err)
	cd := a.codecs.ForContentType(contentType)
	if cd.Name() == codec.NameText {
		return []byte(w.Text()), contentType
	}
	if body, merr := cd.Marshal(w); merr == nil {
		return body, contentType
	}
	js := codec.JSON()
	body, _ := js.Marshal(w)
	return body, js.ContentType()
}

func taskOf(queue string, d amqp.Delivery, now time.Time) *Task {
	t := &Task{
		Queue:           queue,
		CorrelationID:   d.CorrelationId,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         d.Headers,
		Timestamp:       d.Timestamp,
		Received:        now,
		TTL:             defaultTTL,
	}
	if t.ContentType == "" {
		t.ContentType = codec.Text().ContentType()
	}
	if t.ContentEncoding == "" {
		t.ContentEncoding = codec.EncodingPlain
	}
	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms >= 0 {
		t.TTL = time.Duration(ms) * time.Millisecond
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	t.Deadline = t.Timestamp.Add(t.TTL)
	return t
}

func outcome(err error) string {
	var (
		exp *crew.ExpirationError
		to  *crew.TimeoutError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &exp):
		return "expired"
	case errors.As(err, &to):
		return "timeout"
	default:
		return "error"
	}
}

package master

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
)

const DefaultWaitTimeout = 60 * time.Second

// Reply بدنه‌ی پاسخ (از حالت فشرده خارج شده) به همراه متادیتا.
type Reply struct {
	CorrelationID   string
	ContentType     string
	ContentEncoding string
	Headers         amqp.Table
	Body            []byte

	codecs *codec.Registry
}

// Decode بدنه را با کدک content type پاسخ باز می‌کند.
func (r *Reply) Decode(v any) error {
	return r.codecs.ForContentType(r.ContentType).Unmarshal(r.Body, v)
}

func (r *Reply) Text() string { return string(r.Body) }

// Result نتیجه‌ی یک call که فقط یک بار مقدار می‌گیرد.
type Result struct {
	ID string

	once    sync.Once
	done    chan struct{}
	reply   *Reply
	err     error
	abandon func()
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) set(reply *Reply, err error) error {
	set := false
	r.once.Do(func() {
		r.reply, r.err = reply, err
		close(r.done)
		set = true
	})
	if !set {
		return crew.ErrAlreadyResolved
	}
	return nil
}

func (r *Result) Done() <-chan struct{} { return r.done }

// Wait بلاک می‌ماند تا پاسخ برسد. بعد از timeout یک TimeoutError محلی
// برمی‌گردد و پاسخ دیرهنگام دور ریخته می‌شود؛ اجرای سمت ورکر لغو نمی‌شود.
func (r *Result) Wait(timeout time.Duration) (*Reply, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.reply, r.err
	case <-timer.C:
		r.giveUp(&crew.TimeoutError{Timeout: timeout, Local: true})
		<-r.done
		return r.reply, r.err
	}
}

// Await مثل Wait با context.
func (r *Result) Await(ctx context.Context) (*Reply, error) {
	select {
	case <-r.done:
		return r.reply, r.err
	case <-ctx.Done():
		r.giveUp(ctx.Err())
		<-r.done
		return r.reply, r.err
	}
}

func (r *Result) giveUp(err error) {
	if r.abandon != nil {
		r.abandon()
	}
	_ = r.set(nil, err)
}

// Callback برای call های غیرمسدود؛ روی goroutine مصرف‌کننده‌ی پاسخ صدا زده می‌شود.
type Callback func(reply *Reply, err error)

type callKind int

const (
	kindFuture callKind = iota
	kindCallback
)

// pendingCall یا Result دارد یا Callback، هیچ‌وقت هر دو.
type pendingCall struct {
	id       string
	kind     callKind
	result   *Result
	callback Callback
}

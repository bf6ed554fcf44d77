// Package worker سمت اجرا: مصرف صف‌های crew.tasks.*، اجرای هندلر زیر
// ددلاین و فرستادن پاسخ به صف خصوصی کلاینت.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
	"github.com/mrjvadi/crew/connection"
	"github.com/mrjvadi/crew/metrics"
	"github.com/mrjvadi/crew/pubsub"
	"github.com/mrjvadi/crew/settings"
)

var (
	ErrNoHandlers     = errors.New("worker: no handlers registered")
	ErrAlreadyRunning = errors.New("worker: already running")
	ErrNoConnection   = errors.New("worker: no connection manager")
)

type App struct {
	mgr       *connection.Manager
	uid       string
	createdAt time.Time

	codecs   *codec.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	settings settings.Store
	executor Executor
	values   map[any]any

	publisher *pubsub.Publisher

	// رجیستری هندلرها، کلید نام صف
	mu       sync.RWMutex
	bindings map[string]*binding
	running  bool
	stopping bool

	// اجرای داخلی
	wg       sync.WaitGroup
	sem      chan struct{}
	maxJobs  int
	prefetch int

	// انتظار برای تایید پاسخ؛ Run هنگام خاموشی replyCtx را لغو می‌کند
	replyCtx        context.Context
	abortReplies    context.CancelFunc
	replyTimeout    time.Duration
	shutdownTimeout time.Duration

	infoOnce sync.Once
	info     Info
}

// New با mgr برابر nil فقط برای پروسه‌ی فرزند ProcessExecutor معنی دارد.
func New(mgr *connection.Manager, options ...Option) *App {
	a := &App{
		mgr:       mgr,
		uid:       crew.NewUID(),
		createdAt: time.Now(),
		codecs:    codec.Default(),
		logger:    zap.NewNop(),
		settings:  settings.NewMemory(),
		executor:  GoroutineExecutor{},
		values:    make(map[any]any),
		bindings:  make(map[string]*binding),
		maxJobs:   1,

		replyTimeout:    DefaultReplyTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range options {
		opt(a)
	}
	a.sem = make(chan struct{}, a.maxJobs)
	a.replyCtx, a.abortReplies = context.WithCancel(context.Background())
	if mgr != nil {
		a.publisher = pubsub.NewPublisher(mgr, a.codecs)
	}
	return a
}

// Task هندلر کانال name را روی صف crew.tasks.<name> ثبت می‌کند.
// ثبت تکراری یا ثبت بعد از Run یک خطای برنامه‌نویسی است و panic می‌کند.
func (a *App) Task(name string, h HandlerFunc, opts ...TaskOption) {
	if name == "" || h == nil {
		panic("worker: Task needs a name and a handler")
	}
	b := &binding{queue: crew.TaskQueue(name), handler: h}
	for _, opt := range opts {
		opt(b)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		panic(fmt.Sprintf("worker: Task(%q) after Run", name))
	}
	if _, dup := a.bindings[b.queue]; dup {
		panic(fmt.Sprintf("worker: handler for %q registered twice", name))
	}
	a.bindings[b.queue] = b
}

// Queues نام صف‌های ثبت‌شده به ترتیب الفبا.
func (a *App) Queues() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.bindings))
	for q := range a.bindings {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (a *App) UID() string { return a.uid }

// Run صف‌ها را declare و مصرف می‌کند و تا لغو ctx بلوکه می‌ماند. تسک‌های
// در حال اجرا با لغو ctx قطع نمی‌شوند؛ Run منتظر تمام شدنشان می‌ماند.
func (a *App) Run(ctx context.Context) error {
	if a.mgr == nil {
		return ErrNoConnection
	}
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	list := make([]*binding, 0, len(a.bindings))
	for _, b := range a.bindings {
		list = append(list, b)
	}
	a.mu.Unlock()
	if len(list) == 0 {
		return ErrNoHandlers
	}
	sort.Slice(list, func(i, j int) bool { return list[i].queue < list[j].queue })

	taskCtx := context.WithoutCancel(ctx)

	prefetch := a.prefetch
	if prefetch == 0 {
		prefetch = a.maxJobs
	}
	a.mgr.Qos(prefetch)
	a.mgr.ExchangeDeclare(connection.Exchange{Name: crew.DeadLetterExchange, Kind: amqp.ExchangeHeaders, AutoDelete: true})
	tags := make([]*connection.Future[string], 0, len(list))
	queues := make([]string, 0, len(list))
	for _, b := range list {
		b := b
		a.mgr.QueueDeclare(connection.Queue{
			Name: b.queue,
			Args: amqp.Table{
				crew.ArgDeadLetterExchange: crew.DeadLetterExchange,
				crew.ArgMessageTTL:         int32(crew.TaskQueueTTL),
			},
		})
		tags = append(tags, a.mgr.Consume(connection.Consumer{
			Queue:   b.queue,
			Tag:     consumerTag(),
			AutoAck: b.autoAck,
			Handler: func(d amqp.Delivery) { a.dispatch(taskCtx, b, d) },
		}))
		queues = append(queues, b.queue)
	}
	a.mgr.Connect()
	a.logger.Info("worker started",
		zap.String("uid", a.uid),
		zap.Strings("queues", queues),
		zap.Int("max_jobs", a.maxJobs))

	// بلوکه تا لغو
	<-ctx.Done()

	// خاموشی تمیز
	cctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	for _, f := range tags {
		tag, _, ok := f.Result()
		if !ok || tag == "" {
			continue
		}
		if _, err := a.mgr.Cancel(tag).Wait(cctx); err != nil {
			a.logger.Warn("cancel consumer", zap.String("tag", tag), zap.Error(err))
		}
	}
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(a.shutdownTimeout):
		// broker در دسترس نیست؛ منتظر تایید پاسخ‌ها نمی‌مانیم
		a.logger.Warn("shutdown timeout, unconfirmed replies are dropped", zap.Duration("timeout", a.shutdownTimeout))
		a.abortReplies()
		<-drained
	}
	a.abortReplies()
	a.logger.Info("worker stopped", zap.String("uid", a.uid))
	return nil
}

// dispatch روی goroutine همان consumer صدا زده می‌شود؛ با پر بودن sem
// مصرف از صف متوقف می‌ماند.
func (a *App) dispatch(ctx context.Context, b *binding, d amqp.Delivery) {
	a.sem <- struct{}{}

	a.mu.RLock()
	if a.stopping {
		a.mu.RUnlock()
		<-a.sem
		// اجرا نشده؛ به صف برمی‌گردد
		if !b.autoAck {
			_ = d.Nack(false, true)
		}
		return
	}
	a.wg.Add(1)
	a.mu.RUnlock()

	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		a.onRequest(ctx, b, d)
	}()
}

func (a *App) binding(queue string) *binding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bindings[queue]
}

// Info شناسه‌های این پروسه.
type Info struct {
	UID       string
	NodeUID   string
	Hostname  string
	PID       int
	StartedAt time.Time
}

func (a *App) Info() Info {
	a.infoOnce.Do(func() {
		host, _ := os.Hostname()
		a.info = Info{
			UID:       a.uid,
			NodeUID:   crew.NodeUID(),
			Hostname:  host,
			PID:       os.Getpid(),
			StartedAt: a.createdAt,
		}
	})
	return a.info
}

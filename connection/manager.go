// Package connection نگهدارنده‌ی تنها اتصال و تنها کانال AMQP.
//
// همه‌ی عملیات‌ها (declare, bind, consume, cancel, publish) در هر وضعیتی
// قابل صدا زدن هستند؛ یک goroutine حلقه‌ی رویداد صاحب کانال است و
// عملیات‌ها فقط روی همان goroutine اجرا می‌شوند.
package connection

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/metrics"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	ChannelOpening
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ChannelOpening:
		return "channel-opening"
	case Ready:
		return "ready"
	}
	return "unknown"
}

const DefaultReconnectDelay = 5 * time.Second

type Manager struct {
	url     string
	dial    Dialer
	delay   time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	state atomic.Int32

	ops    chan *op
	events chan any
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	lmu     sync.Mutex
	onOpen  []func()
	onClose []func()

	// فقط داخل loop
	conn    Connection
	ch      Channel
	gen     uint64
	seq     uint64
	dialing bool
	wanted  bool
	pending opQueue
	replay  *replaySet
	cancel  context.CancelFunc
}

// رویدادهای داخلی حلقه
type (
	evConnect    struct{}
	evConnecting struct{}
	evDialFailed struct{ err error }
	evTransport  struct{ conn Connection }
	evClosed     struct {
		gen uint64
		err *amqp.Error
	}
)

func New(url string, options ...Option) *Manager {
	m := &Manager{
		url:    url,
		dial:   AMQPDialer(amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"}),
		delay:  DefaultReconnectDelay,
		logger: zap.NewNop(),
		ops:    make(chan *op),
		events: make(chan any, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		replay: newReplaySet(),
	}
	for _, opt := range options {
		opt(m)
	}
	go m.loop()
	return m
}

// Connect اتصال را شروع می‌کند؛ اگر در حال اتصال یا آماده باشد کاری نمی‌کند.
func (m *Manager) Connect() {
	m.post(evConnect{})
}

func (m *Manager) State() State { return State(m.state.Load()) }

// OnOpen هر بار که کانال آماده شود صدا زده می‌شود.
func (m *Manager) OnOpen(fn func()) {
	m.lmu.Lock()
	m.onOpen = append(m.onOpen, fn)
	m.lmu.Unlock()
}

// OnClose هر بار که از وضعیت Ready خارج شویم صدا زده می‌شود.
func (m *Manager) OnClose(fn func()) {
	m.lmu.Lock()
	m.onClose = append(m.onClose, fn)
	m.lmu.Unlock()
}

// Close اتصال را می‌بندد و همه‌ی عملیات‌های معلق با ErrClosed شکست می‌خورند.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
	return nil
}

func (m *Manager) submit(o *op) {
	select {
	case m.ops <- o:
	case <-m.done:
		o.fail(crew.ErrClosed)
	}
}

func (m *Manager) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case o := <-m.ops:
			m.accept(o)
		case ev := <-m.events:
			m.handle(ev)
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) handle(ev any) {
	switch e := ev.(type) {
	case evConnect:
		m.wanted = true
		if m.State() == Disconnected && !m.dialing {
			m.startDialer(0)
		}
	case evConnecting:
		m.setState(Connecting)
	case evDialFailed:
		m.setState(Disconnected)
		m.logger.Error("connection failed, retrying",
			zap.Error(e.err), zap.Duration("delay", m.delay))
	case evTransport:
		m.dialing = false
		m.open(e.conn)
	case evClosed:
		if e.gen != m.gen || m.ch == nil {
			return
		}
		var err error
		if e.err != nil {
			err = e.err
		}
		m.lost(err)
	}
}

// startDialer یک goroutine که با تاخیر ثابت تا موفقیت تلاش می‌کند.
func (m *Manager) startDialer(wait time.Duration) {
	m.dialing = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go func() {
		defer cancel()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-m.quit:
				return
			}
		}
		err := retry.Do(
			func() error {
				if !m.post(evConnecting{}) {
					return crew.ErrClosed
				}
				conn, err := m.dial(m.url)
				if err != nil {
					return &crew.ConnectionError{Addr: redact(m.url), Err: err}
				}
				if !m.post(evTransport{conn: conn}) {
					_ = conn.Close()
					return crew.ErrClosed
				}
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(math.MaxUint32),
			retry.Delay(m.delay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !errors.Is(err, crew.ErrClosed) }),
			retry.OnRetry(func(n uint, err error) {
				m.post(evDialFailed{err: err})
			}),
		)
		if err != nil && !errors.Is(err, crew.ErrClosed) && ctx.Err() == nil {
			m.logger.Error("dialer stopped", zap.Error(err))
		}
	}()
}

// open روی loop اجرا می‌شود: کانال، سپس replay و صف معلق.
func (m *Manager) open(conn Connection) {
	m.setState(ChannelOpening)
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		m.logger.Error("channel open failed", zap.Error(err))
		m.setState(Disconnected)
		m.startDialer(m.delay)
		return
	}

	m.gen++
	m.conn, m.ch = conn, ch
	m.watch(m.gen, conn, ch)
	m.setState(Ready)
	m.logger.Info("channel ready", zap.Int("replay", m.replay.len()), zap.Int("pending", m.pending.Len()))
	m.notify(m.openListeners())

	for _, o := range m.replay.ordered() {
		if !m.execute(o) {
			return
		}
	}
	for m.pending.Len() > 0 {
		if !m.execute(m.pending.pop()) {
			return
		}
	}
}

func (m *Manager) watch(gen uint64, conn Connection, ch Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var err *amqp.Error
		select {
		case err = <-connClosed:
		case err = <-chClosed:
		case <-m.quit:
			return
		}
		m.post(evClosed{gen: gen, err: err})
	}()
}

// lost کانال و اتصال را جمع می‌کند و اتصال دوباره را زمان‌بندی می‌کند.
func (m *Manager) lost(err error) {
	wasReady := m.State() == Ready
	m.teardown()
	m.setState(Disconnected)
	m.metrics.Reconnect()
	m.logger.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", m.delay))
	if wasReady {
		m.notify(m.closeListeners())
	}
	if m.wanted && !m.dialing {
		m.startDialer(m.delay)
	}
}

func (m *Manager) teardown() {
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.ch, m.conn = nil, nil
}

func (m *Manager) accept(o *op) {
	m.seq++
	o.seq = m.seq

	ready := m.State() == Ready
	if o.forget != "" {
		if gone := m.replay.remove(o.forget); gone != nil && !ready {
			// هنوز روی broker اجرا نشده؛ چیزی برای لغو وجود ندارد
			gone.fail(ErrCancelled)
			o.skip()
			return
		}
	}
	if o.durable {
		if prev := m.replay.add(o); prev != nil {
			// اگر prev هنوز اجرا نشده، با نتیجه‌ی o resolve می‌شود
			prev.follow(o)
		}
	}
	if ready {
		m.execute(o)
		return
	}
	if !o.durable {
		m.pending.push(o)
	}
}

// execute false برمی‌گرداند اگر کانال از دست رفته باشد.
func (m *Manager) execute(o *op) bool {
	err := o.run(m.ch)
	if err == nil {
		return true
	}
	if isClosed(err) {
		if !o.durable {
			m.pending.push(o)
		}
		m.lost(err)
		return false
	}
	if o.durable {
		m.replay.removeOp(o)
	}
	m.logger.Error("channel operation failed", zap.Int("stage", o.stage), zap.String("key", o.key), zap.Error(err))
	return true
}

func (m *Manager) shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	wasReady := m.State() == Ready
	m.teardown()
	m.setState(Disconnected)
	for m.pending.Len() > 0 {
		m.pending.pop().fail(crew.ErrClosed)
	}
	for _, o := range m.replay.ordered() {
		o.fail(crew.ErrClosed)
	}
	// submit هایی که همزمان با بسته شدن رسیده‌اند
	for {
		select {
		case o := <-m.ops:
			o.fail(crew.ErrClosed)
		default:
			if wasReady {
				m.notify(m.closeListeners())
			}
			return
		}
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.metrics.SetConnectionState(int(s))
}

func (m *Manager) openListeners() []func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	return append([]func(){}, m.onOpen...)
}

func (m *Manager) closeListeners() []func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	return append([]func(){}, m.onClose...)
}

func (m *Manager) notify(fns []func()) {
	for _, fn := range fns {
		go fn()
	}
}

func redact(raw string) string {
	u, err := amqp.ParseURI(raw)
	if err != nil {
		return "amqp"
	}
	u.Password = ""
	return u.String()
}

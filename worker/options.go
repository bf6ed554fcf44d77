package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/mrjvadi/crew/codec"
	"github.com/mrjvadi/crew/metrics"
	"github.com/mrjvadi/crew/settings"
)

const (
	DefaultReplyTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

type Option func(*App)

func WithLogger(l *zap.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSettings مخزن تنظیمات مشترکی که از Context.Settings در دسترس است.
func WithSettings(s settings.Store) Option {
	return func(a *App) {
		if s != nil {
			a.settings = s
		}
	}
}

func WithExecutor(e Executor) Option {
	return func(a *App) {
		if e != nil {
			a.executor = e
		}
	}
}

func WithCodecs(r *codec.Registry) Option {
	return func(a *App) {
		if r != nil {
			a.codecs = r
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}

// WithMaxJobs سقف تسک‌های همزمان؛ prefetch کانال هم همین مقدار می‌شود.
func WithMaxJobs(n int) Option {
	return func(a *App) {
		if n > 0 {
			a.maxJobs = n
		}
	}
}

// WithPrefetch Qos کانال؛ صفر یعنی برابر MaxJobs.
func WithPrefetch(n int) Option {
	return func(a *App) {
		if n >= 0 {
			a.prefetch = n
		}
	}
}

// WithContextValue مقداری که هندلرها با Context.Value می‌خوانند.
func WithContextValue(key, value any) Option {
	return func(a *App) {
		a.values[key] = value
	}
}

// WithReplyTimeout سقف انتظار برای تایید publish پاسخ؛ بعد از آن پاسخ
// رها می‌شود و تسک ack می‌شود.
func WithReplyTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.replyTimeout = d
		}
	}
}

// WithShutdownTimeout مهلت لغو consumer ها و تخلیه‌ی تسک‌های در حال اجرا
// بعد از لغو ctx در Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}

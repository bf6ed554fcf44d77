package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mrjvadi/crew/config"
	"github.com/mrjvadi/crew/connection"
	"github.com/mrjvadi/crew/metrics"
	"github.com/mrjvadi/crew/observability"
	"github.com/mrjvadi/crew/settings"
)

// forkEnv شماره‌ی fork در پروسه‌هایی که با --forks ساخته شده‌اند.
const forkEnv = "CREW_WORKER_FORK"

// Main نقطه‌ی ورود باینری ورکر: فلگ‌ها، کانفیگ، لاگر، متریک و اجرای App.
// register باید فقط هندلرها را ثبت کند؛ در پروسه‌ی فرزند ProcessExecutor
// هم صدا زده می‌شود.
func Main(register func(*App)) {
	if err := run(os.Args[1:], register); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet(filepath.Base(os.Args[0]), pflag.ContinueOnError)
	fs.StringP("host", "H", "localhost", "broker host")
	fs.IntP("port", "P", 5672, "broker port")
	fs.String("vhost", "/", "broker virtual host")
	fs.String("user", "guest", "broker user")
	fs.String("password", "guest", "broker password")
	fs.String("logging", "info", "log level: debug, info, warn, error")
	fs.BoolP("verbose", "v", false, "debug logging")
	fs.Int("forks", 1, "number of worker processes")
	fs.String("executor", "goroutine", "handler executor: goroutine or process")
	fs.String("redis", "", "redis address for shared settings")
	fs.String("metrics", "", "listen address for /metrics")
	fs.String("config", "", "config file")
	return fs
}

func run(args []string, register func(*App)) error {
	fs := flags()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		return err
	}

	if IsChild() {
		return serveChild(cfg, register)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Worker.Forks > 1 && os.Getenv(forkEnv) == "" {
		return supervise(ctx, cfg.Worker.Forks, args, logger)
	}
	return serve(ctx, cfg, args, register, logger)
}

func serve(ctx context.Context, cfg *config.Config, args []string, register func(*App), logger *zap.Logger) error {
	fork, _ := strconv.Atoi(os.Getenv(forkEnv))
	logger = logger.With(zap.Int("pid", os.Getpid()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(registry)
	if cfg.Metrics.Listen != "" {
		srv := metricsServer(listenAddr(cfg.Metrics.Listen, fork), registry)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	store, closeStore, err := settingsStore(cfg.Redis)
	if err != nil {
		return err
	}
	defer closeStore()

	var executor Executor = GoroutineExecutor{}
	if cfg.Worker.Executor == "process" {
		pe, err := NewProcessExecutor(args...)
		if err != nil {
			return err
		}
		executor = pe
	}

	mgr := connection.New(cfg.AMQP.URL(),
		connection.WithLogger(logger.Named("connection")),
		connection.WithMetrics(mt),
		connection.WithReconnectDelay(cfg.AMQP.ReconnectDelay),
		connection.WithDialer(connection.AMQPDialer(amqp.Config{Heartbeat: cfg.AMQP.Heartbeat, Locale: "en_US"})),
	)
	defer func() { _ = mgr.Close() }()

	app := New(mgr,
		WithLogger(logger.Named("worker")),
		WithMetrics(mt),
		WithSettings(store),
		WithExecutor(executor),
		WithMaxJobs(cfg.Worker.MaxJobs),
		WithPrefetch(cfg.Worker.Prefetch),
	)
	register(app)
	logger.Info("connecting", zap.String("broker", cfg.AMQP.Addr()), zap.String("vhost", cfg.AMQP.VHost))
	return app.Run(ctx)
}

// serveChild پروسه‌ی فرزند ProcessExecutor: یک تسک از stdin، نتیجه در stdout.
func serveChild(cfg *config.Config, register func(*App)) error {
	logger, err := observability.ChildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := settingsStore(cfg.Redis)
	if err != nil {
		return err
	}
	defer closeStore()

	app := New(nil, WithLogger(logger.Named("child")), WithSettings(store))
	register(app)
	return app.ServeChild(os.Stdin, os.Stdout)
}

func settingsStore(c config.RedisConfig) (settings.Store, func(), error) {
	if c.Addr == "" {
		return settings.NewMemory(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, DB: c.DB, Password: c.Password})
	return settings.NewRedis(rdb, c.Prefix), func() { _ = rdb.Close() }, nil
}

func metricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// listenAddr هر fork روی پورت بعدی گوش می‌دهد.
func listenAddr(addr string, fork int) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || fork == 0 {
		return addr
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(p+fork))
}

// supervise n نسخه از همین باینری را اجرا می‌کند و با لغو ctx به همه
// SIGTERM می‌فرستد. fork هایی که زودتر بمیرند دوباره اجرا نمی‌شوند.
func supervise(ctx context.Context, n int, args []string, logger *zap.Logger) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("worker: locate executable: %w", err)
	}

	cmds := make([]*exec.Cmd, 0, n)
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		cmd := exec.Command(path, args...)
		cmd.Env = append(os.Environ(), forkEnv+"="+strconv.Itoa(i))
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		if err := cmd.Start(); err != nil {
			for _, c := range cmds {
				_ = c.Process.Signal(syscall.SIGTERM)
			}
			return fmt.Errorf("worker: fork %d: %w", i, err)
		}
		logger.Info("worker forked", zap.Int("fork", i), zap.Int("pid", cmd.Process.Pid))
		cmds = append(cmds, cmd)
		go func(c *exec.Cmd) { done <- c.Wait() }(cmd)
	}

	var errs []error
	stop := ctx.Done()
	for remaining := n; remaining > 0; {
		select {
		case err := <-done:
			remaining--
			if err != nil {
				logger.Error("fork exited", zap.Error(err))
				errs = append(errs, err)
			}
		case <-stop:
			stop = nil
			logger.Info("stopping forks", zap.Int("forks", n))
			for _, c := range cmds {
				_ = c.Process.Signal(syscall.SIGTERM)
			}
		}
	}
	return errors.Join(errs...)
}

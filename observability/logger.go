// Package observability لاگر zap با خروجی‌های stdout/stderr/فایل و چرخش لاگ با lumberjack.
package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mrjvadi/crew/config"
)

// SetupLogger از روی تنظیمات یک zap.Logger می‌سازد، آن را global می‌کند و
// لاگ stdlib را به آن هدایت می‌کند. فراخواننده باید Sync را defer کند.
func SetupLogger(c config.LogConfig) (*zap.Logger, error) {
	core, err := buildCore(c, nil)
	if err != nil {
		return nil, err
	}
	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	logger := zap.New(core, opts...)
	zap.ReplaceGlobals(logger)
	_, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
	return logger, nil
}

// ChildLogger برای پروسه‌ی فرزند executor؛ stdout مال پروتکل است پس
// خروجی stdout به stderr منتقل می‌شود.
func ChildLogger(c config.LogConfig) (*zap.Logger, error) {
	outs := make([]string, 0, len(c.Outputs))
	for _, o := range c.Outputs {
		if strings.EqualFold(o, "stdout") {
			o = "stderr"
		}
		outs = append(outs, o)
	}
	c.Outputs = outs
	return SetupLogger(c)
}

// buildCore با w غیر nil همه‌ی خروجی‌ها را کنار می‌گذارد (برای تست).
func buildCore(c config.LogConfig, w io.Writer) (zapcore.Core, error) {
	level, err := zapcore.ParseLevel(strings.Replace(strings.ToLower(c.Level), "warning", "warn", 1))
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := encoderConfig(c.Development)
	var encoder zapcore.Encoder
	if strings.EqualFold(c.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	if w != nil {
		return zapcore.NewCore(encoder, zapcore.AddSync(w), level), nil
	}

	var cores []zapcore.Core
	for _, out := range c.Outputs {
		ws, err := sink(out, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
	}
	return zapcore.NewTee(cores...), nil
}

func sink(out string, r config.RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if r.Enable {
		name := out
		if strings.TrimSpace(r.Filename) != "" {
			name = r.Filename
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   name,
			MaxSize:    max(r.MaxSizeMB, 10),
			MaxBackups: max(r.MaxBackups, 1),
			MaxAge:     max(r.MaxAgeDays, 7),
			Compress:   r.Compress,
		}), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log output %s: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

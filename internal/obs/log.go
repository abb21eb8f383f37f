package obs

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the encoder and minimum level of the process logger.
type LogConfig struct {
	// Format is "json" (default) or "console".
	Format  string
	Level   string
	Service string
	Version string
}

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// InitLogger builds the process logger from cfg and installs it.
func InitLogger(cfg LogConfig) (*zap.Logger, error) {
	l, err := BuildLogger(cfg)
	if err != nil {
		return nil, err
	}
	SetLogger(l)
	return l, nil
}

// BuildLogger builds a logger without installing it.
func BuildLogger(cfg LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l, nil
}

// SetLogger replaces the process logger. Tests use it to capture output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// L returns the process logger. Before InitLogger it is a production JSON
// logger at info level.
func L() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		built, err := BuildLogger(LogConfig{})
		if err != nil {
			built = zap.NewNop()
		}
		logger = built
	}
	return logger
}

// Named returns the process logger scoped to a component.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}

type loggerKey struct{}

// ContextWithLogger attaches a request-scoped logger.
func ContextWithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the request-scoped logger, or the process logger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

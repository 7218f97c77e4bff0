// Package log provides a small kratos-flavored structured logging facade
// (Logger/Helper/With) backed by go.uber.org/zap: a leveled key-value
// Logger that request-scoped Helpers decorate with fields such as request
// id and hostname.
package log

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// DefaultMessageKey is the field name the Helper uses for the free-form
// message of an Errorw/Infow/etc. call.
const DefaultMessageKey = "msg"

// Logger is the minimal structured-logging contract the rest of Migux
// depends on; everything else (Helper, With, Context) is built on top.
type Logger interface {
	Log(level Level, keyvals ...any) error
}

type zapLogger struct {
	z *zap.Logger
}

// NewZap builds a Logger backed by a zap core writing JSON lines to path
// (or stdout if path is empty); a file path is rotated through lumberjack.
func NewZap(path string, level Level, maxSizeMB, maxBackups, maxAgeDays int, compress bool) Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if path == "" {
		sink = zapcore.AddSync(os.Stdout)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
			LocalTime:  true,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, level.zapLevel())
	return &zapLogger{z: zap.New(core)}
}

func (l *zapLogger) Log(level Level, keyvals ...any) error {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	msg := ""
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		if key == DefaultMessageKey {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}

	switch level {
	case LevelDebug:
		l.z.Debug(msg, fields...)
	case LevelWarn:
		l.z.Warn(msg, fields...)
	case LevelError:
		l.z.Error(msg, fields...)
	case LevelFatal:
		l.z.Fatal(msg, fields...)
	default:
		l.z.Info(msg, fields...)
	}
	return nil
}

// withLogger wraps a Logger and prepends a fixed set of key-values to every
// Log call; it applies no level filtering of its own.
type withLogger struct {
	logger  Logger
	prefix  []any
	binders []func() any
}

// With returns a Logger that always prepends kv to every Log call, e.g.
// log.With(log.GetLogger(), "ts", ..., "pid", ...).
func With(logger Logger, kv ...any) Logger {
	return &withLogger{logger: logger, prefix: append([]any{}, kv...)}
}

func (w *withLogger) Log(level Level, keyvals ...any) error {
	all := make([]any, 0, len(w.prefix)+len(keyvals))
	all = append(all, w.prefix...)
	all = append(all, keyvals...)
	return w.logger.Log(level, all...)
}

// Timestamp returns a binder usable with With to attach a formatted clock
// reading to every log line.
func Timestamp(layout string) any {
	return timestampValuer(layout)
}

type timestampValuer string

func (t timestampValuer) String() string {
	return time.Now().Format(string(t))
}

var defaultLogger Logger = NewZap("", LevelInfo, 100, 3, 7, false)

// SetLogger installs the process-wide default logger.
func SetLogger(l Logger) { defaultLogger = l }

// GetLogger returns the process-wide default logger.
func GetLogger() Logger { return defaultLogger }

var currentLevel = LevelInfo

// SetLevel adjusts the minimum level checked by Enabled; it does not affect
// the underlying zap core's own level, only callers that consult Enabled.
func SetLevel(l Level) { currentLevel = l }

func Enabled(l Level) bool { return l >= currentLevel }

// Helper decorates a Logger with level-specific Printf-style methods, the
// way kratos' log.Helper does.
type Helper struct {
	logger Logger
}

func NewHelper(logger Logger) *Helper { return &Helper{logger: logger} }

func (h *Helper) log(level Level, msg string) {
	_ = h.logger.Log(level, DefaultMessageKey, msg)
}

func (h *Helper) Debugf(format string, args ...any) { h.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (h *Helper) Infof(format string, args ...any)  { h.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (h *Helper) Warnf(format string, args ...any)  { h.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (h *Helper) Errorf(format string, args ...any) { h.log(LevelError, fmt.Sprintf(format, args...)) }
func (h *Helper) Fatalf(format string, args ...any) {
	h.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (h *Helper) Debug(args ...any) { h.log(LevelDebug, fmt.Sprint(args...)) }
func (h *Helper) Info(args ...any)  { h.log(LevelInfo, fmt.Sprint(args...)) }
func (h *Helper) Warn(args ...any)  { h.log(LevelWarn, fmt.Sprint(args...)) }
func (h *Helper) Error(args ...any) { h.log(LevelError, fmt.Sprint(args...)) }

func (h *Helper) Errorw(keyvals ...any) { _ = h.logger.Log(LevelError, keyvals...) }
func (h *Helper) Infow(keyvals ...any)  { _ = h.logger.Log(LevelInfo, keyvals...) }

// Package-level convenience functions mirroring Helper, operating on the
// process-wide default logger; usable directly before any per-request
// Helper exists.
func Debugf(format string, args ...any) { NewHelper(defaultLogger).Debugf(format, args...) }
func Infof(format string, args ...any)  { NewHelper(defaultLogger).Infof(format, args...) }
func Warnf(format string, args ...any)  { NewHelper(defaultLogger).Warnf(format, args...) }
func Errorf(format string, args ...any) { NewHelper(defaultLogger).Errorf(format, args...) }
func Fatalf(format string, args ...any) { NewHelper(defaultLogger).Fatalf(format, args...) }
func Debug(args ...any)                 { NewHelper(defaultLogger).Debug(args...) }
func Info(args ...any)                  { NewHelper(defaultLogger).Info(args...) }
func Warn(args ...any)                  { NewHelper(defaultLogger).Warn(args...) }
func Error(args ...any)                 { NewHelper(defaultLogger).Error(args...) }
func Fatal(args ...any)                 { NewHelper(defaultLogger).Fatal(args...) }

func (h *Helper) Fatal(args ...any) {
	h.log(LevelFatal, fmt.Sprint(args...))
	os.Exit(1)
}

type ctxKey struct{}

// WithContext attaches a request-scoped Helper (e.g. one carrying a request
// id field via With) to ctx.
func WithContext(ctx context.Context, h *Helper) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// Context returns the request-scoped Helper from ctx, or a Helper over the
// default logger if none was attached.
func Context(ctx context.Context) *Helper {
	if h, ok := ctx.Value(ctxKey{}).(*Helper); ok {
		return h
	}
	return NewHelper(defaultLogger)
}

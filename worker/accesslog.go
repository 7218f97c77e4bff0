package worker

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/metrics"
)

// AccessLog writes one structured JSON line per completed request, rotated
// through lumberjack via a dedicated zap core kept separate from the
// process log.
type AccessLog struct {
	enabled bool
	z       *zap.Logger
}

func NewAccessLog(cfg *conf.AccessLog) *AccessLog {
	if cfg == nil || !cfg.Enabled {
		return &AccessLog{enabled: false}
	}

	var sink zapcore.WriteSyncer
	if cfg.Path == "" {
		sink = zapcore.AddSync(os.Stdout)
	} else {
		_ = os.MkdirAll(filepath.Dir(cfg.Path), 0o755)
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			LocalTime:  true,
		})
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, zapcore.InfoLevel)
	return &AccessLog{enabled: true, z: zap.New(core)}
}

func (a *AccessLog) Log(m *metrics.RequestMetric) {
	if !a.enabled {
		return
	}
	a.z.Info("request",
		zap.String("request_id", m.RequestID),
		zap.String("method", m.Method),
		zap.String("path", m.Path),
		zap.Int("status", m.StatusCode),
		zap.Int64("bytes", m.SentBytes),
		zap.Duration("duration", m.Duration()),
		zap.String("remote_addr", m.RemoteAddr),
		zap.String("cache", m.CacheStatus),
		zap.String("upstream", m.UpstreamVia),
	)
}

package mqttlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapLogger is the rotating-file logging backend, selected via
// config.Config.Logging.Backend == "zap". Grounded in the zap + lumberjack
// stack the lighthouse broker's server package logs through.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// ZapOptions configures NewZapLogger.
type ZapOptions struct {
	Level      string // "debug", "info", "warn", "error"
	FilePath   string // empty disables file rotation, logs to stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewZapLogger builds a Logger backed by zap, optionally writing to a
// lumberjack-rotated file alongside stderr.
func NewZapLogger(opts ZapOptions) *ZapLogger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(opts.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}

	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	return &ZapLogger{logger: zap.New(core).Sugar()}
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.logger.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.logger.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.logger.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.logger.Errorw(msg, args...) }

// Sync flushes any buffered log entries; call before process exit.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

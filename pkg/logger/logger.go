// Package logger provides the structured logger used across the provider.
// It wraps a zap.SugaredLogger behind a package-level singleton so call
// sites can log without threading a logger through every constructor.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(newDefault())
}

func newDefault() *zap.SugaredLogger {
	l, err := buildConfig(unstructuredLogsWithEnv(osEnv{})).Build()
	if err != nil {
		// Fall back to a no-op logger; this path
		// only fires if the encoder config itself is malformed.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// envReader abstracts os.Getenv for testing.
type envReader interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// unstructuredLogsWithEnv reports whether logs should be rendered as
// human-readable console output rather than JSON. Defaults to true;
// only an explicit "false" switches to structured JSON.
func unstructuredLogsWithEnv(env envReader) bool {
	v := env.Getenv("UNSTRUCTURED_LOGS")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

func buildConfig(unstructured bool) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if unstructured {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg
}

// Initialize configures the package-level logger from the process environment.
func Initialize() {
	InitializeWithEnv(osEnv{})
}

// InitializeWithEnv configures the package-level logger from the given
// environment reader; exported for tests that need to stub UNSTRUCTURED_LOGS.
func InitializeWithEnv(env envReader) {
	l, err := buildConfig(unstructuredLogsWithEnv(env)).Build(zap.AddCallerSkip(1))
	if err != nil {
		return
	}
	singleton.Store(l.Sugar())
}

// Get returns the current package-level logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

func Debug(args ...any)                  { Get().Debug(args...) }
func Debugf(template string, args ...any) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...any)        { Get().Debugw(msg, kv...) }

func Info(args ...any)                  { Get().Info(args...) }
func Infof(template string, args ...any) { Get().Infof(template, args...) }
func Infow(msg string, kv ...any)        { Get().Infow(msg, kv...) }

func Warn(args ...any)                  { Get().Warn(args...) }
func Warnf(template string, args ...any) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...any)        { Get().Warnw(msg, kv...) }

func Error(args ...any)                  { Get().Error(args...) }
func Errorf(template string, args ...any) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...any)        { Get().Errorw(msg, kv...) }

func DPanic(args ...any)                  { Get().DPanic(args...) }
func DPanicf(template string, args ...any) { Get().DPanicf(template, args...) }
func DPanicw(msg string, kv ...any)        { Get().DPanicw(msg, kv...) }

func Panic(args ...any)                  { Get().Panic(args...) }
func Panicf(template string, args ...any) { Get().Panicf(template, args...) }
func Panicw(msg string, kv ...any)        { Get().Panicw(msg, kv...) }

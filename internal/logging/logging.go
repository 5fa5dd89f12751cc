// Package logging builds the zap logger shared by every component. The
// production/development split and request-field middleware are grounded
// in 2lar-b2's internal/errors/logging.go and backend/internal/di
// container wiring, which configure zap.NewProductionConfig /
// zap.NewDevelopmentConfig the same way.
package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder used by New.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// New builds a *zap.Logger. FormatConsole gives a human-readable, colorized
// development encoder (for operators running the daemon in a terminal);
// FormatJSON gives the structured production encoder most deployments want.
func New(format Format, level zapcore.Level) (*zap.Logger, error) {
	var cfg zap.Config
	if format == FormatConsole {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(zap.AddCaller())
}

// HTTPMiddleware logs one line per request: method, path, status, size,
// duration, and the chi request id, at a level chosen from the response
// status the way 2lar-b2's RequestLoggingMiddleware does.
func HTTPMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.Status()),
				zap.Int("bytes_written", wrapped.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}

			switch {
			case wrapped.Status() >= 500:
				log.Error("request failed", fields...)
			case wrapped.Status() >= 400:
				log.Warn("request client error", fields...)
			default:
				log.Info("request completed", fields...)
			}
		})
	}
}

// ParseLevel maps the --log-level/SPLUS_LOG_LEVEL strings to a zapcore
// level, defaulting to Info for an unrecognized value.
func ParseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

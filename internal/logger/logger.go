// Package logger configures log/slog for the securefiles binaries.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry/v2"
)

// New builds a logger writing to w.
// Development: text format at debug level.
// Production: JSON format at info level.
// With a Sentry DSN, errors are also sent to Sentry.
func New(w io.Writer, isDev bool, sentryDSN string) (*slog.Logger, error) {
	var handlers []slog.Handler
	if isDev {
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	if sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: sentryDSN}); err != nil {
			return nil, fmt.Errorf("init sentry: %w", err)
		}
		handlers = append(handlers, slogsentry.Option{Level: slog.LevelError}.NewSentryHandler())
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Init builds a stdout logger and installs it as the slog default. A bad
// Sentry DSN is reported and otherwise ignored.
func Init(isDev bool, sentryDSN string) *slog.Logger {
	log, err := New(os.Stdout, isDev, sentryDSN)
	if err != nil {
		log, _ = New(os.Stdout, isDev, "")
		log.Warn("sentry disabled", "err", err)
	}
	slog.SetDefault(log)
	return log
}

// Flush waits briefly for buffered Sentry events. It is a no-op without Sentry.
func Flush() {
	sentry.Flush(2 * time.Second)
}

package log

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// WithSentry initialises error reporting and forwards error level events to
// it. An empty DSN leaves the logger untouched.
func WithSentry(logger zerolog.Logger, dsn, environment, release string) (zerolog.Logger, error) {
	if dsn == "" {
		return logger, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return logger, fmt.Errorf("sentry init: %w", err)
	}
	return logger.Hook(sentryHook{hub: sentry.CurrentHub()}), nil
}

type sentryHook struct {
	hub *sentry.Hub
}

func (h sentryHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.ErrorLevel || msg == "" {
		return
	}
	h.hub.CaptureMessage(msg)
}

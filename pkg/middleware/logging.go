package middleware

import (
	"context"

	reactive "github.com/goliatone/go-reactive"
)

// LoggingName is the pipeline name of the logging middleware.
const LoggingName = "logging"

// Logging records applied writes, subscription churn and pipeline failures.
// Reads are logged only when LogReads is set since they are frequent.
type Logging struct {
	logger   reactive.Logger
	logReads bool
}

// LoggingOption configures Logging.
type LoggingOption func(*Logging)

// LogReads enables debug logging of every read.
func LogReads() LoggingOption {
	return func(l *Logging) {
		l.logReads = true
	}
}

// NewLogging constructs the middleware. A nil logger discards everything.
func NewLogging(logger reactive.Logger, opts ...LoggingOption) *Logging {
	l := &Logging{logger: loggerOr(logger)}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Logging) Name() string { return LoggingName }

func (l *Logging) AfterSet(_ context.Context, in reactive.Context) (reactive.Context, error) {
	if !in.Changed {
		l.logger.Debug("state unchanged", "path", in.Path, "source", in.Source)
		return in, nil
	}
	l.logger.Info("state changed",
		"path", in.Path,
		"source", in.Source,
		"silent", in.Silent,
		"merge", in.Merge,
	)
	return in, nil
}

func (l *Logging) AfterGet(_ context.Context, in reactive.Context) (reactive.Context, error) {
	if l.logReads {
		l.logger.Debug("state read", "path", in.Path, "found", in.Changed)
	}
	return in, nil
}

func (l *Logging) OnSubscribe(_ context.Context, in reactive.Context) (reactive.Context, error) {
	l.logger.Debug("state subscribed", "path", in.Path)
	return in, nil
}

func (l *Logging) OnUnsubscribe(_ context.Context, in reactive.Context) (reactive.Context, error) {
	l.logger.Debug("state unsubscribed", "path", in.Path)
	return in, nil
}

func (l *Logging) OnError(_ context.Context, in reactive.Context) {
	l.logger.Error("state pipeline error",
		"path", in.Path,
		"phase", string(in.FailedPhase),
		"middleware", in.Middleware,
		"error", in.Err,
	)
}

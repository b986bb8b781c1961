package store

import "log/slog"

type options struct {
	logger *slog.Logger
}

type Option func(*options)

// WithLogger sets the logger for the store and its background workers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

package doorman

import "errors"

// Logger is satisfied by *slog.Logger as well as by thin adapters around other loggers.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type NullLogger struct{}

func (NullLogger) Error(msg string, args ...any) {}
func (NullLogger) Warn(msg string, args ...any)  {}
func (NullLogger) Info(msg string, args ...any)  {}
func (NullLogger) Debug(msg string, args ...any) {}

func WithLogger(l Logger) Option {
	return func(dm *Doorman) error {
		if l == nil {
			return errors.New("logger cannot be nil")
		}
		dm.logger = l
		return nil
	}
}

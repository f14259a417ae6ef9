package logger

// NopLogger discards everything. Tests use it.
type NopLogger struct{}

// NewNop returns a logger that discards all entries.
func NewNop() Logger {
	return &NopLogger{}
}

func (l *NopLogger) Debug(string, ...Field) {}
func (l *NopLogger) Info(string, ...Field)  {}
func (l *NopLogger) Warn(string, ...Field)  {}
func (l *NopLogger) Error(string, ...Field) {}

// With returns the receiver.
func (l *NopLogger) With(...Field) Logger { return l }

// Sync is a no-op.
func (l *NopLogger) Sync() error { return nil }

package notify

import (
	"context"
	"log/slog"
)

// Sink receives notifications. Implementations must tolerate duplicate
// deliveries of the same notification ID.
type Sink interface {
	Send(ctx context.Context, n *Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n *Notification) error

func (f SinkFunc) Send(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}

// compile-time interface checks
var (
	_ Sink = (SinkFunc)(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = (*ChanSink)(nil)
)

// LogSink writes notifications to a structured logger. Useful as a default
// when no real delivery channel is wired.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, n *Notification) error {
	s.logger.Info("notification",
		"id", n.ID.String(),
		"kind", string(n.Kind),
		"account_id", n.AccountID,
		"session_id", n.SessionID.String(),
		"reason", n.Reason,
		"credits", n.Credits.Int64(),
	)
	return nil
}

// ChanSink forwards notifications to a channel.
type ChanSink struct {
	C chan *Notification
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan *Notification, buffer)}
}

func (s *ChanSink) Send(ctx context.Context, n *Notification) error {
	select {
	case s.C <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

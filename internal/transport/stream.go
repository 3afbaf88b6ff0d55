package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"agentrelay/internal/broker"
	"agentrelay/internal/domain"
)

const (
	// FallbackAfter is the number of consecutive connect failures after
	// which one polling cycle runs before streaming is retried.
	FallbackAfter     = 3
	maxReconnectDelay = 10 * time.Second
)

// StreamHandlers receive stream activity. Any of them may be nil.
type StreamHandlers struct {
	OnConnect func(ctx context.Context)
	OnMessage func(ctx context.Context, msg domain.Message)
	OnIdle    func(ctx context.Context) // keepalives and non-message events
}

// Stream tracks one account's push connection and its failure counter.
type Stream struct {
	broker   domain.Broker
	failures int
	logger   *slog.Logger
}

func NewStream(b domain.Broker, logger *slog.Logger) *Stream {
	return &Stream{broker: b, logger: logger}
}

// Run holds one connection open until it ends. A nil return means the
// server asked for a reconnect. A connection that closes before delivering
// any event counts as a failed connect.
func (s *Stream) Run(ctx context.Context, h StreamHandlers) error {
	prior := s.failures
	connected, active := false, false
	onConnect := func() {
		connected = true
		s.failures = 0
		if h.OnConnect != nil {
			h.OnConnect(ctx)
		}
	}
	err := s.broker.Stream(ctx, onConnect, func(ev domain.StreamEvent) error {
		active = true
		switch ev.Type {
		case domain.StreamTimeout:
			return broker.ErrReconnect
		case domain.StreamMessage:
			var msg domain.Message
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil || msg.ID == "" {
				s.logger.Warn("ignoring malformed stream message", "err", err)
				return nil
			}
			if h.OnMessage != nil {
				h.OnMessage(ctx, msg)
			}
		default:
			if h.OnIdle != nil {
				h.OnIdle(ctx)
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, broker.ErrReconnect):
		return nil
	case err == nil:
		err = broker.ErrStreamClosed
	}
	if ctx.Err() != nil {
		return err
	}
	var ce *broker.ConnectError
	if errors.As(err, &ce) || !connected {
		s.failures++
	} else if !active {
		s.failures = prior + 1
	}
	return err
}

// Failures is the number of consecutive failed connects.
func (s *Stream) Failures() int { return s.failures }

// NeedsFallback reports whether a polling cycle should run before the next
// connect attempt.
func (s *Stream) NeedsFallback() bool { return s.failures >= FallbackAfter }

// FallbackDone resets the failure counter after a fallback polling cycle.
func (s *Stream) FallbackDone() { s.failures = 0 }

// ReconnectDelay grows linearly with consecutive failures up to 10s.
// Only a server-requested reconnect (err == nil) is immediate.
func (s *Stream) ReconnectDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	n := s.failures
	if n < 1 {
		n = 1
	}
	d := time.Duration(n) * time.Second
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

package domain

import "context"

// StreamEventType classifies an event read from the broker's push stream.
type StreamEventType string

const (
	StreamMessage   StreamEventType = "message"
	StreamTimeout   StreamEventType = "timeout"
	StreamKeepalive StreamEventType = "keepalive"
)

// StreamEvent is one parsed event from the broker stream.
type StreamEvent struct {
	Type StreamEventType
	Data string
}

// Broker is the remote message broker's HTTP surface, bound to one credential.
type Broker interface {
	Poll(ctx context.Context, identity string) ([]Message, error)
	PollAccount(ctx context.Context, wait, limit int) ([]Message, error)
	Stream(ctx context.Context, onConnect func(), onEvent func(StreamEvent) error) error
	Ack(ctx context.Context, ids []string) error
	MarkRead(ctx context.Context, id string) error
	Send(ctx context.Context, credential string, msg OutgoingMessage) error
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Forwarder renders messages and alerts into a human chat channel.
type Forwarder interface {
	Forward(ctx context.Context, msg Message, route RouteEntry) error
	Alert(ctx context.Context, text string, route RouteEntry) error
}

// TransportMode selects how an account acquires messages from the broker.
type TransportMode string

const (
	TransportStream TransportMode = "stream"
	TransportPoll   TransportMode = "poll"
	TransportLegacy TransportMode = "legacy"
)

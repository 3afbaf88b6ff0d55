package domain

import (
	"context"
	"time"
)

// InboundContext is the normalized payload handed to a consumer.
type InboundContext struct {
	RequestID        string               `json:"request_id"`
	MessageID        string               `json:"message_id"`
	From             string               `json:"from"`
	To               string               `json:"to"`
	SessionKey       string               `json:"session_key"`
	Consumer         string               `json:"consumer"`
	Subject          string               `json:"subject,omitempty"`
	Body             string               `json:"body"`
	RenderedBody     string               `json:"rendered_body"`
	ReplyToMessageID string               `json:"reply_to_message_id,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	ReceivedAt       time.Time            `json:"received_at"`
	Attachments      []ResolvedAttachment `json:"attachments,omitempty"`
}

// Reply is output produced by a consumer for an inbound message.
type Reply struct {
	Text    string `json:"text"`
	Subject string `json:"subject,omitempty"`
}

// ConsumerHost hands an inbound context to a consumer's processing pipeline.
// Replies are pushed on the channel while Deliver runs; Deliver must not close it.
type ConsumerHost interface {
	Deliver(ctx context.Context, in InboundContext, replies chan<- Reply) error
}

// Dispatcher delivers a message to a named consumer and reports success.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message, consumer, replyCredential string, attachments []ResolvedAttachment) bool
}

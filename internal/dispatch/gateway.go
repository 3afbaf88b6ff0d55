// Package dispatch hands inbound messages to local consumers and relays
// their replies back through the broker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentrelay/internal/domain"
)

const DefaultTimeout = 120 * time.Second

// ReplySender posts outbound messages to the broker.
type ReplySender interface {
	Send(ctx context.Context, credential string, msg domain.OutgoingMessage) error
}

// Target is a consumer's primary host and optional session API fallback.
type Target struct {
	Host     domain.ConsumerHost
	Fallback domain.ConsumerHost
}

// Config configures a Gateway.
type Config struct {
	Targets map[string]Target
	Sender  ReplySender
	Timeout time.Duration
	Logger  *slog.Logger
}

// Gateway implements domain.Dispatcher.
type Gateway struct {
	targets map[string]Target
	sender  ReplySender
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewGateway creates a dispatch gateway.
func NewGateway(cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		targets: cfg.Targets,
		sender:  cfg.Sender,
		timeout: timeout,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// SessionKey names the consumer session an inbound message lands in.
func SessionKey(consumer, to string) string {
	return "agent:" + consumer + ":relay:" + to
}

// Dispatch delivers msg to consumer and reports whether the consumer accepted
// it. Replies are sent to the original sender using replyCredential.
func (g *Gateway) Dispatch(ctx context.Context, msg domain.Message, consumer, replyCredential string, attachments []domain.ResolvedAttachment) bool {
	target, ok := g.targets[consumer]
	if !ok || target.Host == nil {
		g.logger.Error("dispatch to unknown consumer", "consumer", consumer, "message_id", msg.ID)
		return false
	}

	in := g.inboundContext(msg, consumer, attachments)
	log := g.logger.With("message_id", msg.ID, "consumer", consumer, "request_id", in.RequestID)

	err := g.run(ctx, target.Host, in, msg, replyCredential)
	if errors.Is(err, ErrSessionPath) && target.Fallback != nil {
		log.Warn("session path rejected, retrying via session API")
		err = g.run(ctx, target.Fallback, in, msg, replyCredential)
	}
	if err != nil {
		log.Warn("dispatch failed", "err", err)
		return false
	}
	log.Debug("dispatched")
	return true
}

// run submits one request and waits, bounded by the gateway timeout, for the
// host to finish while relaying each reply as it arrives.
func (g *Gateway) run(ctx context.Context, host domain.ConsumerHost, in domain.InboundContext, msg domain.Message, replyCredential string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	replies := make(chan domain.Reply, 8)
	done := make(chan error, 1)
	go func() {
		err := host.Deliver(ctx, in, replies)
		close(replies)
		done <- err
	}()

	for {
		select {
		case r, ok := <-replies:
			if !ok {
				return <-done
			}
			g.sendReply(ctx, msg, r, replyCredential)
		case <-ctx.Done():
			return fmt.Errorf("waiting for consumer: %w", ctx.Err())
		}
	}
}

func (g *Gateway) sendReply(ctx context.Context, msg domain.Message, r domain.Reply, credential string) {
	if strings.TrimSpace(r.Text) == "" {
		return
	}
	out := domain.OutgoingMessage{
		To:        msg.From,
		Body:      r.Text,
		Subject:   r.Subject,
		FromName:  msg.ToName,
		ReplyToID: msg.ID,
	}
	if err := g.sender.Send(ctx, credential, out); err != nil {
		g.logger.Warn("reply send failed", "message_id", msg.ID, "to", msg.From, "err", err)
	}
}

func (g *Gateway) inboundContext(msg domain.Message, consumer string, attachments []domain.ResolvedAttachment) domain.InboundContext {
	return domain.InboundContext{
		RequestID:        uuid.NewString(),
		MessageID:        msg.ID,
		From:             msg.From,
		To:               msg.ToName,
		SessionKey:       SessionKey(consumer, msg.ToName),
		Consumer:         consumer,
		Subject:          msg.Subject,
		Body:             msg.Body,
		RenderedBody:     Render(msg, attachments),
		ReplyToMessageID: msg.ReplyToMessageID,
		CreatedAt:        msg.CreatedAt,
		ReceivedAt:       g.now().UTC(),
		Attachments:      attachments,
	}
}

// Render formats a message as the text a consumer reads.
func Render(msg domain.Message, attachments []domain.ResolvedAttachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Message from %s to %s]\n", msg.From, msg.ToName)
	if msg.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	}
	if msg.ReplyToMessageID != "" {
		fmt.Fprintf(&b, "In reply to: %s\n", msg.ReplyToMessageID)
	}
	b.WriteString("\n")
	b.WriteString(msg.Body)
	if len(attachments) > 0 {
		b.WriteString("\n\nAttachments:")
		for _, a := range attachments {
			fmt.Fprintf(&b, "\n- %s (%s): %s", a.Filename, a.MimeType, a.LocalPath)
		}
	}
	return b.String()
}

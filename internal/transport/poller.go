// Package transport acquires messages from the broker by streaming, account
// polling, or legacy single-identity polling.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentrelay/internal/domain"
)

// Poller fetches message batches in poll or legacy mode and acknowledges
// them with the mode's semantics.
type Poller struct {
	broker   domain.Broker
	mode     domain.TransportMode
	identity string
	wait     int
	limit    int
	seen     *SeenSet
	logger   *slog.Logger
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Mode        domain.TransportMode // poll or legacy
	Identity    string               // legacy only
	WaitSeconds int
	BatchSize   int
	Logger      *slog.Logger
}

// NewPoller creates a poller. Any mode other than legacy polls the account.
func NewPoller(b domain.Broker, cfg PollerConfig) *Poller {
	mode := cfg.Mode
	if mode != domain.TransportLegacy {
		mode = domain.TransportPoll
	}
	p := &Poller{
		broker:   b,
		mode:     mode,
		identity: cfg.Identity,
		wait:     cfg.WaitSeconds,
		limit:    cfg.BatchSize,
		logger:   cfg.Logger,
	}
	if mode == domain.TransportLegacy {
		p.seen = NewSeenSet()
	}
	return p
}

func (p *Poller) Mode() domain.TransportMode { return p.mode }

// Fetch returns the next batch. In legacy mode ids already handled are
// filtered out since the inbox has no server-side ack.
func (p *Poller) Fetch(ctx context.Context) ([]domain.Message, error) {
	if p.mode != domain.TransportLegacy {
		msgs, err := p.broker.PollAccount(ctx, p.wait, p.limit)
		if err != nil {
			return nil, fmt.Errorf("poll account: %w", err)
		}
		return msgs, nil
	}

	msgs, err := p.broker.Poll(ctx, p.identity)
	if err != nil {
		return nil, fmt.Errorf("poll inbox %s: %w", p.identity, err)
	}
	fresh := msgs[:0]
	for _, m := range msgs {
		if !p.seen.Has(m.ID) {
			fresh = append(fresh, m)
		}
	}
	return fresh, nil
}

// Ack acknowledges handled ids: one batch call in poll mode, or one
// mark-read per message in legacy mode.
func (p *Poller) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if p.mode != domain.TransportLegacy {
		return p.broker.Ack(ctx, ids)
	}

	var errs []error
	for _, id := range ids {
		p.seen.Add(id)
		if err := p.broker.MarkRead(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("mark read %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

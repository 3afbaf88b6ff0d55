// Package forward resolves where a human should see relayed traffic and
// delivers it through the configured chat channels.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agentrelay/internal/channel"
	"agentrelay/internal/domain"
)

var (
	// ErrNoTarget means no explicit or session-derived destination exists.
	ErrNoTarget = errors.New("no forward target")
	// ErrUnknownChannel means the target names a channel with no sender.
	ErrUnknownChannel = errors.New("forward channel not configured")
	// ErrRateLimited means the channel's forward budget is exhausted.
	ErrRateLimited = errors.New("forward rate limited")
)

const (
	sendTimeout = 15 * time.Second
	rateWait    = 5 * time.Second
	rateBurst   = 5
)

// Config configures a Forwarder.
type Config struct {
	Senders       []channel.Sender
	Target        *domain.ForwardTarget // global default target
	Sessions      *SessionLocator
	RatePerMinute int // 0 disables limiting
	Logger        *slog.Logger
}

// Forwarder implements domain.Forwarder. The destination is chosen by a fixed
// priority: the route's forwardTo, then the global target, then the
// consumer's most recent human session.
type Forwarder struct {
	senders   map[string]channel.Sender
	target    *domain.ForwardTarget
	sessions  *SessionLocator
	perMinute int
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config) *Forwarder {
	senders := make(map[string]channel.Sender, len(cfg.Senders))
	for _, s := range cfg.Senders {
		senders[s.Name()] = s
	}
	return &Forwarder{
		senders:   senders,
		target:    cfg.Target,
		sessions:  cfg.Sessions,
		perMinute: cfg.RatePerMinute,
		logger:    cfg.Logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Resolve picks the delivery context for a route. It is evaluated fresh on
// every call.
func (f *Forwarder) Resolve(route domain.RouteEntry) (domain.DeliveryContext, error) {
	if t := route.ForwardTo; t != nil && t.Channel != "" && t.Address != "" {
		return domain.DeliveryContext{Channel: t.Channel, Address: t.Address, Account: t.Account}, nil
	}
	if t := f.target; t != nil && t.Channel != "" && t.Address != "" {
		return domain.DeliveryContext{Channel: t.Channel, Address: t.Address, Account: t.Account}, nil
	}
	dc, ok, err := f.sessions.Locate(route.Consumer)
	if err != nil {
		return domain.DeliveryContext{}, fmt.Errorf("locate session target: %w", err)
	}
	if !ok {
		return domain.DeliveryContext{}, ErrNoTarget
	}
	return dc, nil
}

// Forward sends a human-readable rendering of msg.
func (f *Forwarder) Forward(ctx context.Context, msg domain.Message, route domain.RouteEntry) error {
	return f.deliver(ctx, route, RenderMessage(msg))
}

// Alert sends an operational alert, e.g. for a dead-lettered message.
func (f *Forwarder) Alert(ctx context.Context, text string, route domain.RouteEntry) error {
	return f.deliver(ctx, route, RenderAlert(text))
}

func (f *Forwarder) deliver(ctx context.Context, route domain.RouteEntry, text string) error {
	dc, err := f.Resolve(route)
	if err != nil {
		return err
	}
	sender, ok := f.senders[dc.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, dc.Channel)
	}
	if err := f.wait(ctx, dc.Channel); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := sender.Send(ctx, dc.Address, text); err != nil {
		return fmt.Errorf("forward via %s: %w", dc.Channel, err)
	}
	f.logger.Debug("forwarded", "channel", dc.Channel, "address", dc.Address)
	return nil
}

func (f *Forwarder) wait(ctx context.Context, ch string) error {
	if f.perMinute <= 0 {
		return nil
	}
	f.mu.Lock()
	lim, ok := f.limiters[ch]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(f.perMinute)/60), rateBurst)
		f.limiters[ch] = lim
	}
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, rateWait)
	defer cancel()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w on %s", ErrRateLimited, ch)
	}
	return nil
}

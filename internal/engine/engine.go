// Package engine runs the per-account delivery loop: drain the retry queue,
// acquire new messages, filter, route, stage attachments, forward, dispatch,
// then acknowledge or queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"agentrelay/internal/bus"
	"agentrelay/internal/domain"
	"agentrelay/internal/forward"
	"agentrelay/internal/policy"
	"agentrelay/internal/route"
	"agentrelay/internal/transport"
)

const (
	ackTimeout     = 15 * time.Second
	alertTimeout   = 20 * time.Second
	defaultIdleGap = 5 * time.Second
)

// Attachments stages message attachments for one dispatch.
type Attachments interface {
	Resolve(ctx context.Context, msgID string, atts []domain.Attachment) []domain.ResolvedAttachment
	ScheduleCleanup(files []domain.ResolvedAttachment)
}

// RetryQueue is the durable store for messages a consumer could not take.
type RetryQueue interface {
	Enqueue(entry domain.QueuedMessage) (bool, error)
	Dequeue(id string) error
	MarkAttempt(id, lastError string) (*domain.QueuedMessage, error)
	ListPending() ([]domain.QueuedMessage, error)
}

// Config wires one account's engine.
type Config struct {
	Account      string
	Credential   string
	Mode         domain.TransportMode
	Identity     string // legacy mode
	PollInterval time.Duration
	PollWait     int
	BatchSize    int
	Policy       policy.Policy
	Routes       *route.Table

	Broker      domain.Broker
	Attachments Attachments
	Queue       RetryQueue
	Dispatcher  domain.Dispatcher
	Forwarder   domain.Forwarder // nil disables forwarding and alerts
	Events      *bus.EventBus    // optional
	Logger      *slog.Logger
}

// Engine is one account's sequential delivery loop. Its methods must not be
// called concurrently.
type Engine struct {
	account    string
	credential string
	mode       domain.TransportMode
	interval   time.Duration
	policy     policy.Policy
	routes     *route.Table

	poller *transport.Poller
	stream *transport.Stream

	attachments Attachments
	queue       RetryQueue
	dispatcher  domain.Dispatcher
	forwarder   domain.Forwarder
	events      *bus.EventBus
	logger      *slog.Logger

	lastDrain time.Time
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("account", cfg.Account)

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultIdleGap
	}

	e := &Engine{
		account:     cfg.Account,
		credential:  cfg.Credential,
		mode:        cfg.Mode,
		interval:    interval,
		policy:      cfg.Policy,
		routes:      cfg.Routes,
		attachments: cfg.Attachments,
		queue:       cfg.Queue,
		dispatcher:  cfg.Dispatcher,
		forwarder:   cfg.Forwarder,
		events:      cfg.Events,
		logger:      logger,
	}
	// Stream accounts poll the whole account during fallback cycles.
	e.poller = transport.NewPoller(cfg.Broker, transport.PollerConfig{
		Mode:        cfg.Mode,
		Identity:    cfg.Identity,
		WaitSeconds: cfg.PollWait,
		BatchSize:   cfg.BatchSize,
		Logger:      logger,
	})
	if cfg.Mode == domain.TransportStream {
		e.stream = transport.NewStream(cfg.Broker, logger)
	}
	return e
}

// Account returns the account id this engine serves.
func (e *Engine) Account() string { return e.account }

// Run blocks until ctx is cancelled. Errors inside a cycle are logged and
// never end the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("delivery engine started", "transport", e.mode)
	defer e.logger.Info("delivery engine stopped")

	for ctx.Err() == nil {
		var wait time.Duration
		if e.stream != nil {
			wait = e.streamStep(ctx)
		} else {
			e.safely("poll cycle", func() { e.Cycle(ctx) })
			wait = e.interval
		}
		if !sleepCtx(ctx, wait) {
			break
		}
	}
	return nil
}

// Cycle runs one polling cycle: drain retries, fetch a batch, handle each
// message and acknowledge everything settled in a single call.
func (e *Engine) Cycle(ctx context.Context) {
	done := e.drainRetries(ctx)

	msgs, err := e.poller.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("fetch failed", "err", err)
			e.emit(bus.Event{Type: bus.EventTransportError, Err: err.Error()})
		}
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		if e.handle(ctx, msg) {
			done = append(done, msg.ID)
		}
	}
	e.ack(ctx, done)
}

// streamStep holds one stream connection, or runs the single fallback
// polling cycle after repeated connect failures. It returns how long to wait
// before the next step.
func (e *Engine) streamStep(ctx context.Context) time.Duration {
	if e.stream.NeedsFallback() {
		e.logger.Warn("stream unavailable, running one polling cycle", "failures", e.stream.Failures())
		e.emit(bus.Event{Type: bus.EventTransportFallback, Count: e.stream.Failures()})
		e.safely("fallback cycle", func() { e.Cycle(ctx) })
		e.stream.FallbackDone()
		return 0
	}

	var err error
	e.safely("stream", func() {
		err = e.stream.Run(ctx, transport.StreamHandlers{
			OnConnect: func(ctx context.Context) {
				e.logger.Debug("stream connected")
				e.emit(bus.Event{Type: bus.EventTransportConnected})
				e.drainIfDue(ctx)
			},
			OnMessage: func(ctx context.Context, msg domain.Message) {
				if e.handle(ctx, msg) {
					e.ack(ctx, []string{msg.ID})
				}
			},
			OnIdle: e.drainIfDue,
		})
	})
	if ctx.Err() != nil {
		return 0
	}
	if err != nil {
		e.logger.Warn("stream ended", "err", err, "failures", e.stream.Failures())
		e.emit(bus.Event{Type: bus.EventTransportError, Err: err.Error()})
	}
	return e.stream.ReconnectDelay(err)
}

// handle takes one new message to a settled or unsettled state. It reports
// whether the message may be acknowledged.
func (e *Engine) handle(ctx context.Context, msg domain.Message) bool {
	log := e.logger.With("message_id", msg.ID, "from", msg.From, "to", msg.ToName)

	if d := policy.Evaluate(msg.From, e.policy); !d.Allow {
		log.Info("message rejected by policy", "reason", d.Reason)
		e.emit(e.msgEvent(bus.EventRejected, msg, "", d.Reason))
		return true
	}

	entry := e.routes.Resolve(msg.ToName)
	consumer := entry.Consumer
	if consumer == "" {
		consumer = e.routes.DefaultConsumer()
	}
	replyCredential := route.ReplyCredential(entry, e.credential)
	e.emit(e.msgEvent(bus.EventAccepted, msg, consumer, ""))

	files := e.attachments.Resolve(ctx, msg.ID, msg.Attachments)

	if entry.Forward {
		e.forward(ctx, msg, entry, log)
	}

	start := time.Now()
	ok := e.dispatcher.Dispatch(ctx, msg, consumer, replyCredential, files)
	e.attachments.ScheduleCleanup(files)
	if ok {
		ev := e.msgEvent(bus.EventDispatched, msg, consumer, "")
		ev.Duration = time.Since(start)
		e.emit(ev)
		return true
	}

	if e.routes.IsDefault(consumer) {
		log.Warn("default consumer dispatch failed, leaving for broker redelivery", "consumer", consumer)
		e.emit(e.msgEvent(bus.EventDeferred, msg, consumer, "default consumer unavailable"))
		return false
	}

	reason := fmt.Sprintf("dispatch to %s failed", consumer)
	added, err := e.queue.Enqueue(domain.QueuedMessage{
		Message:           msg,
		Attempts:          1,
		LastError:         reason,
		QueuedAt:          time.Now().UTC(),
		AccountCredential: e.credential,
		ReplyCredential:   replyCredential,
	})
	if err != nil {
		// Not durable, so the broker keeps it.
		log.Error("enqueue failed, leaving message un-acked", "consumer", consumer, "err", err)
		e.emit(e.msgEvent(bus.EventDeferred, msg, consumer, err.Error()))
		return false
	}
	if added {
		log.Info("message queued for retry", "consumer", consumer)
		ev := e.msgEvent(bus.EventQueued, msg, consumer, reason)
		ev.Attempts = 1
		e.emit(ev)
		e.emitDepth()
	}
	return true
}

func (e *Engine) forward(ctx context.Context, msg domain.Message, entry domain.RouteEntry, log *slog.Logger) {
	if e.forwarder == nil {
		return
	}
	err := e.forwarder.Forward(ctx, msg, entry)
	switch {
	case err == nil:
		e.emit(e.msgEvent(bus.EventForwarded, msg, entry.Consumer, ""))
	case errors.Is(err, forward.ErrNoTarget):
		log.Debug("no forward target, skipping")
	default:
		log.Warn("forward failed", "err", err)
		e.emit(e.msgEvent(bus.EventForwardFailed, msg, entry.Consumer, err.Error()))
	}
}

// drainIfDue drains the retry queue from the stream at most once per poll
// interval, however often the stream reconnects or idles.
func (e *Engine) drainIfDue(ctx context.Context) {
	if time.Since(e.lastDrain) < e.interval {
		return
	}
	e.ack(ctx, e.drainRetries(ctx))
}

// drainRetries retries every pending entry once and returns the ids that are
// now settled: dispatched, or dead-lettered and alerted.
func (e *Engine) drainRetries(ctx context.Context) []string {
	e.lastDrain = time.Now()

	pending, err := e.queue.ListPending()
	if err != nil {
		e.logger.Error("cannot read retry queue", "err", err)
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	var done []string
	for _, qm := range pending {
		if ctx.Err() != nil {
			break
		}
		msg := qm.Message
		entry := e.routes.Resolve(msg.ToName)
		consumer := entry.Consumer
		if consumer == "" {
			consumer = e.routes.DefaultConsumer()
		}
		replyCredential := qm.ReplyCredential
		if replyCredential == "" {
			replyCredential = route.ReplyCredential(entry, e.credential)
		}
		log := e.logger.With("message_id", msg.ID, "consumer", consumer)

		files := e.attachments.Resolve(ctx, msg.ID, msg.Attachments)
		ok := e.dispatcher.Dispatch(ctx, msg, consumer, replyCredential, files)
		e.attachments.ScheduleCleanup(files)

		if ok {
			if err := e.queue.Dequeue(msg.ID); err != nil {
				log.Error("dequeue failed", "err", err)
			}
			log.Info("queued message delivered", "attempts", qm.Attempts+1)
			ev := e.msgEvent(bus.EventRetried, msg, consumer, "")
			ev.Attempts = qm.Attempts + 1
			e.emit(ev)
			done = append(done, msg.ID)
			continue
		}

		dead, err := e.queue.MarkAttempt(msg.ID, fmt.Sprintf("dispatch to %s failed", consumer))
		if err != nil {
			log.Error("cannot record attempt", "err", err)
			continue
		}
		if dead == nil {
			log.Debug("retry failed", "attempts", qm.Attempts+1)
			continue
		}

		log.Error("message dead-lettered", "attempts", dead.Attempts)
		ev := e.msgEvent(bus.EventDeadLettered, msg, consumer, dead.LastError)
		ev.Attempts = dead.Attempts
		e.emit(ev)
		e.alert(ctx, *dead, entry)
		done = append(done, msg.ID)
	}
	e.emitDepth()
	return done
}

func (e *Engine) alert(ctx context.Context, dead domain.QueuedMessage, entry domain.RouteEntry) {
	if e.forwarder == nil {
		return
	}
	text := fmt.Sprintf("message %s from %s to %s dead-lettered after %d attempts: %s",
		dead.Message.ID, dead.Message.From, dead.Message.ToName, dead.Attempts, dead.LastError)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := e.forwarder.Alert(ctx, text, entry); err != nil {
		e.logger.Warn("dead-letter alert failed", "message_id", dead.Message.ID, "err", err)
	}
}

// ack acknowledges settled ids. It outlives shutdown cancellation; failures
// are left to the broker's redelivery.
func (e *Engine) ack(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if err := e.poller.Ack(ctx, ids); err != nil {
		e.logger.Warn("ack failed", "count", len(ids), "err", err)
		e.emit(bus.Event{Type: bus.EventAckFailed, Count: len(ids), Err: err.Error()})
		return
	}
	e.emit(bus.Event{Type: bus.EventAcked, Count: len(ids)})
}

// safely recovers a panic so it ends only the current step.
func (e *Engine) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovered panic", "step", step, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (e *Engine) msgEvent(typ string, msg domain.Message, consumer, errText string) bus.Event {
	return bus.Event{
		Type:      typ,
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.ToName,
		Consumer:  consumer,
		Err:       errText,
	}
}

func (e *Engine) emitDepth() {
	if e.events == nil {
		return
	}
	pending, err := e.queue.ListPending()
	if err != nil {
		return
	}
	e.emit(bus.Event{Type: bus.EventQueueDepth, Count: len(pending)})
}

func (e *Engine) emit(ev bus.Event) {
	if e.events == nil {
		return
	}
	ev.Account = e.account
	e.events.Emit(ev)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

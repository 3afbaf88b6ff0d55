package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentrelay/internal/attachment"
	"agentrelay/internal/broker"
	"agentrelay/internal/bus"
	"agentrelay/internal/channel"
	"agentrelay/internal/config"
	"agentrelay/internal/dispatch"
	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/forward"
	"agentrelay/internal/journal"
	"agentrelay/internal/metrics"
	"agentrelay/internal/policy"
	"agentrelay/internal/queue"
	"agentrelay/internal/route"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the delivery engines for every enabled account",
		Long:  "Runs one delivery loop per enabled account until interrupted. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	accounts := cfg.EnabledAccounts()
	if len(accounts) == 0 {
		return errors.New("no enabled accounts in " + cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(log)

	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.DBPath, log)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()
		store.Subscribe(events)
		if days := cfg.Journal.RetentionDays; days > 0 {
			n, err := store.Prune(ctx, time.Now().AddDate(0, 0, -days))
			if err != nil {
				log.Warn("journal prune failed", "err", err)
			} else if n > 0 {
				log.Info("journal pruned", "removed", n, "retention_days", days)
			}
		}
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		m.Subscribe(events)
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path, log); err != nil {
				log.Error("metrics endpoint error", "err", err)
			}
		}()
	}

	senders, hub := buildSenders(cfg.Forward, log)
	if hub != nil {
		go func() {
			if err := hub.Start(ctx); err != nil {
				log.Error("websocket hub error", "err", err)
			}
		}()
	}
	fwd := forward.New(forward.Config{
		Senders:       senders,
		Target:        cfg.Forward.Target,
		Sessions:      forward.NewSessionLocator(cfg.Forward.SessionsDir),
		RatePerMinute: cfg.Forward.RatePerMinute,
		Logger:        log,
	})

	targets := buildTargets(cfg, log)
	engines := make([]*engine.Engine, 0, len(accounts))
	for _, a := range accounts {
		e, cleanup, err := buildEngine(cfg, a, targets, fwd, events, log)
		if err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
		defer cleanup()
		engines = append(engines, e)
	}

	log.Info("agentrelay started", "version", version, "accounts", len(engines), "forward_channels", len(senders))
	err = engine.NewRunner(log, engines...).Run(ctx)
	log.Info("agentrelay stopped")
	return err
}

// buildSenders creates a sender for every enabled forward channel. The
// websocket hub is returned separately since it also needs to be started.
func buildSenders(fc config.ForwardConfig, log *slog.Logger) ([]channel.Sender, *channel.Hub) {
	var senders []channel.Sender
	if fc.Telegram.Enabled && fc.Telegram.Token != "" {
		senders = append(senders, channel.NewTelegram(channel.TelegramConfig{
			Token:     fc.Telegram.Token,
			ParseMode: fc.Telegram.ParseMode,
			Logger:    log,
		}))
	}
	if fc.Discord.Enabled && fc.Discord.Token != "" {
		senders = append(senders, channel.NewDiscord(channel.DiscordConfig{Token: fc.Discord.Token, Logger: log}))
	}
	if fc.Slack.Enabled && fc.Slack.BotToken != "" {
		senders = append(senders, channel.NewSlack(channel.SlackConfig{BotToken: fc.Slack.BotToken, Logger: log}))
	}
	if fc.WhatsApp.Enabled && fc.WhatsApp.AccessToken != "" {
		senders = append(senders, channel.NewWhatsApp(channel.WhatsAppConfig{
			AccessToken:   fc.WhatsApp.AccessToken,
			PhoneNumberID: fc.WhatsApp.PhoneNumberID,
			Logger:        log,
		}))
	}
	if fc.Webhook.Enabled {
		senders = append(senders, channel.NewWebhook(channel.WebhookConfig{Secret: fc.Webhook.Secret, Logger: log}))
	}
	if fc.Console.Enabled {
		senders = append(senders, channel.NewConsole(os.Stdout))
	}

	var hub *channel.Hub
	if fc.WebSocket.Enabled {
		hub = channel.NewHub(channel.HubConfig{Listen: fc.WebSocket.Listen, Path: fc.WebSocket.Path, Logger: log})
		senders = append(senders, hub)
	}
	return senders, hub
}

// buildTargets maps every configured consumer to its HTTP host and optional
// session API fallback.
func buildTargets(cfg *config.Config, log *slog.Logger) map[string]dispatch.Target {
	targets := make(map[string]dispatch.Target, len(cfg.Consumers))
	for name, c := range cfg.Consumers {
		timeout := time.Duration(c.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = time.Duration(cfg.General.DispatchTimeoutSeconds) * time.Second
		}
		t := dispatch.Target{Host: dispatch.NewHTTPHost(c.URL, timeout, log)}
		if c.SessionAPI != "" {
			t.Fallback = dispatch.NewSessionHost(c.SessionAPI, timeout, log)
		}
		targets[name] = t
	}
	return targets
}

// buildEngine wires one account: its broker client, attachment staging,
// retry queue and dispatch gateway.
func buildEngine(cfg *config.Config, a config.AccountConfig, targets map[string]dispatch.Target,
	fwd domain.Forwarder, events *bus.EventBus, log *slog.Logger) (*engine.Engine, func(), error) {
	alog := log.With("account", a.ID)

	client := broker.New(broker.Config{
		BaseURL:        a.BaseURL,
		StreamURL:      a.StreamURL,
		Credential:     a.Credential,
		RequestTimeout: time.Duration(cfg.Broker.RequestTimeoutSeconds) * time.Second,
		PollWait:       time.Duration(a.PollWaitSeconds) * time.Second,
		Logger:         alog,
	})

	q, err := queue.Open(cfg.AccountDir(a.ID), alog)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := attachment.New(attachment.Config{
		Source:       client,
		MaxBytes:     cfg.MaxAttachmentBytes(),
		CleanupDelay: time.Duration(cfg.General.AttachmentCleanupSeconds) * time.Second,
		Logger:       alog,
	})
	if err != nil {
		return nil, nil, err
	}

	gateway := dispatch.NewGateway(dispatch.Config{
		Targets: targets,
		Sender:  client,
		Timeout: time.Duration(cfg.General.DispatchTimeoutSeconds) * time.Second,
		Logger:  alog,
	})

	e := engine.New(engine.Config{
		Account:      a.ID,
		Credential:   a.Credential,
		Mode:         a.Transport,
		Identity:     a.Identity,
		PollInterval: time.Duration(a.PollIntervalSeconds) * time.Second,
		PollWait:     a.PollWaitSeconds,
		BatchSize:    a.BatchSize,
		Policy: policy.Policy{
			Mode:      policy.Mode(a.DMPolicy),
			AllowFrom: a.AllowFrom,
			BlockFrom: a.BlockFrom,
		},
		Routes:      route.NewTable(a.Routing, cfg.General.DefaultConsumer),
		Broker:      client,
		Attachments: resolver,
		Queue:       q,
		Dispatcher:  gateway,
		Forwarder:   fwd,
		Events:      events,
		Logger:      log,
	})
	cleanup := func() {
		if err := resolver.Close(); err != nil {
			alog.Warn("remove attachment staging dir", "err", err)
		}
	}
	return e, cleanup, nil
}

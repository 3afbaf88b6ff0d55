package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// DiscordConfig configures the Discord sender.
type DiscordConfig struct {
	Token  string
	Logger *slog.Logger
}

// Discord posts forwarded messages to a Discord channel id over the REST
// API. No gateway connection is opened.
type Discord struct {
	token  string
	logger *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{token: cfg.Token, logger: cfg.Logger}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) sessionFor() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return d.session, nil
	}
	s, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	d.session = s
	return s, nil
}

func (d *Discord) Send(ctx context.Context, address, text string) error {
	s, err := d.sessionFor()
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		if _, err := s.ChannelMessageSend(address, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send to %s: %w", address, err)
		}
	}
	d.logger.Debug("discord message sent", "channel_id", address, "len", len(text))
	return nil
}

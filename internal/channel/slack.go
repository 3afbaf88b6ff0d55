package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

const slackMaxMsgLen = 4000

// SlackConfig configures the Slack sender.
type SlackConfig struct {
	BotToken string
	APIURL   string // optional override, must end in "/"
	Logger   *slog.Logger
}

// Slack posts forwarded messages to a Slack channel id with a bot token.
type Slack struct {
	client *slack.Client
	logger *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		client: slack.New(cfg.BotToken, opts...),
		logger: cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, address, text string) error {
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		_, _, err := s.client.PostMessageContext(ctx, address,
			slack.MsgOptionText(chunk, false),
		)
		if err != nil {
			return fmt.Errorf("slack post to %s: %w", address, err)
		}
	}
	return nil
}

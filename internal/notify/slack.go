package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts orchestration updates to one Slack channel. It tries
// a formatted block message first and falls back to plain text when the
// rich post is rejected.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier for the given channel.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, text string) error {
	rich := slack.MsgOptionBlocks(
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
	)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, rich)
	if err == nil {
		return nil
	}
	n.logger.Warn("slack rich post failed, falling back to plain text", zap.Error(err))

	_, _, err = n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

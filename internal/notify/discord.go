package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts orchestration updates to one Discord channel,
// preferring an embed and falling back to a plain message.
type DiscordNotifier struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordNotifier opens a Discord session for the given channel.
func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	logger.Info("discord notifier connected",
		zap.String("channel", channelID))
	return &DiscordNotifier{session: session, channel: channelID, logger: logger}, nil
}

func (n *DiscordNotifier) Notify(_ context.Context, text string) error {
	_, err := n.session.ChannelMessageSendEmbed(n.channel, &discordgo.MessageEmbed{
		Title:       "Pipeline update",
		Description: text,
	})
	if err == nil {
		return nil
	}
	n.logger.Warn("discord embed failed, falling back to plain text", zap.Error(err))

	if _, err := n.session.ChannelMessageSend(n.channel, text); err != nil {
		return fmt.Errorf("discord notify: %w", err)
	}
	return nil
}

// Close shuts the Discord session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}

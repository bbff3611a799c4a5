package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/signalbox/internal/models"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realDiscordSession wraps *discordgo.Session to implement discordSession.
type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error  { return r.s.Open() }
func (r *realDiscordSession) Close() error { return r.s.Close() }
func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// DiscordDeliverer posts notices to a Discord channel.
type DiscordDeliverer struct {
	sess      discordSession
	channelID string

	mu     sync.Mutex
	opened bool
}

// DiscordOpts holds parameters for creating a DiscordDeliverer.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a Discord deliverer. The gateway connection is opened
// lazily on first delivery.
func NewDiscord(opts DiscordOpts) (*DiscordDeliverer, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("notify: discord bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: discord channel is required")
	}

	d := &DiscordDeliverer{sess: opts.Session, channelID: opts.ChannelID}
	if d.sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		d.sess = &realDiscordSession{s: dg}
	}
	return d, nil
}

func (d *DiscordDeliverer) Name() string { return "discord" }

// Deliver posts the notice as an embed, colored by severity.
func (d *DiscordDeliverer) Deliver(ctx context.Context, n models.Notice) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}

	embed := &discordgo.MessageEmbed{
		Title:       n.Subject,
		Description: n.Body,
		Color:       discordColor(n.Severity),
	}
	if n.TaskGroupID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Task Group", Value: n.TaskGroupID, Inline: true,
		})
	}
	if n.SessionID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Session", Value: n.SessionID, Inline: true,
		})
	}

	if _, err := d.sess.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

// Close shuts down the gateway connection if one was opened.
func (d *DiscordDeliverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return nil
	}
	d.opened = false
	return d.sess.Close()
}

func (d *DiscordDeliverer) ensureOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}
	if err := d.sess.Open(); err != nil {
		return fmt.Errorf("notify: discord open: %w", err)
	}
	d.opened = true
	return nil
}

func discordColor(severity string) int {
	if severity == "urgent" {
		return 0xe01e5a
	}
	return 0x36a64f
}

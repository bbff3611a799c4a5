package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/signalbox/internal/models"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackDeliverer posts notices to a Slack channel.
type SlackDeliverer struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a SlackDeliverer.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a Slack deliverer.
func NewSlack(opts SlackOpts) (*SlackDeliverer, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("notify: slack bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}

	d := &SlackDeliverer{client: opts.Client, channelID: opts.ChannelID}
	if d.client == nil {
		d.client = slackapi.New(opts.BotToken)
	}
	return d, nil
}

func (d *SlackDeliverer) Name() string { return "slack" }

// Deliver posts the notice as an attachment, colored by severity.
func (d *SlackDeliverer) Deliver(ctx context.Context, n models.Notice) error {
	att := slackapi.Attachment{
		Title:    n.Subject,
		Text:     n.Body,
		Color:    severityColor(n.Severity),
		Fallback: n.Subject,
	}
	if n.TaskGroupID != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: "Task Group", Value: n.TaskGroupID, Short: true,
		})
	}
	if n.SessionID != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: "Session", Value: n.SessionID, Short: true,
		})
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := d.client.PostMessage(d.channelID, slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}

func severityColor(severity string) string {
	if severity == "urgent" {
		return "#e01e5a"
	}
	return "#36a64f"
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, respecting the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

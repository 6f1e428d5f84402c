package notifications

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/slack-go/slack"
)

// SlackChannel posts completion summaries to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	client     *http.Client
	// OnlyFailures limits delivery to unsuccessful outcomes
	OnlyFailures bool
}

// NewSlackChannel creates a new Slack delivery channel
func NewSlackChannel(webhookURL string) (*SlackChannel, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL is required")
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: observability.WrapTransport(nil),
		},
	}, nil
}

// Name returns the channel name
func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver sends a notification to Slack
func (c *SlackChannel) Deliver(ctx context.Context, n *Completion) error {
	if c.OnlyFailures && n.Succeeded() {
		return ErrSkipped
	}

	msg := &slack.WebhookMessage{
		Text:   fallbackText(n),
		Blocks: &slack.Blocks{BlockSet: buildMessageBlocks(n)},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, c.webhookURL, c.client, msg); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}
	return nil
}

func fallbackText(n *Completion) string {
	return fmt.Sprintf("%s %s: %s", n.TaskType, n.Outcome, n.URL)
}

func buildMessageBlocks(n *Completion) []slack.Block {
	var emoji string
	switch {
	case n.Succeeded():
		emoji = ":white_check_mark:"
	case n.Outcome == "not_found":
		emoji = ":mag:"
	default:
		emoji = ":x:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%s *%s* `%s`", emoji, n.URL, n.Outcome),
				false,
				false,
			),
			nil,
			nil,
		),
	}

	if n.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", n.Message, false, false),
			nil,
			nil,
		))
	}

	blocks = append(blocks, slack.NewContextBlock(
		"",
		slack.NewTextBlockObject(
			"mrkdwn",
			fmt.Sprintf("task `%s` · worker `%s` · site `%s`", n.TaskType, n.WorkerIdentifier, n.SiteID),
			false,
			false,
		),
	))

	return blocks
}

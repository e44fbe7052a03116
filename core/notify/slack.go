package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/slack-go/slack"
)

// Notifier announces the outcome of a run
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// SlackNotifier posts run notifications to a Slack channel
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *log.Logger
}

// NewSlackNotifier creates a notifier; opts allow pointing the client at another API URL
func NewSlackNotifier(token, channel string, logger *log.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, text string) error {
	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(false),
	)
	if err != nil {
		return fmt.Errorf("failed to post to slack channel %s: %w", n.channel, err)
	}
	n.logger.Printf("Posted notification to %s (ts %s)", n.channel, ts)
	return nil
}

// Nop discards notifications when Slack is not configured
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSink posts alerts to a fixed Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
}

func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{client: slack.New(token), channel: channel}
}

func (s *SlackSink) Raise(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("[%s] %s — %s", alert.Severity, alert.Title, alert.Detail)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack sink: post message: %w", err)
	}
	return nil
}

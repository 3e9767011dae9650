package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackAdapter delivers push-style CIBA/device-grant approval prompts to
// an operator or bound user channel via the Slack Web API — the push
// delivery mode spec §4.9 calls an "adapter boundary" concern, not a
// protocol concern.
type SlackAdapter struct {
	client *slack.Client
}

// NewSlackAdapter builds a SlackAdapter authenticated with a bot token.
func NewSlackAdapter(botToken string) *SlackAdapter {
	return &SlackAdapter{client: slack.New(botToken)}
}

// Send posts msg to the Slack channel or user id named by msg.Recipient.
func (a *SlackAdapter) Send(ctx context.Context, msg Message) error {
	_, _, err := a.client.PostMessageContext(ctx, msg.Recipient,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body), false),
	)
	return err
}

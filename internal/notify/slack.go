// Package notify delivers counselor escalation alerts to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier posts escalation alerts to a Slack channel. A nil Notifier is a
// no-op.
type Notifier struct {
	api     *slack.Client
	channel string
	log     *slog.Logger
}

// New creates a Notifier for the given bot token and channel.
func New(token, channel string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		api:     slack.New(token),
		channel: channel,
		log:     log,
	}
}

// Escalate posts an alert. The in-app mailbox remains the durable record; a
// Slack failure is logged and swallowed.
func (n *Notifier) Escalate(ctx context.Context, counselorID, body string) {
	if n == nil || n.api == nil {
		return
	}
	text := fmt.Sprintf("Escalation for counselor %s\n%s", counselorID, body)
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		n.log.Warn("slack escalation failed", "counselor_id", counselorID, "error", err)
	}
}

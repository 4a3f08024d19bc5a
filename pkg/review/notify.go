package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts new requests to a Slack channel.
type SlackNotifier struct {
	client   *slack.Client
	channel  string
	adminURL string
}

// NewSlackNotifier creates a SlackNotifier. Extra options are passed to the client.
func NewSlackNotifier(token, channel, adminURL string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:   slack.New(token, opts...),
		channel:  channel,
		adminURL: strings.TrimRight(adminURL, "/"),
	}
}

// Notify posts a short message linking to the review queue.
func (n *SlackNotifier) Notify(ctx context.Context, r Request) error {
	text := fmt.Sprintf("New %s waiting for review (attack %s): %q", r.Kind, r.AttackID, r.Excerpt)
	if n.adminURL != "" {
		text += fmt.Sprintf("\n<%s/%s|Review artifact %s>", n.adminURL, r.ArtifactID, r.ArtifactID)
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
		slack.MsgOptionDisableMediaUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("slack notify %s: %w", r.ID, err)
	}
	return nil
}

// LogNotifier writes requests to the log. Used when no Slack token is configured.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the request.
func (n *LogNotifier) Notify(_ context.Context, r Request) error {
	n.log.Info("review requested",
		zap.String("review_id", r.ID),
		zap.String("artifact_id", r.ArtifactID),
		zap.String("attack_id", r.AttackID),
		zap.String("excerpt", r.Excerpt))
	return nil
}

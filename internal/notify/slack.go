package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Slack posts notifications to a single Slack channel.
type Slack struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack creates a Slack notifier and verifies the token.
func NewSlack(token, channel string, logger *slog.Logger) (*Slack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	api := slack.New(token)

	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("notify: slack auth test: %w", err)
	}
	logger.Info("slack notifier authorized", "user", authResp.User, "team", authResp.Team)

	return &Slack{api: api, channel: channel, logger: logger}, nil
}

func (s *Slack) Escalated(ctx context.Context, issueKey, group, assignee string) {
	s.post(ctx, escalationText(issueKey, group, assignee))
}

func (s *Slack) ReconcileFailed(ctx context.Context, issueKey, reason string) {
	s.post(ctx, failureText(issueKey, reason))
}

func (s *Slack) post(ctx context.Context, text string) {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Error("slack notification failed", "channel", s.channel, "error", err)
	}
}

package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackAlerter surfaces terminal pipeline failures to an operator channel.
type SlackAlerter struct {
	client  *slack.Client
	channel string
	logger  zerolog.Logger
}

// NewSlackAlerter creates an alerter posting to the given channel.
func NewSlackAlerter(token, channel string, logger zerolog.Logger) *SlackAlerter {
	return &SlackAlerter{
		client:  slack.New(token),
		channel: channel,
		logger:  logger.With().Str("component", "alerter").Logger(),
	}
}

// Alert posts a terminal-failure summary to the operator channel.
func (a *SlackAlerter) Alert(ctx context.Context, summary string) error {
	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(":rotating_light: "+summary, false),
	)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	a.logger.Info().Str("channel", a.channel).Msg("operator alerted")
	return nil
}

// LogAlerter is the fallback when Slack is not configured: alerts land in
// the structured log only.
type LogAlerter struct {
	Logger zerolog.Logger
}

// Alert implements worker.Alerter.
func (a LogAlerter) Alert(_ context.Context, summary string) error {
	a.Logger.Error().Str("alert", summary).Msg("terminal pipeline failure")
	return nil
}

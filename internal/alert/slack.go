package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/reportmail/internal/models"
	"github.com/slack-go/slack"
)

// SlackNotifier posts alerts to a Slack channel as message attachments.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier posts alerts to channel. opts are passed to the slack client.
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token, opts...),
		channel: channel,
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, a models.Alert) error {
	attachment := slack.Attachment{
		Color: getAlertColor(a.Level),
		Title: a.Title(),
		Text:  a.Reason,
		Fields: []slack.AttachmentField{
			{Title: "Report", Value: a.SpecID, Short: true},
			{Title: "Kind", Value: string(a.Kind), Short: true},
			{Title: "Window", Value: a.Window.String(), Short: false},
			{Title: "Consecutive failures", Value: strconv.Itoa(a.ConsecutiveFailures), Short: true},
			{Title: "Tick", Value: a.TickID, Short: true},
		},
		Footer: "reportmail",
		Ts:     json.Number(strconv.FormatInt(a.At.Unix(), 10)),
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fmt.Sprintf("%s %s", getAlertEmoji(a.Level), a.Title()), false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("failed to send slack alert: %w", err)
	}
	return nil
}

func getAlertColor(level models.AlertLevel) string {
	switch level {
	case models.AlertLevelCritical:
		return "#FF0000"
	case models.AlertLevelWarning:
		return "#FFA500"
	case models.AlertLevelInfo:
		return "#36a64f"
	default:
		return "#808080"
	}
}

func getAlertEmoji(level models.AlertLevel) string {
	switch level {
	case models.AlertLevelCritical:
		return ":red_circle:"
	case models.AlertLevelWarning:
		return ":warning:"
	default:
		return ":bell:"
	}
}

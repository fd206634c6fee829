// Package slack publishes alert notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

const (
	maxHeadlineLen = 150
	maxReasonLen   = 2000
	httpTimeout    = 10 * time.Second
)

// Notifier posts notifications to a Slack webhook. It satisfies
// outbox.Publisher so it can stand in for a bus sink.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Publish is a
// no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Publish decodes payload as a notification and posts it to Slack. qos and
// retain have no Slack equivalent and are ignored.
func (n *Notifier) Publish(ctx context.Context, topic string, payload []byte, _ byte, _ bool) error {
	if n.webhookURL == "" {
		return nil
	}

	note, err := alert.DecodeNotification(payload)
	if err != nil {
		return fmt.Errorf("slack: decode notification: %w", err)
	}

	body, err := json.Marshal(buildMessage(topic, note))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification posted",
		"notification_id", note.NotificationID,
		"alert_id", note.ID,
	)
	return nil
}

func buildMessage(topic string, n *alert.Notification) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("%s %s", severityEmoji(n.Severity), truncate(n.Headline, maxHeadlineLen)),
		"blocks": []map[string]any{
			headerBlock(n),
			fieldsBlock(n),
			reasonBlock(n),
			contextBlock(topic, n),
		},
	}
}

func headerBlock(n *alert.Notification) map[string]any {
	headline := n.Headline
	if headline == "" {
		headline = "Alert " + n.ID
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s", severityEmoji(n.Severity), truncate(headline, maxHeadlineLen)),
		},
	}
}

func fieldsBlock(n *alert.Notification) map[string]any {
	distance := "n/a"
	if n.DistanceKm != nil {
		distance = fmt.Sprintf("%.1f km", *n.DistanceKm)
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", n.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Distance:* %s", distance)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Policy:* %s", n.PolicyMode)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Sent:* %s", n.SentAt)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasonBlock(n *alert.Notification) map[string]any {
	text := truncate(n.Reason, maxReasonLen)
	if text == "" {
		text = "_No reason recorded._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reason*\n%s", text),
		},
	}
}

func contextBlock(topic string, n *alert.Notification) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("klaxon • %s • %s", topic, n.NotificationID),
			},
		},
	}
}

func severityEmoji(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical, alert.SeveritySevere:
		return "\U0001f534" // red circle
	case alert.SeverityModerate:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

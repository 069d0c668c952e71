// Package alerting turns quality-check failures into deduplicated,
// rate-limited notifications.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
)

// Channel delivers alert notifications downstream. Routing beyond delivery
// (paging, dashboards) is the channel consumer's concern.
type Channel interface {
	Send(ctx context.Context, alert *models.Alert) error
	Type() string
}

// WebhookChannel sends alert notifications via HTTP POST.
type WebhookChannel struct {
	URL     string
	Timeout time.Duration
	client  *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Type() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert *models.Alert) error {
	payload := map[string]interface{}{
		"rule_id":      alert.RuleID,
		"severity":     alert.Severity,
		"state":        alert.State,
		"window_start": alert.WindowStart.Format(time.RFC3339),
		"window_end":   alert.WindowEnd.Format(time.RFC3339),
		"details":      alert.Details,
		"dedup_key":    alert.DedupKey,
		"first_seen":   alert.FirstSeen.Format(time.RFC3339),
		"last_seen":    alert.LastSeen.Format(time.RFC3339),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ChainSight-Pipeline/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// SlackChannel sends alert notifications to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	Timeout    time.Duration
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Timeout:    timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *SlackChannel) Type() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *models.Alert) error {
	headline := fmt.Sprintf("🚨 %s", alert.RuleID)
	if alert.State == models.AlertResolved {
		headline = fmt.Sprintf("✅ resolved: %s", alert.RuleID)
	}

	payload := map[string]interface{}{
		"text": headline,
		"attachments": []map[string]interface{}{
			{
				"color": s.severityColor(alert),
				"text":  alert.Details,
				"fields": []map[string]interface{}{
					{
						"title": "Severity",
						"value": alert.Severity,
						"short": true,
					},
					{
						"title": "State",
						"value": string(alert.State),
						"short": true,
					},
					{
						"title": "Window",
						"value": fmt.Sprintf("%s / %s",
							alert.WindowStart.Format(time.RFC3339),
							alert.WindowEnd.Format(time.RFC3339)),
						"short": false,
					},
				},
				"footer": "ChainSight Pipeline",
				"ts":     time.Now().Unix(),
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (s *SlackChannel) severityColor(alert *models.Alert) string {
	if alert.State == models.AlertResolved {
		return "#36A64F"
	}
	switch alert.Severity {
	case models.SeverityCritical:
		return "#8B0000"
	case models.SeverityHigh:
		return "#FF0000"
	case models.SeverityMedium:
		return "#FFA500"
	case models.SeverityLow:
		return "#FFFF00"
	default:
		return "#808080"
	}
}

// LogChannel writes alert notifications to the structured log. Used when no
// external channel is configured.
type LogChannel struct {
	log *logging.Logger
}

// NewLogChannel creates a log-based notification channel.
func NewLogChannel(log *logging.Logger) *LogChannel {
	return &LogChannel{log: log.With(logging.Component("alert-channel"))}
}

func (l *LogChannel) Type() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert *models.Alert) error {
	l.log.Warn("alert notification",
		logging.RuleID(alert.RuleID),
		logging.DedupKey(alert.DedupKey),
		"severity", alert.Severity,
		"state", string(alert.State),
		"details", alert.Details)
	return nil
}

// MultiChannel fans out to multiple channels; delivery succeeds when at least
// one channel accepts the notification.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel creates a fan-out notification channel.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

func (m *MultiChannel) Type() string {
	return "multi"
}

func (m *MultiChannel) Send(ctx context.Context, alert *models.Alert) error {
	var lastErr error
	successCount := 0

	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			lastErr = fmt.Errorf("%s channel failed: %w", ch.Type(), err)
		} else {
			successCount++
		}
	}

	if successCount == 0 && len(m.channels) > 0 {
		return fmt.Errorf("all notification channels failed: %w", lastErr)
	}

	return nil
}

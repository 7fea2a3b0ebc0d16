// Package slack sends triage decision notifications to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/triage"
)

const httpTimeout = 10 * time.Second

// Notifier posts finalized triage decisions to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
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

// Send posts a finalized decision to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, run *triage.Run, d triage.Decision) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(run, d)

	body, err := json.Marshal(msg)
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

	n.logger.Info(ctx, "slack notification sent",
		"run_id", run.ID,
		"alert_id", run.AlertID,
		"risk", string(d.Risk),
		"recommended", string(d.Recommended),
	)
	return nil
}

func buildMessage(run *triage.Run, d triage.Decision) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(run, d),
			{"type": "divider"},
			fieldsBlock(run, d),
			{"type": "divider"},
			reasonsBlock(d),
			{"type": "divider"},
			contextBlock(run),
		},
	}
}

func headerBlock(run *triage.Run, d triage.Decision) map[string]any {
	text := fmt.Sprintf("%s Triage Decision: %s for alert %s", riskEmoji(d.Risk), d.Recommended, run.AlertID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(run *triage.Run, d triage.Decision) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Recommended:* %s", d.Recommended),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Risk:* %s", d.Risk),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Latency:* %dms", run.LatencyMs),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Fallback used:* %t", run.FallbackUsed),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasonsBlock(d triage.Decision) map[string]any {
	text := "_No reasons recorded._"
	if len(d.Reasons) > 0 {
		text = "`" + strings.Join(d.Reasons, "`, `") + "`"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reasons*\n\n%s", text),
		},
	}
}

func contextBlock(run *triage.Run) map[string]any {
	ts := run.StartedAt
	if run.EndedAt != nil {
		ts = *run.EndedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sentinel • run %s • %s", run.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func riskEmoji(risk triage.RiskLevel) string {
	switch risk {
	case triage.RiskHigh:
		return "\U0001f534" // red circle
	case triage.RiskMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// Package slack announces dispatched maintenance tickets to Slack via
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

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

const (
	maxAnalysisLen = 3000
	httpTimeout    = 10 * time.Second
)

// Notifier posts ticket dispatches to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, NotifyDispatch is a no-op.
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

// NotifyDispatch posts a summary of a freshly assigned ticket.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) NotifyDispatch(ctx context.Context, d *solar.Dispatch) error {
	if n.webhookURL == "" || d == nil || d.Ticket == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(d))
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

	n.logger.Info(ctx, "slack dispatch sent", "ticket_number", d.Ticket.TicketNumber)
	return nil
}

func buildMessage(d *solar.Dispatch) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(d.Ticket),
			{"type": "divider"},
			fieldsBlock(d),
			{"type": "divider"},
			analysisBlock(d.Ticket),
			{"type": "divider"},
			contextBlock(d),
		},
	}
}

func headerBlock(t *solar.Ticket) map[string]any {
	text := fmt.Sprintf("%s Ticket %s dispatched: %s", priorityEmoji(t.Priority), t.TicketNumber, t.FaultType)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(d *solar.Dispatch) map[string]any {
	t := d.Ticket
	tech := "_unassigned_"
	if d.Technician != nil {
		tech = d.Technician.Name
	}
	incident := "-"
	if d.Fault != nil {
		incident = d.Fault.IncidentID
	}

	field := func(label, value string) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", label, value)}
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Priority", t.Priority),
			field("Location", location(t)),
			field("Technician", tech),
			field("Fault type", t.FaultType),
			field("Incident", incident),
			field("Alert", orDash(t.AlertCode)),
		},
	}
}

func analysisBlock(t *solar.Ticket) map[string]any {
	var b strings.Builder
	if t.AIAnalysis != "" {
		b.WriteString(t.AIAnalysis)
	}
	if t.RecommendedAction != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("*Recommended:* ")
		b.WriteString(t.RecommendedAction)
	}
	text := truncate(b.String(), maxAnalysisLen)
	if text == "" {
		text = "_No analysis available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Analysis*\n\n%s", text),
		},
	}
}

func contextBlock(d *solar.Dispatch) map[string]any {
	ts := d.Ticket.CreatedAt
	source := "manual"
	if d.Scan != nil {
		source = "scan " + d.Scan.ID
		if d.Scan.DeviceID != "" {
			source += " from " + d.Scan.DeviceID
		}
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("solarwatch • %s • %s", source, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func location(t *solar.Ticket) string {
	switch {
	case t.Zone != "" && t.Row != nil:
		return fmt.Sprintf("%s row %d", t.Zone, *t.Row)
	case t.Row != nil:
		return fmt.Sprintf("row %d", *t.Row)
	case t.Zone != "":
		return t.Zone
	}
	return "-"
}

func priorityEmoji(priority string) string {
	switch strings.ToLower(priority) {
	case solar.PriorityCritical, solar.PriorityHigh:
		return "\U0001f534" // red circle
	case solar.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

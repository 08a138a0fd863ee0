// Package slack posts transfer outcomes to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/session"
	"github.com/linnemanlabs/ermct/internal/status"
)

const (
	maxReasonLen = 1000
	httpTimeout  = 10 * time.Second
)

// Notifier sends transfer outcomes to a Slack webhook. It implements
// session.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ session.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
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

// Notify posts o to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, o session.Outcome) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(o))
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
	n.logger.Info(ctx, "outcome posted to slack", "request_id", o.RequestID, "status", o.Status)
	return nil
}

func buildMessage(o session.Outcome) map[string]any {
	blocks := []map[string]any{
		headerBlock(o),
		{"type": "divider"},
		fieldsBlock(o),
	}
	if o.Status == status.Rejected {
		blocks = append(blocks, reasonBlock(o))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(o))
	return map[string]any{"blocks": blocks}
}

func headerBlock(o session.Outcome) map[string]any {
	facility := o.FacilityName
	if facility == "" {
		facility = o.FacilityID
	}
	text := fmt.Sprintf("%s %s: %s", statusEmoji(o.Status), statusTitle(o.Status), facility)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(o session.Outcome) map[string]any {
	level := "미분류"
	if o.Level != nil {
		level = "KTAS " + strconv.Itoa(*o.Level)
	}
	requestID := o.RequestID
	if requestID == "" {
		requestID = "_none_"
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", o.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Acuity:* %s", level),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", o.Source),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Request:* %s", requestID),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasonBlock(o session.Outcome) map[string]any {
	text := truncate(o.Reason, maxReasonLen)
	if text == "" {
		text = "_No reason given._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reason*\n\n%s", text),
		},
	}
}

func contextBlock(o session.Outcome) map[string]any {
	ts := o.At
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("ermct • session %s • %s", o.SessionID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func statusTitle(s status.Status) string {
	switch s {
	case status.Approved:
		return "이송 승인"
	case status.Rejected:
		return "이송 거절"
	case status.Transferring:
		return "이송 중"
	case status.Completed:
		return "이송 완료"
	default:
		return "이송 요청"
	}
}

func statusEmoji(s status.Status) string {
	switch s {
	case status.Approved:
		return "\U0001f7e2" // green circle
	case status.Rejected:
		return "\U0001f534" // red circle
	case status.Transferring:
		return "\U0001f691" // ambulance
	case status.Completed:
		return "✅" // check mark
	default:
		return "\U0001f7e1" // yellow circle
	}
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

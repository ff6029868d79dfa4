package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Severity doubles as the Slack attachment color.
type Severity string

const (
	SeverityGood    Severity = "good"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Manager posts operator alerts to a Slack incoming webhook. Alerts describe
// the health of pghook itself, never row changes.
type Manager struct {
	enabled      bool
	slackWebhook string
	source       string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook, source string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, source, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook, source string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		source:       source,
		httpClient:   client,
	}
}

// SendProvisioningAlert reports triggers or the notify function that could
// not be installed. Rows on those tables will not be forwarded.
func (m *Manager) SendProvisioningAlert(ctx context.Context, failed int, details string) error {
	return m.post(ctx, "⚠️ *TRIGGER PROVISIONING INCOMPLETE*", "Change events may be lost", SeverityWarning,
		slackField{Title: "Failed statements", Value: strconv.Itoa(failed), Short: true},
		slackField{Title: "Details", Value: details},
	)
}

func (m *Manager) SendSystemAlert(ctx context.Context, title, message string, severity Severity) error {
	return m.post(ctx, "🚨 *PGHOOK: "+title+"*", title, severity,
		slackField{Title: "Message", Value: message},
	)
}

// post is a no-op unless alerts are enabled and a webhook is configured.
func (m *Manager) post(ctx context.Context, text, title string, severity Severity, fields ...slackField) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	attachment := slackAttachment{
		Color:  string(severity),
		Title:  title,
		Fields: append([]slackField{{Title: "Source", Value: m.source, Short: true}}, fields...),
		Footer: "pghook",
		Ts:     time.Now().Unix(),
	}
	body, err := json.Marshal(slackMessage{Text: text, Attachments: []slackAttachment{attachment}})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.slackWebhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack rejected alert with status %d", resp.StatusCode)
	}
	return nil
}

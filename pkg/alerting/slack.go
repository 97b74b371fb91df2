package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ═══════════════════════════════════════════
// Slack Alerter
// ═══════════════════════════════════════════

// SlackAlerter posts alerts to a Slack incoming webhook. Sends run in the
// background with a 5s timeout so a slow webhook never blocks a pipeline.
// All methods are nil-safe: a nil *SlackAlerter drops every alert.
type SlackAlerter struct {
	webhookURL  string
	channel     string
	minSeverity string
	client      *http.Client
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// SlackOption configures a SlackAlerter.
type SlackOption func(*SlackAlerter)

// WithChannel overrides the webhook's default channel.
func WithChannel(ch string) SlackOption { return func(a *SlackAlerter) { a.channel = ch } }

// WithMinSeverity drops alerts below severity (info < warning < critical).
func WithMinSeverity(s string) SlackOption { return func(a *SlackAlerter) { a.minSeverity = s } }

func WithHTTPClient(c *http.Client) SlackOption { return func(a *SlackAlerter) { a.client = c } }

func WithSlackLogger(l *zap.Logger) SlackOption { return func(a *SlackAlerter) { a.logger = l } }

// NewSlackAlerter returns nil when webhookURL is empty.
func NewSlackAlerter(webhookURL string, opts ...SlackOption) *SlackAlerter {
	if webhookURL == "" {
		return nil
	}
	a := &SlackAlerter{
		webhookURL: webhookURL,
		client:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger).Named("slack")
	return a
}

// Send posts alert asynchronously.
func (a *SlackAlerter) Send(ctx context.Context, alert v1.Alert) {
	if a == nil || severityRank(alert.Severity) < severityRank(a.minSeverity) {
		return
	}
	msg := a.message(alert)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.send(context.WithoutCancel(ctx), msg)
	}()
}

// Wait blocks until in-flight sends finish.
func (a *SlackAlerter) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}

func (a *SlackAlerter) message(alert v1.Alert) slackMessage {
	fields := []slackField{
		{Title: "Pipeline", Value: alert.PipelineID, Short: true},
		{Title: "Severity", Value: alert.Severity, Short: true},
		{Title: "Error", Value: alert.Error, Short: false},
	}
	if alert.EventID != "" {
		fields = append(fields, slackField{Title: "Event", Value: alert.EventID, Short: true})
	}
	keys := make([]string, 0, len(alert.Data))
	for k := range alert.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprintf("%v", alert.Data[k]), Short: true})
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return slackMessage{
		Channel:  a.channel,
		Username: "schemaflow",
		Icon:     ":rotating_light:",
		Attachments: []slackAttachment{{
			Color:     colorForSeverity(alert.Severity),
			Title:     fmt.Sprintf("%s: %s", alert.Type, alert.PipelineID),
			Fields:    fields,
			Timestamp: ts.Unix(),
		}},
	}
}

// ═══════════════════════════════════════════
// Internal
// ═══════════════════════════════════════════

const (
	colorRed    = "#dc3545"
	colorOrange = "#fd7e14"
	colorBlue   = "#2196F3"
)

func colorForSeverity(severity string) string {
	switch severity {
	case SeverityCritical:
		return colorRed
	case SeverityInfo:
		return colorBlue
	default:
		return colorOrange
	}
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// slackMessage is the Slack incoming webhook payload.
type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Icon        string            `json:"icon_emoji,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Fields    []slackField `json:"fields"`
	Timestamp int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (a *SlackAlerter) send(ctx context.Context, msg slackMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("marshal slack message", zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("build slack request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("slack send failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("slack webhook rejected alert", zap.Int("status", resp.StatusCode))
	}
}

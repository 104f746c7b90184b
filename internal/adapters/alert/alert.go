// Package alert delivers operator alerts to logs and webhooks.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
)

// LogSink writes alerts to the logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink logging at warn, or error for critical alerts.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("alert")}
}

// Publish logs the alert.
func (s *LogSink) Publish(ctx context.Context, a core.Alert) {
	args := []any{
		"severity", string(a.Severity),
		"workload", string(a.WorkloadID),
		"source", a.Component,
	}
	if a.Code != "" {
		args = append(args, "code", a.Code)
	}
	for k, v := range a.Details {
		args = append(args, k, v)
	}

	switch a.Severity {
	case core.SeverityCritical:
		s.logger.ErrorContext(ctx, a.Message, args...)
	case core.SeverityInfo:
		s.logger.InfoContext(ctx, a.Message, args...)
	default:
		s.logger.WarnContext(ctx, a.Message, args...)
	}
}

// DefaultMaxInFlight caps concurrent webhook deliveries.
const DefaultMaxInFlight = 4

// WebhookSink POSTs alerts as JSON. Delivery happens in the background so
// Publish never blocks the caller. At most maxInFlight deliveries run at once;
// alerts published beyond that are logged and dropped, as are failures.
type WebhookSink struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *logging.Logger
	group   errgroup.Group
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*webhookOptions)

type webhookOptions struct {
	maxInFlight int
}

// WithMaxInFlight bounds concurrent deliveries.
func WithMaxInFlight(n int) WebhookOption {
	return func(o *webhookOptions) { o.maxInFlight = n }
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, timeout time.Duration, logger *logging.Logger, opts ...WebhookOption) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	o := webhookOptions{maxInFlight: DefaultMaxInFlight}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxInFlight <= 0 {
		o.maxInFlight = DefaultMaxInFlight
	}
	s := &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.WithComponent("alert"),
	}
	s.group.SetLimit(o.maxInFlight)
	return s
}

// webhookPayload carries a Slack-compatible text line plus the structured alert.
type webhookPayload struct {
	Text  string     `json:"text"`
	Alert core.Alert `json:"alert"`
}

// Publish starts delivery of the alert, or drops it when too many deliveries
// are already in flight.
func (s *WebhookSink) Publish(_ context.Context, a core.Alert) {
	started := s.group.TryGo(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.deliver(ctx, a); err != nil {
			s.logger.Warn("alert delivery failed", "workload", string(a.WorkloadID), "error", err)
		}
		return nil
	})
	if !started {
		s.logger.Warn("alert dropped: webhook deliveries saturated",
			"workload", string(a.WorkloadID), "severity", string(a.Severity), "message", a.Message)
	}
}

func (s *WebhookSink) deliver(ctx context.Context, a core.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Text:  fmt.Sprintf("[%s] %s: %s", a.Severity, a.WorkloadID, a.Message),
		Alert: a,
	})
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (s *WebhookSink) Wait() {
	_ = s.group.Wait()
}

// Fanout publishes to every sink and counts alerts.
type Fanout []core.AlertSink

// Publish forwards the alert to each sink.
func (f Fanout) Publish(ctx context.Context, a core.Alert) {
	metrics.RecordAlert(string(a.Severity))
	for _, sink := range f {
		sink.Publish(ctx, a)
	}
}

// Wait blocks until every sink that delivers asynchronously is drained.
func (f Fanout) Wait() {
	for _, sink := range f {
		if w, ok := sink.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
}

// New builds the configured sinks: always the log, plus a webhook when url is set.
func New(url string, timeout time.Duration, logger *logging.Logger) Fanout {
	sinks := Fanout{NewLogSink(logger)}
	if url != "" {
		sinks = append(sinks, NewWebhookSink(url, timeout, logger))
	}
	return sinks
}

// Recorder keeps published alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []core.Alert
}

// Publish records the alert.
func (r *Recorder) Publish(_ context.Context, a core.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []core.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Alert(nil), r.alerts...)
}

var (
	_ core.AlertSink = (*LogSink)(nil)
	_ core.AlertSink = (*WebhookSink)(nil)
	_ core.AlertSink = Fanout(nil)
	_ core.AlertSink = (*Recorder)(nil)
)

package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/jsonutil"
	"golang.org/x/time/rate"
)

// Sender delivers a fully rendered threat to one outbound channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, t event.SecurityThreat) error
}

// Compile-time interface checks.
var (
	_ Sender = (*WebhookSender)(nil)
	_ Sender = (*SlackSender)(nil)
	_ Sender = (*LogSender)(nil)
	_ Sender = (*PacedSender)(nil)
)

// WebhookSender POSTs the threat as JSON to an HTTP endpoint.
type WebhookSender struct {
	name     string
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// WebhookOptions configures a WebhookSender.
type WebhookOptions struct {
	Name    string
	Headers map[string]string
	Timeout time.Duration
}

// NewWebhookSender creates a webhook channel. The default name is
// "webhook" and the default timeout 10s.
func NewWebhookSender(endpoint string, opts WebhookOptions) *WebhookSender {
	if opts.Name == "" {
		opts.Name = "webhook"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	return &WebhookSender{
		name:     opts.Name,
		endpoint: endpoint,
		headers:  opts.Headers,
		client:   &http.Client{Timeout: opts.Timeout},
	}
}

func (s *WebhookSender) Name() string { return s.name }

func (s *WebhookSender) Send(ctx context.Context, t event.SecurityThreat) error {
	body, err := jsonutil.Marshal(t)
	if err != nil {
		return fmt.Errorf("webhook: marshal threat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// SlackSender posts a formatted message to a Slack-compatible incoming
// webhook.
type SlackSender struct {
	endpoint string
	client   *http.Client
}

// NewSlackSender creates a Slack channel sender.
func NewSlackSender(endpoint string, timeout time.Duration) *SlackSender {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &SlackSender{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, t event.SecurityThreat) error {
	payload := map[string]string{
		"text": fmt.Sprintf("[%s] %s threat from %s (risk %d, confidence %d): %s",
			t.Severity, t.Category, t.SourceAddr, t.RiskScore, t.Confidence, t.Description),
	}
	body, err := jsonutil.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes threats to the structured log. Always available; used as
// the channel of last resort.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log channel.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, t event.SecurityThreat) error {
	s.logger.Warn("security threat",
		"severity", t.Severity,
		"category", t.Category,
		"addr", t.SourceAddr,
		"risk", t.RiskScore,
		"confidence", t.Confidence,
		"description", t.Description,
	)
	return nil
}

// PacedSender wraps a Sender with a token-bucket pace so a notification
// storm cannot overwhelm the downstream service. Sends that cannot acquire
// a token before the context deadline are dropped with an error.
type PacedSender struct {
	inner   Sender
	limiter *rate.Limiter
}

// NewPacedSender paces inner to perSecond sends with the given burst.
func NewPacedSender(inner Sender, perSecond float64, burst int) *PacedSender {
	return &PacedSender{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (s *PacedSender) Name() string { return s.inner.Name() }

func (s *PacedSender) Send(ctx context.Context, t event.SecurityThreat) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: pacing: %w", s.inner.Name(), err)
	}
	return s.inner.Send(ctx, t)
}

// Package notify fans command notifications out to configured sinks.
//
// Successful state-changing commands broadcast their notify text; failures
// reply to the caller only and never reach the sinks. Sinks are best-effort:
// a failing webhook is logged, never propagated into command handling.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Level grades a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelLog   Level = "log" // log-only: skipped by chat-facing sinks
)

// Sink receives one notification.
type Sink interface {
	Notify(ctx context.Context, level Level, text string)
}

// Multi fans a notification out to several sinks.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, level Level, text string) {
	for _, s := range m {
		s.Notify(ctx, level, text)
	}
}

// SlogSink writes notifications to the structured log.
type SlogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s *SlogSink) Notify(_ context.Context, level Level, text string) {
	switch level {
	case LevelError:
		s.Logger.Error(text)
	case LevelWarn:
		s.Logger.Warn(text)
	default:
		s.Logger.Info(text)
	}
}

// WebhookSink POSTs notifications to a Slack-compatible incoming webhook.
// Log-level notifications are suppressed; they are for operators' logs only.
type WebhookSink struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		http: resty.New().
			SetBaseURL(url).
			SetTimeout(5 * time.Second).
			SetRetryCount(1).
			SetRetryWaitTime(500 * time.Millisecond),
		logger: logger.With("component", "notify"),
	}
}

// Notify implements Sink.
func (w *WebhookSink) Notify(ctx context.Context, level Level, text string) {
	if level == LevelLog {
		return
	}
	body := map[string]string{"text": prefix(level) + text}
	resp, err := w.http.R().SetContext(ctx).SetBody(body).Post("")
	if err != nil {
		w.logger.Warn("webhook delivery failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		w.logger.Warn("webhook rejected notification", "status", resp.StatusCode())
	}
}

func prefix(level Level) string {
	switch level {
	case LevelWarn:
		return "⚠ "
	case LevelError:
		return "✗ "
	default:
		return ""
	}
}

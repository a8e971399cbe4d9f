package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/logger"
)

// Notifier delivers the terminal event of a synchronization cycle.
// Delivery failure never rolls back the cycle.
type Notifier interface {
	Notify(ctx context.Context, summary *domain.JobSummary) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, summary *domain.JobSummary) error

func (f NotifierFunc) Notify(ctx context.Context, summary *domain.JobSummary) error {
	return f(ctx, summary)
}

// WebhookNotifier posts the cycle summary to a configured HTTP endpoint.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier creates a webhook notifier with bounded retries.
func NewWebhookNotifier(url string, retries int, retryDelay time.Duration) *WebhookNotifier {
	if retries <= 0 {
		retries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(retries).
		SetRetryWaitTime(retryDelay).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{client: client, url: url}
}

// Notify posts the summary. Retries are handled by the HTTP client; the
// final error is returned for logging only.
func (n *WebhookNotifier) Notify(ctx context.Context, summary *domain.JobSummary) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(summary).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("post cycle notification: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("cycle notification returned status %d", resp.StatusCode())
	}
	logger.CtxInfo(ctx, "cycle notification delivered for job %s", summary.JobID)
	return nil
}

// LogNotifier records the summary in the structured log. Used when no
// webhook endpoint is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, summary *domain.JobSummary) error {
	logger.With(logger.Fields{
		logger.FieldJobID:      summary.JobID,
		logger.FieldStatus:     string(summary.State),
		logger.FieldDurationMs: summary.DurationMs,
		"discovered":           summary.Discovered,
		"processed":            summary.Processed,
		"failed":               summary.Failed,
		"deleted":              summary.Deleted,
	}).Info(ctx, "synchronization cycle finished")
	return nil
}

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

func (s *Service) postWebhook(ctx context.Context, payload *Payload) error {
	target := s.cfg.Webhook
	if target == nil {
		return contracts.Errorf(contracts.CategoryConfig,
			"pipeline.export.webhook", "webhook sink requires a target")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return contracts.NewError(contracts.CategoryExportSink, target.URL, err)
	}
	return s.postWithRetry(ctx, target, body)
}

// postWithRetry POSTs body to the target, retrying on failure with the
// configured backoff. After the final attempt the body goes to the DLQ path
// when one is configured; the delivery error is returned either way.
func (s *Service) postWithRetry(ctx context.Context, target *config.HTTPTarget, body []byte) error {
	attempts := target.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = s.postOnce(ctx, target, body)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = attempts
		case <-time.After(backoff(target, attempt)):
		}
	}

	if target.DLQPath != "" {
		if dlqErr := s.appendJSONL(target.DLQPath, 0, []any{map[string]any{
			"url":     target.URL,
			"error":   lastErr.Error(),
			"ts":      s.clock().UTC().Format(time.RFC3339),
			"payload": json.RawMessage(body),
		}}); dlqErr != nil {
			return dlqErr
		}
	}
	return contracts.NewError(contracts.CategoryExternalService, target.URL, lastErr)
}

func backoff(target *config.HTTPTarget, attempt int) time.Duration {
	base := target.BackoffSeconds
	if base <= 0 {
		base = 0.1
	}
	seconds := base * float64(attempt)
	if target.BackoffMode == "exponential" {
		seconds = base * float64(int64(1)<<uint(attempt-1))
	}
	return time.Duration(seconds * float64(time.Second))
}

func (s *Service) postOnce(ctx context.Context, target *config.HTTPTarget, body []byte) error {
	timeout := time.Duration(target.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

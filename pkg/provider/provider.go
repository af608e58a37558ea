// Package provider defines the model-call seam used by the orchestrator
// and an OpenAI-compatible implementation.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pario-ai/helmsman/pkg/models"
)

// Provider completes one chat request against one model.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	Temperature float64
	MaxTokens   int
}

// Result is what a successful call yields. CachedTokens is the part of
// InputTokens served from the provider's prompt cache.
type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// ProviderError is returned when the model API responds with an error.
type ProviderError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the provider's error description.
	Message string

	// RetryAfter is the provider's retry hint, zero when absent.
	RetryAfter time.Duration
}

func (err *ProviderError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("provider: HTTP %d", err.StatusCode)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited returns true if the error is a rate limit response (HTTP 429).
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// RetryAfterSeconds returns the retry hint rounded up to whole seconds.
func (err *ProviderError) RetryAfterSeconds() int {
	if err.RetryAfter <= 0 {
		return 0
	}
	return int((err.RetryAfter + time.Second - 1) / time.Second)
}

// parseRetryAfter reads a Retry-After header in either its
// delta-seconds or HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

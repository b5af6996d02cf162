package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentmesh/internal/domain"
)

// Category classifies a provider failure for the router's retry policy.
type Category string

const (
	CategoryRateLimit  Category = "rate_limit"
	CategoryAuth       Category = "auth_failed"
	CategoryBilling    Category = "billing_failed"
	CategoryTimeout    Category = "timeout"
	CategoryOverflow   Category = "context_overflow"
	CategoryThinking   Category = "thinking_failed"
	CategoryModelError Category = "model_error"
)

// ProviderError is a classified provider failure. Unwrap yields the
// matching domain sentinel so callers can use errors.Is.
type ProviderError struct {
	Provider   string
	Category   Category
	Status     int
	RetryAfter time.Duration
	Detail     string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Category, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Category, e.Detail)
}

func (e *ProviderError) Unwrap() error {
	switch e.Category {
	case CategoryRateLimit:
		return domain.ErrRateLimit
	case CategoryAuth:
		return domain.ErrAuthInvalid
	case CategoryBilling:
		return domain.ErrBillingFailed
	case CategoryTimeout:
		return domain.ErrTimeout
	case CategoryOverflow:
		return domain.ErrContextOverflow
	case CategoryThinking:
		return domain.ErrThinkingFailed
	default:
		return domain.ErrModelError
	}
}

// AsProviderError extracts a ProviderError from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// classifyHTTP maps a non-2xx API response to a ProviderError. Rate
// limits carry the Retry-After hint when the server sends one.
func classifyHTTP(provider string, status int, body []byte, header http.Header) *ProviderError {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}

	pe := &ProviderError{Provider: provider, Status: status, Detail: detail}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Category = CategoryRateLimit
		pe.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Category = CategoryAuth
	case status == http.StatusPaymentRequired:
		pe.Category = CategoryBilling
	case status == http.StatusRequestEntityTooLarge || isOverflowBody(detail):
		pe.Category = CategoryOverflow
	case status == http.StatusBadRequest && isThinkingBody(detail):
		pe.Category = CategoryThinking
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		pe.Category = CategoryTimeout
	default:
		pe.Category = CategoryModelError
	}
	return pe
}

// classifyTransport maps network-level failures. Context cancellation is
// left untouched so it propagates as a cancellation, not a retry.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	pe := &ProviderError{Provider: provider, Detail: err.Error()}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		pe.Category = CategoryTimeout
	} else {
		pe.Category = CategoryModelError
	}
	return pe
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func isOverflowBody(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "too many tokens")
}

func isThinkingBody(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "thinking") || strings.Contains(lower, "reasoning")
}

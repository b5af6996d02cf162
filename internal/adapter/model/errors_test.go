package model

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain"
)

func TestClassifyHTTPStatuses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		category Category
		sentinel error
	}{
		{"rate limit", 429, "slow down", CategoryRateLimit, domain.ErrRateLimit},
		{"unauthorized", 401, "bad key", CategoryAuth, domain.ErrAuthInvalid},
		{"forbidden", 403, "nope", CategoryAuth, domain.ErrAuthInvalid},
		{"billing", 402, "pay up", CategoryBilling, domain.ErrBillingFailed},
		{"overflow by status", 413, "too big", CategoryOverflow, domain.ErrContextOverflow},
		{"overflow by body", 400, "maximum context length exceeded", CategoryOverflow, domain.ErrContextOverflow},
		{"thinking rejected", 400, "thinking not supported for this model", CategoryThinking, domain.ErrThinkingFailed},
		{"gateway timeout", 504, "upstream", CategoryTimeout, domain.ErrTimeout},
		{"server error", 500, "oops", CategoryModelError, domain.ErrModelError},
		{"plain bad request", 400, "invalid field", CategoryModelError, domain.ErrModelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := classifyHTTP("p", tt.status, []byte(tt.body), http.Header{})
			assert.Equal(t, tt.category, pe.Category)
			assert.ErrorIs(t, pe, tt.sentinel)
		})
	}
}

func TestClassifyHTTPRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	pe := classifyHTTP("p", 429, nil, h)
	assert.Equal(t, 12*time.Second, pe.RetryAfter)
}

func TestClassifyTransportTimeout(t *testing.T) {
	err := classifyTransport("p", context.DeadlineExceeded)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryTimeout, pe.Category)
}

func TestClassifyTransportPreservesCancellation(t *testing.T) {
	err := classifyTransport("p", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := AsProviderError(err)
	assert.False(t, ok)
}

func TestProviderErrorTruncatesDetail(t *testing.T) {
	body := make([]byte, 2048)
	for i := range body {
		body[i] = 'x'
	}
	pe := classifyHTTP("p", 500, body, http.Header{})
	assert.Len(t, pe.Detail, 512)
}

package domain

import "context"

// ThinkingLevel is the request-level knob for model reasoning depth.
// Providers that do not support thinking must accept ThinkingNone.
type ThinkingLevel string

const (
	ThinkingNone     ThinkingLevel = "none"
	ThinkingStandard ThinkingLevel = "standard"
	ThinkingExtended ThinkingLevel = "extended"
	ThinkingAdaptive ThinkingLevel = "adaptive"
)

// Downgrade returns the next level in the downgrade chain and whether a
// downgrade was possible. Both adaptive and extended step to standard,
// standard steps to none; none cannot downgrade.
func (t ThinkingLevel) Downgrade() (ThinkingLevel, bool) {
	switch t {
	case ThinkingAdaptive, ThinkingExtended:
		return ThinkingStandard, true
	case ThinkingStandard:
		return ThinkingNone, true
	}
	return t, false
}

// ModelRef names a provider/model pair.
type ModelRef struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// ModelRequest is a provider-agnostic completion request.
type ModelRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Thinking    ThinkingLevel `json:"thinking,omitempty"`
}

// Usage reports token consumption for a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelResponse is a provider-agnostic completion response.
type ModelResponse struct {
	Content  string `json:"content"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Usage    Usage  `json:"usage"`
}

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	ChunkContent  ChunkType = "content"
	ChunkUsage    ChunkType = "usage"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
)

// StreamChunk is one element of a model response stream. Err is set on a
// terminal error chunk; consumers must stop reading after Err or ChunkDone.
type StreamChunk struct {
	Type     ChunkType `json:"type"`
	Content  string    `json:"content,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	ToolArgs string    `json:"tool_args,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Err      error     `json:"-"`
}

// ModelProvider is the contract every LLM backend implements.
type ModelProvider interface {
	// ID returns the provider identifier (e.g. "anthropic").
	ID() string
	// Complete performs a blocking completion.
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
	// Stream performs a streaming completion. The channel is closed after
	// a ChunkDone or a chunk carrying Err.
	Stream(ctx context.Context, req ModelRequest) (<-chan StreamChunk, error)
}

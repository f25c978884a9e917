package provider

import (
	"context"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API. Same pattern as the other adapters: translate our unified
// Request into Anthropic's format, make the HTTP call, translate back.
type AnthropicProvider struct {
	httpAdapter
}

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicDefaultModel   = "claude-3-5-haiku-latest"
)

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(desc Descriptor, client *http.Client) *AnthropicProvider {
	if desc.BaseURL == "" {
		desc.BaseURL = anthropicDefaultBaseURL
	}
	if desc.DefaultModel == "" {
		desc.DefaultModel = anthropicDefaultModel
	}
	return &AnthropicProvider{httpAdapter: newHTTPAdapter(desc, client)}
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the top-level request body for Anthropic's
// /v1/messages endpoint.
//
// Key differences from the OpenAI format:
//   - "system" is a top-level string, not a message with role "system"
//   - "max_tokens" is REQUIRED (Anthropic rejects requests without it)
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// anthropicMessage is one message in the conversation.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the top-level response from /v1/messages.
//   - "content" is an array of content blocks
//   - "usage" uses input_tokens/output_tokens
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicContentBlock is one piece of the response. Anthropic returns an
// array because responses can mix text and tool_use blocks. We only care
// about blocks where type == "text".
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicAPIVersion is sent as the "anthropic-version" header on every
// request. Anthropic uses this header to guarantee stable API behavior.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is used when the request doesn't set MaxTokens.
// Anthropic requires max_tokens, so we can't just leave it at zero.
const defaultMaxTokens = 1024

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// Generate sends a non-streaming request to Anthropic's Messages API.
func (a *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if a.desc.APIKey == "" {
		return nil, configMissing(a.desc.Name, "api_key")
	}

	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.Context,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Query}},
		Temperature: req.Temperature,
	}
	if body.Model == "" {
		body.Model = a.desc.DefaultModel
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	var out anthropicResponse
	if err := a.postJSON(ctx, a.endpoint("/messages"), a.headers(), body, &out); err != nil {
		return nil, err
	}

	// Concatenate all text blocks. strings.Builder is Go's efficient way
	// to build a string piece by piece.
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Answer:     text.String(),
		Model:      out.Model,
		Provider:   a.desc.Name,
		TokensUsed: out.Usage.InputTokens + out.Usage.OutputTokens,
		Metadata: map[string]any{
			"id":          out.ID,
			"stop_reason": out.StopReason,
		},
	}, nil
}

// HealthCheck lists models with the configured key.
func (a *AnthropicProvider) HealthCheck(ctx context.Context) bool {
	if a.desc.APIKey == "" {
		return false
	}
	return a.probe(ctx, a.endpoint("/models"), a.headers())
}

// Capabilities of the Messages API as we use it.
func (a *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		FunctionCalling:  true,
		MaxContextLength: 200000,
		Vision:           true,
	}
}

// headers sets the two Anthropic-specific auth headers. Anthropic uses
// x-api-key instead of the Bearer scheme.
func (a *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.desc.APIKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

func (a *AnthropicProvider) endpoint(path string) string {
	return strings.TrimRight(a.desc.BaseURL, "/") + path
}

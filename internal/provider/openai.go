package provider

import (
	"context"
	"net/http"
	"strings"
)

// OpenAIProvider implements Provider for any backend that speaks the OpenAI
// chat completions format. Both the "openai" and "groq" types use it; they
// differ only in default endpoint, default model and capabilities.
type OpenAIProvider struct {
	httpAdapter
	caps Capabilities
}

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "gpt-4o-mini"
	groqDefaultBaseURL   = "https://api.groq.com/openai/v1"
	groqDefaultModel     = "llama-3.1-70b-versatile"

	chatDefaultMaxTokens = 2000
	chatDefaultTemp      = 0.7
	chatDefaultSystem    = "You are an expert legal assistant."
)

// NewOpenAIProvider creates an adapter for OpenAI proper.
func NewOpenAIProvider(desc Descriptor, client *http.Client) *OpenAIProvider {
	if desc.BaseURL == "" {
		desc.BaseURL = openAIDefaultBaseURL
	}
	if desc.DefaultModel == "" {
		desc.DefaultModel = openAIDefaultModel
	}
	return &OpenAIProvider{
		httpAdapter: newHTTPAdapter(desc, client),
		caps: Capabilities{
			Streaming:        true,
			Embeddings:       true,
			FunctionCalling:  true,
			MaxContextLength: 128000,
			Vision:           true,
			JSONMode:         true,
		},
	}
}

// NewGroqProvider creates an adapter for Groq's OpenAI-compatible API.
func NewGroqProvider(desc Descriptor, client *http.Client) *OpenAIProvider {
	if desc.BaseURL == "" {
		desc.BaseURL = groqDefaultBaseURL
	}
	if desc.DefaultModel == "" {
		desc.DefaultModel = groqDefaultModel
	}
	return &OpenAIProvider{
		httpAdapter: newHTTPAdapter(desc, client),
		caps: Capabilities{
			Streaming:        true,
			MaxContextLength: 32000,
			JSONMode:         true,
		},
	}
}

// chatRequest is the body of POST {base}/chat/completions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse only declares the fields we read. The real payload has
// much more (id, created, system_fingerprint, ...) and the decoder ignores
// it.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends a two-message conversation: the pipeline context as the
// system prompt, the user's query as the user turn.
func (o *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	// Checked before building anything, so a misconfigured deployment
	// never makes a network call.
	if o.desc.APIKey == "" {
		return nil, configMissing(o.desc.Name, "api_key")
	}

	system := req.Context
	if system == "" {
		system = chatDefaultSystem
	}

	body := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Query},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: chatDefaultTemp,
	}
	if body.Model == "" {
		body.Model = o.desc.DefaultModel
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = chatDefaultMaxTokens
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}

	var out chatResponse
	if err := o.postJSON(ctx, o.endpoint("/chat/completions"), bearer(o.desc.APIKey), body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Kind: KindBadResponse, Provider: o.desc.Name, Message: "response has no choices"}
	}

	model := out.Model
	if model == "" {
		model = body.Model
	}

	return &Response{
		Answer:     out.Choices[0].Message.Content,
		Model:      model,
		Provider:   o.desc.Name,
		TokensUsed: out.Usage.TotalTokens,
		Metadata: map[string]any{
			"finish_reason": out.Choices[0].FinishReason,
		},
	}, nil
}

// HealthCheck lists models; a 200 means the key works and the API is up.
func (o *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	if o.desc.APIKey == "" {
		return false
	}
	return o.probe(ctx, o.endpoint("/models"), bearer(o.desc.APIKey))
}

// ValidateCredentials is the same call as HealthCheck: the models endpoint
// is the cheapest authenticated request both vendors offer.
func (o *OpenAIProvider) ValidateCredentials(ctx context.Context) bool {
	return o.HealthCheck(ctx)
}

// Capabilities for this vendor.
func (o *OpenAIProvider) Capabilities() Capabilities { return o.caps }

func (o *OpenAIProvider) endpoint(path string) string {
	return strings.TrimRight(o.desc.BaseURL, "/") + path
}

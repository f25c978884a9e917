package provider

import (
	"context"
	"net/http"
	"strings"
)

// EngineProvider talks to the external AI inference engine, a separate
// service that owns retrieval-augmented answering over the legal corpus.
// Its wire format is our own, so the translation is nearly 1:1.
type EngineProvider struct {
	httpAdapter
}

// NewEngineProvider creates an EngineProvider. BaseURL is required; APIKey
// is optional and sent as a bearer token when set.
func NewEngineProvider(desc Descriptor, client *http.Client) *EngineProvider {
	return &EngineProvider{httpAdapter: newHTTPAdapter(desc, client)}
}

const (
	engineDefaultTenant    = "default"
	engineDefaultMaxTokens = 500
	engineDefaultTemp      = 0.7
)

// engineRequest is the body of POST {base}/inference.
type engineRequest struct {
	Query       string  `json:"query"`
	Context     string  `json:"context"`
	TenantID    string  `json:"tenant_id"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Model       string  `json:"model,omitempty"`
	Provider    string  `json:"provider,omitempty"`
}

// engineResponse is what the engine sends back. Everything except answer
// is optional.
type engineResponse struct {
	Answer     string           `json:"answer"`
	Model      string           `json:"model"`
	TokensUsed int              `json:"tokens_used"`
	Confidence *float64         `json:"confidence"`
	Citations  []map[string]any `json:"citations"`
	Cached     bool             `json:"cached"`
	Metadata   map[string]any   `json:"metadata"`
}

// Generate sends the query to the engine's /inference endpoint.
func (e *EngineProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if e.desc.BaseURL == "" {
		return nil, configMissing(e.desc.Name, "base_url")
	}

	body := engineRequest{
		Query:       req.Query,
		Context:     req.Context,
		TenantID:    req.TenantID,
		MaxTokens:   req.MaxTokens,
		Temperature: engineDefaultTemp,
		Model:       req.Model,
		Provider:    req.Provider,
	}
	if body.TenantID == "" {
		body.TenantID = engineDefaultTenant
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = engineDefaultMaxTokens
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if body.Model == "" {
		body.Model = e.desc.DefaultModel
	}

	var headers map[string]string
	if e.desc.APIKey != "" {
		headers = bearer(e.desc.APIKey)
	}

	var out engineResponse
	if err := e.postJSON(ctx, e.endpoint("/inference"), headers, body, &out); err != nil {
		return nil, err
	}

	model := out.Model
	if model == "" {
		model = body.Model
	}
	if model == "" {
		model = "unknown"
	}

	return &Response{
		Answer:     out.Answer,
		Model:      model,
		Provider:   e.desc.Name,
		Confidence: out.Confidence,
		TokensUsed: out.TokensUsed,
		Cached:     out.Cached,
		Citations:  engineCitations(out.Citations),
		Metadata:   out.Metadata,
	}, nil
}

// HealthCheck probes GET {base}/health.
func (e *EngineProvider) HealthCheck(ctx context.Context) bool {
	if e.desc.BaseURL == "" {
		return false
	}
	return e.probe(ctx, e.endpoint("/health"), nil)
}

// Capabilities of the engine.
func (e *EngineProvider) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        false,
		Embeddings:       true,
		FunctionCalling:  false,
		MaxContextLength: 8192,
		Vision:           false,
		JSONMode:         true,
	}
}

func (e *EngineProvider) endpoint(path string) string {
	return strings.TrimRight(e.desc.BaseURL, "/") + path
}

// engineCitations pulls the well-known keys out of the engine's free-form
// citation objects and keeps the rest in Extra.
func engineCitations(raw []map[string]any) []Citation {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Citation, 0, len(raw))
	for _, m := range raw {
		var c Citation
		extra := make(map[string]any)
		for k, v := range m {
			switch k {
			case "source":
				c.Source, _ = v.(string)
			case "text", "content":
				if s, ok := v.(string); ok && c.Text == "" {
					c.Text = s
				}
			case "relevance", "score":
				if f, ok := v.(float64); ok {
					c.Relevance = f
				}
			default:
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			c.Extra = extra
		}
		out = append(out, c)
	}
	return out
}

// Package provider defines the Provider interface, the backend adapters that
// implement it, and the Manager that fails over between them.
//
// Every inference backend (the external AI engine, OpenAI-compatible
// vendors, Anthropic, the deterministic mock) implements Provider. The rest
// of the service (pipeline, cache, gateway) works with the unified Request
// and Response types here, so it never needs to know which backend actually
// answered a query.
package provider

import (
	"context"
	"time"
)

// Provider is the interface that every inference backend must satisfy.
// Go interfaces are implicit: any struct that has these methods
// automatically implements Provider. There is no "implements" keyword.
type Provider interface {
	// Name returns the configured provider name, e.g. "ai_engine" or
	// "openai". Names are unique within a Manager and are what shows up
	// as provider_used in responses, logs and metric labels.
	Name() string

	// Generate sends one inference request and returns the complete answer.
	//
	// Adapters own their credentials, endpoint and timeout. Any I/O failure
	// is converted into a *Error at the adapter boundary so callers can ask
	// whether it is worth trying again.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// HealthCheck probes the backend and reports whether it is usable.
	// It never returns an error: a probe that cannot complete is simply
	// "not healthy".
	HealthCheck(ctx context.Context) bool

	// Capabilities describes what the backend supports.
	Capabilities() Capabilities
}

// CredentialValidator is implemented by adapters that can check their
// credentials more precisely than a health probe. The Manager falls back to
// HealthCheck for adapters that don't implement it.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context) bool
}

// Type tags the adapter kind a Descriptor should be built with.
type Type string

const (
	TypeAIEngine  Type = "ai_engine" // external inference engine service
	TypeOpenAI    Type = "openai"    // OpenAI chat completions
	TypeGroq      Type = "groq"      // Groq, OpenAI-compatible wire format
	TypeAnthropic Type = "anthropic" // Anthropic Messages API
	TypeMock      Type = "mock"      // deterministic, no network
)

// Capabilities is the capability set a backend advertises.
type Capabilities struct {
	Streaming        bool `json:"supports_streaming"`
	Embeddings       bool `json:"supports_embeddings"`
	FunctionCalling  bool `json:"supports_function_calling"`
	MaxContextLength int  `json:"max_context_length"`
	Vision           bool `json:"supports_vision"`
	JSONMode         bool `json:"supports_json_mode"`
}

// Descriptor is the static description of one configured backend. It is
// built from configuration at startup. Priority and Enabled can be changed
// later through the Manager; everything else stays fixed for the life of
// the adapter.
type Descriptor struct {
	Name         string
	Type         Type
	Priority     int // lower = tried first
	Enabled      bool
	BaseURL      string
	APIKey       string
	DefaultModel string

	// Timeout bounds each individual HTTP call the adapter makes.
	Timeout time.Duration

	// MaxRetries is how many extra attempts the adapter itself makes on
	// retryable errors before giving up and letting the Manager fail over.
	MaxRetries int

	// HealthCheckInterval is the minimum time between two health probes.
	HealthCheckInterval time.Duration
}

const (
	defaultTimeout             = 60 * time.Second
	defaultHealthCheckInterval = 60 * time.Second
	defaultProbeTimeout        = 5 * time.Second
)

// withDefaults fills in zero-valued durations.
func (d Descriptor) withDefaults() Descriptor {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.HealthCheckInterval <= 0 {
		d.HealthCheckInterval = defaultHealthCheckInterval
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	return d
}

// ---------------------------------------------------------------------------
// Unified request / response types
// ---------------------------------------------------------------------------

// Request is the normalized inference request handed to an adapter. Each
// adapter translates it into its backend-specific wire format.
type Request struct {
	Query    string `json:"query"`
	Context  string `json:"context,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`

	// Model and Provider are optional per-request overrides. Provider
	// moves the named backend to the front of the try-order.
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"` // nil = adapter default

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the normalized answer produced by an adapter, or synthesized
// by the Manager when no adapter could answer.
type Response struct {
	Answer     string         `json:"answer"`
	Model      string         `json:"model_used"`
	Provider   string         `json:"provider_used"`
	Confidence *float64       `json:"confidence,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	Latency    time.Duration  `json:"-"`
	Cached     bool           `json:"cached"`
	Fallback   bool           `json:"fallback"`
	Citations  []Citation     `json:"citations,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Attempts lists every provider the Manager considered for this
	// response, in order, including skipped ones.
	Attempts []Attempt `json:"attempts,omitempty"`
}

// Citation is a raw citation as reported by a backend. Backends are free to
// add fields, so anything beyond source/relevance is kept in Extra.
type Citation struct {
	Source    string         `json:"source,omitempty"`
	Text      string         `json:"text,omitempty"`
	Relevance float64        `json:"relevance,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func float64Ptr(v float64) *float64 { return &v }

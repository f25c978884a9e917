package provider

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// MockProvider answers every query with a fixed, deterministic analysis and
// never touches the network. It is used in development, in tests, and as
// a last-resort backend in demo deployments.
type MockProvider struct {
	desc    Descriptor
	failing atomic.Bool
	calls   atomic.Int64
}

const mockModel = "mock-model-v1"

// NewMockProvider creates a MockProvider.
func NewMockProvider(desc Descriptor) *MockProvider {
	return &MockProvider{desc: desc.withDefaults()}
}

// Name returns the configured provider name.
func (m *MockProvider) Name() string { return m.desc.Name }

// SetFailing toggles simulated failure. While failing, Generate returns a
// server error and HealthCheck reports unhealthy.
func (m *MockProvider) SetFailing(fail bool) { m.failing.Store(fail) }

// Calls returns how many times Generate has been invoked.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// Generate returns the canned answer for req.Query.
func (m *MockProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, transportError(m.desc.Name, err)
	}
	if m.failing.Load() {
		return nil, &Error{Kind: KindServerError, Provider: m.desc.Name, Message: "simulated failure"}
	}

	answer := fmt.Sprintf(`**Mock Legal Analysis for:** %s

**Relevant Provisions:**
Article 21 of the Constitution guarantees the protection of life and personal liberty. According to established precedent, procedure established by law must be fair, just and reasonable.

**Summary:**
This is a mock response generated for development and testing purposes.`, req.Query)

	model := req.Model
	if model == "" {
		model = mockModel
	}

	return &Response{
		Answer:     answer,
		Model:      model,
		Provider:   m.desc.Name,
		Confidence: float64Ptr(0.95),
		TokensUsed: len(strings.Fields(answer)),
		Metadata:   map[string]any{"mock": true},
	}, nil
}

// HealthCheck reports healthy unless failure is being simulated.
func (m *MockProvider) HealthCheck(context.Context) bool { return !m.failing.Load() }

// Capabilities advertises everything so capability-gated code paths can be
// exercised against the mock.
func (m *MockProvider) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		Embeddings:       true,
		FunctionCalling:  true,
		MaxContextLength: 16384,
		Vision:           true,
		JSONMode:         true,
	}
}

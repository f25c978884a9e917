// Package pipeline runs one inference request through its stages:
// sanitization, retrieval, inference, processing and validation.
//
// Stages run strictly in order and each executed stage is recorded by name
// on the Response. Apart from rejecting an invalid query, Process never
// fails: any stage error or panic becomes a terminal fallback Response.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/howard-nolan/legalinfer/internal/provider"
)

// Stage names, as recorded in Response.Stages.
const (
	StageSanitization = "sanitization"
	StageRetrieval    = "retrieval"
	StageInference    = "inference"
	StageProcessing   = "processing"
	StageValidation   = "validation"
)

// ErrorModel is both the model and the provider of the error fallback.
const ErrorModel = "error"

const defaultSystemContext = "You are an expert AI legal assistant for Indian law."

// Format selects how much structure Process adds to the answer.
type Format string

const (
	FormatStructured Format = "structured"
	FormatSimple     Format = "simple"
	FormatDetailed   Format = "detailed"
)

// Generator produces an answer for a request. *provider.Manager satisfies
// it.
type Generator interface {
	Generate(ctx context.Context, req *provider.Request, opts ...provider.GenerateOption) *provider.Response
}

// Request is an inference request as it enters the pipeline.
type Request struct {
	Query    string `json:"query"`
	Context  string `json:"context,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`

	Model       string   `json:"model,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	SkipSanitization       bool   `json:"skip_sanitization,omitempty"`
	SkipRetrieval          bool   `json:"skip_retrieval,omitempty"`
	SkipCitationExtraction bool   `json:"skip_citation_extraction,omitempty"`
	ResponseFormat         Format `json:"response_format,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the structured result of Process.
type Response struct {
	Answer   string `json:"answer"`
	Model    string `json:"model_used"`
	Provider string `json:"provider_used"`

	ExecutiveSummary string `json:"executive_summary,omitempty"`
	Summary          string `json:"summary,omitempty"`
	DetailedAnalysis string `json:"detailed_analysis,omitempty"`

	Citations      []provider.Citation `json:"citations,omitempty"`
	LegalCitations []LegalCitation     `json:"legal_citations,omitempty"`
	Sources        []string            `json:"sources,omitempty"`

	Confidence          *float64 `json:"confidence,omitempty"`
	AssistantConfidence string   `json:"assistant_confidence,omitempty"`
	QualityScore        *float64 `json:"quality_score,omitempty"`
	TokensUsed          int      `json:"tokens_used,omitempty"`
	LatencyMS           float64  `json:"latency_ms"`

	Cached   bool `json:"cached"`
	Fallback bool `json:"fallback"`

	Stages               []string `json:"pipeline_stages"`
	SanitizationApplied  bool     `json:"sanitization_applied"`
	SanitizationWarnings []string `json:"sanitization_warnings,omitempty"`
	RetrievalUsed        bool     `json:"retrieval_used"`
	ValidationPassed     bool     `json:"validation_passed"`
	ValidationIssues     []string `json:"validation_issues,omitempty"`

	Attempts []provider.Attempt `json:"attempts,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// IsFallback reports whether the answer was synthesized rather than
// produced by the priority-first provider.
func (r *Response) IsFallback() bool { return r.Fallback }

// Pipeline is safe for concurrent use.
type Pipeline struct {
	gen       Generator
	retriever Retriever
	processor Processor
	config    atomic.Pointer[Config]
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetriever replaces the no-op retriever.
func WithRetriever(r Retriever) Option { return func(p *Pipeline) { p.retriever = r } }

// WithLogger sets the Pipeline's logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithTracer sets the tracer used for stage spans. The default comes from
// the global otel TracerProvider.
func WithTracer(t trace.Tracer) Option { return func(p *Pipeline) { p.tracer = t } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a Pipeline that infers through gen.
func New(gen Generator, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		gen:       gen,
		retriever: NoopRetriever{},
		tracer:    otel.Tracer("github.com/howard-nolan/legalinfer/internal/pipeline"),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.UpdateConfig(cfg)
	return p
}

// Config returns the current configuration.
func (p *Pipeline) Config() Config { return p.config.Load().clone() }

// UpdateConfig replaces the configuration as a whole. Requests already in
// flight finish with the configuration they started with.
func (p *Pipeline) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults().clone()
	p.config.Store(&cfg)
	p.logger.Info("pipeline config updated",
		"sanitization", cfg.EnableSanitization,
		"retrieval", cfg.EnableRetrieval,
		"citation_extraction", cfg.EnableCitationExtraction,
		"structuring", cfg.EnableResponseStructuring,
		"validation", cfg.EnableOutputValidation,
	)
}

// run is the per-request state shared by the stages.
type run struct {
	req    *Request
	cfg    Config
	start  time.Time
	stages []string
}

// Process runs req through the pipeline. The returned error is always a
// *SanitizationError; every other failure yields a fallback Response.
func (p *Pipeline) Process(ctx context.Context, req *Request) (resp *Response, err error) {
	r := &run{
		req:   req,
		cfg:   p.config.Load().ForTenant(req.TenantID),
		start: p.now(),
	}

	defer func() {
		if v := recover(); v != nil {
			p.logger.ErrorContext(ctx, "pipeline panic",
				"tenant_id", req.TenantID,
				"panic", v,
				"stages", r.stages,
			)
			resp, err = p.errorResponse(r, fmt.Errorf("panic: %v", v)), nil
		}
	}()

	resp, err = p.process(ctx, r)
	if err == nil {
		return resp, nil
	}
	var se *SanitizationError
	if errors.As(err, &se) {
		return nil, se
	}
	p.logger.ErrorContext(ctx, "pipeline error",
		"tenant_id", req.TenantID,
		"error", err,
		"stages", r.stages,
	)
	return p.errorResponse(r, err), nil
}

func (p *Pipeline) process(ctx context.Context, r *run) (*Response, error) {
	req := r.req
	resp := &Response{}

	// 1. Sanitization
	query := req.Query
	if r.cfg.EnableSanitization && !req.SkipSanitization {
		err := p.stage(ctx, r, StageSanitization, func(context.Context) error {
			s := NewSanitizer(r.cfg.MinQueryLength, r.cfg.MaxQueryLength, p.logger)
			if err := s.Validate(query); err != nil {
				return err
			}
			out := s.Sanitize(query, req.TenantID)
			query = out.Text
			resp.SanitizationApplied = true
			resp.SanitizationWarnings = out.Warnings
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// 2. Retrieval
	var retrieved string
	if r.cfg.EnableRetrieval && !req.SkipRetrieval {
		err := p.stage(ctx, r, StageRetrieval, func(ctx context.Context) error {
			var err error
			retrieved, err = p.retriever.Retrieve(ctx, query, req.TenantID)
			if err != nil {
				return fmt.Errorf("retrieval: %w", err)
			}
			resp.RetrievalUsed = retrieved != ""
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// 3. Inference
	var (
		out            *provider.Response
		inferenceStart time.Time
		inferenceTime  time.Duration
	)
	_ = p.stage(ctx, r, StageInference, func(ctx context.Context) error {
		inferenceStart = p.now()
		out = p.gen.Generate(ctx, &provider.Request{
			Query:       query,
			Context:     buildContext(req.Context, retrieved),
			TenantID:    req.TenantID,
			Model:       req.Model,
			Provider:    req.Provider,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Metadata:    req.Metadata,
		})
		inferenceTime = p.now().Sub(inferenceStart)
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("provider", out.Provider),
			attribute.Bool("fallback", out.Fallback),
		)
		return nil
	})

	resp.Answer = out.Answer
	resp.Model = out.Model
	resp.Provider = out.Provider
	resp.Confidence = out.Confidence
	resp.TokensUsed = out.TokensUsed
	resp.Fallback = out.Fallback
	resp.Attempts = out.Attempts
	resp.Citations = append(resp.Citations, out.Citations...)

	// 4. Processing
	var indicators []string
	if r.cfg.EnableResponseStructuring {
		_ = p.stage(ctx, r, StageProcessing, func(context.Context) error {
			processed := p.processor.Process(out.Answer, ProcessOptions{
				ExtractCitations: r.cfg.EnableCitationExtraction && !req.SkipCitationExtraction,
				Summarize:        req.ResponseFormat != FormatSimple,
			})
			resp.Citations = append(resp.Citations, processed.Citations...)
			resp.LegalCitations = processed.LegalCitations
			resp.Sources = processed.Sources
			resp.ExecutiveSummary = processed.ExecutiveSummary
			resp.Summary = processed.Summary
			resp.DetailedAnalysis = processed.DetailedAnalysis
			score := processed.QualityScore
			resp.QualityScore = &score
			indicators = processed.ConfidenceIndicators
			return nil
		})
	}

	// 5. Validation
	resp.ValidationPassed = true
	if r.cfg.EnableOutputValidation {
		_ = p.stage(ctx, r, StageValidation, func(context.Context) error {
			resp.ValidationIssues = p.processor.Validate(out.Answer, r.cfg.MaxResponseLength)
			resp.ValidationPassed = len(resp.ValidationIssues) == 0
			if !resp.ValidationPassed {
				p.logger.WarnContext(ctx, "response validation failed",
					"tenant_id", req.TenantID,
					"provider", out.Provider,
					"issues", resp.ValidationIssues,
				)
			}
			return nil
		})
	}

	if out.Fallback {
		resp.AssistantConfidence = "low"
	} else {
		resp.AssistantConfidence = ConfidenceLevel(indicators)
	}

	total := p.now().Sub(r.start)
	resp.LatencyMS = ms(total)
	resp.Stages = r.stages
	resp.Metadata = mergeMetadata(req.Metadata, out.Metadata, map[string]any{
		"inference_latency_ms": ms(inferenceTime),
		"pipeline_latency_ms":  ms(total - inferenceTime),
	})

	p.logger.InfoContext(ctx, "pipeline complete",
		"tenant_id", req.TenantID,
		"provider", resp.Provider,
		"fallback", resp.Fallback,
		"stages", r.stages,
		"latency_ms", resp.LatencyMS,
	)
	return resp, nil
}

// stage runs fn inside a span and records name as executed.
func (p *Pipeline) stage(ctx context.Context, r *run, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name,
		trace.WithAttributes(attribute.String("tenant_id", r.req.TenantID)))
	defer span.End()

	r.stages = append(r.stages, name)
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// errorResponse is the terminal fallback for an unexpected failure.
func (p *Pipeline) errorResponse(r *run, err error) *Response {
	zero := 0.0
	return &Response{
		Answer:              fmt.Sprintf("Pipeline processing error: %v. Please try again or contact support.", err),
		Model:               ErrorModel,
		Provider:            ErrorModel,
		Confidence:          &zero,
		AssistantConfidence: "low",
		Fallback:            true,
		ValidationPassed:    false,
		ValidationIssues:    []string{err.Error()},
		Stages:              r.stages,
		LatencyMS:           ms(p.now().Sub(r.start)),
		Metadata:            map[string]any{"error": err.Error()},
	}
}

func buildContext(userContext, retrieved string) string {
	base := userContext
	if strings.TrimSpace(base) == "" {
		base = defaultSystemContext
	}
	if retrieved == "" {
		return base
	}
	return base + "\n\nRelevant Context:\n" + retrieved
}

// mergeMetadata copies maps left to right; later keys win.
func mergeMetadata(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

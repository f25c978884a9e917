package pipeline

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FilterMarker replaces every neutralized prompt-injection match.
const FilterMarker = "[FILTERED]"

// SanitizationError means the query was rejected before any provider was
// called. It is the only error Pipeline.Process returns.
type SanitizationError struct {
	Reason string
}

func (e *SanitizationError) Error() string { return "invalid query: " + e.Reason }

// injectionPatterns are rewritten to FilterMarker.
var injectionPatterns = compileAll([]string{
	`(?i)ignore\s+(all\s+)?previous\s+instructions`,
	`(?i)disregard\s+(all\s+)?previous`,
	`(?i)forget\s+(all\s+)?previous`,
	`(?i)system\s*:\s*you\s+are`,
	`(?i)<\s*system\s*>`,
	`(?i)</\s*system\s*>`,
	`(?i)\{\{.*?\}\}`,
	`(?i)\[INST\]|\[/INST\]`,
	`(?i)<\|.*?\|>`,
	`(?i)###\s*System`,
	`(?i)###\s*Human`,
	`(?i)###\s*Assistant`,
	`(?i)BEGIN\s+SYSTEM\s+PROMPT`,
	`(?i)END\s+SYSTEM\s+PROMPT`,
})

// suspiciousPatterns only raise a warning.
var suspiciousPatterns = compileAll([]string{
	`(?i)(execute|run)\s+(command|code|script)`,
	`(?i)eval\s*\(`,
	`(?i)exec\s*\(`,
	`(?i)__import__`,
	`(?i)subprocess`,
	`(?i)os\.system`,
})

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Sanitized is the output of Sanitizer.Sanitize.
type Sanitized struct {
	Text     string
	Warnings []string
}

// Safe reports whether sanitization raised no warnings. An unsafe query is
// still processed; only its text has been rewritten.
func (s Sanitized) Safe() bool { return len(s.Warnings) == 0 }

// Sanitizer normalizes query text and neutralizes prompt injection. Lengths
// are counted in characters (runes), not bytes.
type Sanitizer struct {
	minLength int
	maxLength int
	logger    *slog.Logger
}

// NewSanitizer creates a Sanitizer with the given length bounds.
func NewSanitizer(minLength, maxLength int, logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{minLength: minLength, maxLength: maxLength, logger: logger}
}

// Validate rejects queries that are blank, too short or too long.
func (s *Sanitizer) Validate(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &SanitizationError{Reason: "query is empty"}
	}
	if utf8.RuneCountInString(trimmed) < s.minLength {
		return &SanitizationError{Reason: fmt.Sprintf("query too short (minimum %d characters)", s.minLength)}
	}
	if n := utf8.RuneCountInString(query); n > s.maxLength {
		return &SanitizationError{Reason: fmt.Sprintf("query too long (%d characters, maximum %d)", n, s.maxLength)}
	}
	return nil
}

// Sanitize rewrites query. It never rejects: call Validate first.
//
//  1. Truncate to the maximum length
//  2. Replace injection patterns with FilterMarker
//  3. Flag suspicious patterns
//  4. Collapse whitespace runs to single spaces
//  5. Drop non-printable characters
func (s *Sanitizer) Sanitize(query, tenant string) Sanitized {
	var warnings []string

	if n := utf8.RuneCountInString(query); n > s.maxLength {
		warnings = append(warnings, fmt.Sprintf("Query truncated from %d to %d chars", n, s.maxLength))
		query = string([]rune(query)[:s.maxLength])
	}

	for _, re := range injectionPatterns {
		if re.MatchString(query) {
			warnings = append(warnings, "Potential prompt injection detected: "+patternLabel(re))
			s.logger.Warn("prompt injection neutralized", "tenant_id", tenant, "pattern", patternLabel(re))
			query = re.ReplaceAllLiteralString(query, FilterMarker)
		}
	}

	for _, re := range suspiciousPatterns {
		if re.MatchString(query) {
			warnings = append(warnings, "Suspicious pattern detected: "+patternLabel(re))
			s.logger.Warn("suspicious query pattern", "tenant_id", tenant, "pattern", patternLabel(re))
		}
	}

	query = strings.Join(strings.Fields(query), " ")
	query = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			return r
		}
		return -1
	}, query)

	return Sanitized{Text: query, Warnings: warnings}
}

// patternLabel is the pattern source without the case-insensitivity flag,
// capped at 50 characters for logs and warnings.
func patternLabel(re *regexp.Regexp) string {
	p := strings.TrimPrefix(re.String(), "(?i)")
	if len(p) > 50 {
		p = p[:50]
	}
	return p
}

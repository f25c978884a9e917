package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/howard-nolan/legalinfer/internal/provider"
)

// CitationType classifies an extracted legal citation.
type CitationType string

const (
	CitationCaseLaw        CitationType = "case_law"
	CitationStatute        CitationType = "statute"
	CitationConstitutional CitationType = "constitutional"
	CitationGeneral        CitationType = "general"
)

// LegalCitation is a classified citation found in an answer.
type LegalCitation struct {
	Citation   string       `json:"citation"`
	Type       CitationType `json:"type"`
	Confidence float64      `json:"confidence"`
}

// ExtractedSource marks citations found by the processor.
const ExtractedSource = "extracted"

type citationPattern struct {
	re         *regexp.Regexp
	kind       CitationType
	confidence float64
}

var citationPatterns = []citationPattern{
	// AIR 1978 SC 597
	{regexp.MustCompile(`\bAIR\s+\d{4}\s+[A-Z]{2,5}\s+\d+`), CitationCaseLaw, 0.9},
	// Maneka Gandhi v. Union of India
	{regexp.MustCompile(`\b[A-Z][A-Za-z.]*(?:\s+[A-Z][A-Za-z.]*)*\s+vs?\.\s+[A-Z][A-Za-z.]*(?:\s+(?:of\s+)?[A-Z][A-Za-z.]*)*`), CitationCaseLaw, 0.9},
	// Section 302, Section 438 of the CrPC
	{regexp.MustCompile(`(?i)\bSection\s+\d+[A-Z]?(?:\s+of\s+(?:the\s+)?(?:IPC|CrPC|CPC|IT Act))?`), CitationStatute, 0.95},
	// Article 21 of the Constitution
	{regexp.MustCompile(`(?i)\bArticle\s+\d+[A-Z]?(?:\s+of\s+(?:the\s+)?Constitution(?:\s+of\s+India)?)?`), CitationConstitutional, 0.95},
	// Indian Penal Code, 1860
	{regexp.MustCompile(`\b(?:[A-Z][a-z]+\s+)*(?:Code|Act)(?:\s+of\s+(?:[A-Z][a-z]+\s*)+)?,?\s+\d{4}`), CitationGeneral, 0.7},
}

// sectionMarkers split an answer into sections, tried in order.
var sectionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`\n\n\*\*[A-Z]`),
	regexp.MustCompile(`\n\n#+ `),
	regexp.MustCompile(`\n\n\d+\.`),
}

var highConfidencePhrases = []string{
	"according to",
	"as per",
	"clearly stated",
	"explicitly",
	"mandated by",
	"supreme court held",
	"established precedent",
}

var lowConfidencePhrases = []string{
	"may",
	"might",
	"possibly",
	"uncertain",
	"unclear",
	"subject to interpretation",
	"depends on",
	"could be",
}

// lowConfidencePatterns match lowConfidencePhrases on word boundaries, so
// "may" does not fire on "mayor".
var lowConfidencePatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(lowConfidencePhrases))
	for i, p := range lowConfidencePhrases {
		out[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`)
	}
	return out
}()

var errorPatterns = []string{"error:", "exception:", "failed to", "unable to process"}

// Summary lengths in characters.
const (
	executiveSummaryLength = 200
	summaryLength          = 500
	minResponseLength      = 10
)

// Processed is the structured form of an answer.
type Processed struct {
	Citations            []provider.Citation
	LegalCitations       []LegalCitation
	Sources              []string
	ExecutiveSummary     string
	Summary              string
	DetailedAnalysis     string
	ConfidenceIndicators []string
	QualityScore         float64
}

// ProcessOptions selects optional processing steps.
type ProcessOptions struct {
	ExtractCitations bool
	Summarize        bool
}

// Processor extracts structure from answer text. It holds no state.
type Processor struct{}

// Process structures answer.
func (Processor) Process(answer string, opts ProcessOptions) Processed {
	var p Processed
	if opts.ExtractCitations {
		p.Citations, p.LegalCitations, p.Sources = extractCitations(answer)
	}
	if opts.Summarize {
		p.ExecutiveSummary, p.Summary, p.DetailedAnalysis = summarize(answer)
	}
	p.ConfidenceIndicators = confidenceIndicators(answer)
	p.QualityScore = qualityScore(answer, len(p.Citations), p.ConfidenceIndicators)
	return p
}

// Validate checks answer against the output rules and returns the issues
// found, if any.
func (Processor) Validate(answer string, maxLength int) []string {
	var issues []string
	n := utf8.RuneCountInString(answer)
	switch {
	case n < minResponseLength:
		issues = append(issues, "Response too short")
	case n > maxLength:
		issues = append(issues, fmt.Sprintf("Response exceeds maximum length (%d)", maxLength))
	}
	if strings.TrimSpace(answer) == "" {
		issues = append(issues, "Response is empty")
	}
	lower := strings.ToLower(answer)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p) {
			issues = append(issues, "Response contains error pattern: "+p)
		}
	}
	return issues
}

func extractCitations(answer string) ([]provider.Citation, []LegalCitation, []string) {
	var (
		raw     []provider.Citation
		legal   []LegalCitation
		sources []string
		seen    = make(map[string]bool)
	)
	for _, cp := range citationPatterns {
		for _, m := range cp.re.FindAllString(answer, -1) {
			m = strings.TrimSpace(m)
			raw = append(raw, provider.Citation{Text: m, Source: ExtractedSource})
			key := strings.ToLower(m)
			if seen[key] {
				continue
			}
			seen[key] = true
			legal = append(legal, LegalCitation{Citation: m, Type: cp.kind, Confidence: cp.confidence})
			sources = append(sources, m)
		}
	}
	return raw, legal, sources
}

// summarize returns the executive summary, summary and detailed analysis.
// The detailed analysis is only set for multi-section answers.
func summarize(answer string) (executive, summary, detailed string) {
	sections := splitSections(answer)
	if len(sections) > 0 {
		executive = truncateSmart(sections[0], executiveSummaryLength)
	}
	summary = truncateSmart(answer, summaryLength)
	if len(sections) > 1 {
		detailed = answer
	}
	return executive, summary, detailed
}

// splitSections splits at the first marker kind present. Each section after
// the first keeps its marker.
func splitSections(text string) []string {
	var bounds [][]int
	for _, re := range sectionMarkers {
		if bounds = re.FindAllStringIndex(text, -1); len(bounds) > 0 {
			break
		}
	}
	var sections []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			sections = append(sections, s)
		}
	}
	start := 0
	for _, b := range bounds {
		add(text[start:b[0]])
		start = b[0]
	}
	add(text[start:])
	return sections
}

// truncateSmart cuts text to max characters, preferring the last sentence
// or line break past 70% of the limit.
func truncateSmart(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	boundary := -1
	for i := len(cut) - 1; i >= 0; i-- {
		if cut[i] == '.' || cut[i] == '\n' {
			boundary = i
			break
		}
	}
	if float64(boundary) > float64(max)*0.7 {
		return strings.TrimSpace(string(cut[:boundary+1]))
	}
	return strings.TrimSpace(string(cut)) + "..."
}

func confidenceIndicators(answer string) []string {
	lower := strings.ToLower(answer)
	var out []string
	for _, p := range highConfidencePhrases {
		if strings.Contains(lower, p) {
			out = append(out, "high:"+p)
		}
	}
	for i, re := range lowConfidencePatterns {
		if re.MatchString(lower) {
			out = append(out, "low:"+lowConfidencePhrases[i])
		}
	}
	return out
}

// ConfidenceLevel maps indicators to high, medium or low. One side has to
// outnumber the other more than twice over to move off medium.
func ConfidenceLevel(indicators []string) string {
	high, low := countIndicators(indicators)
	switch {
	case high > 2*low:
		return "high"
	case low > 2*high:
		return "low"
	default:
		return "medium"
	}
}

func countIndicators(indicators []string) (high, low int) {
	for _, ind := range indicators {
		switch {
		case strings.HasPrefix(ind, "high:"):
			high++
		case strings.HasPrefix(ind, "low:"):
			low++
		}
	}
	return high, low
}

// qualityScore starts at 0.5 and is clamped to [0, 1], rounded to two
// decimals.
func qualityScore(answer string, citations int, indicators []string) float64 {
	score := 0.5
	if n := utf8.RuneCountInString(answer); n >= 200 && n <= 5000 {
		score += 0.1
	}
	score += math.Min(0.2, float64(citations)*0.05)
	if strings.Contains(answer, "**") || strings.Contains(answer, "##") {
		score += 0.1
	}

	high, low := countIndicators(indicators)
	switch {
	case high > low:
		score += 0.1
	case low > high:
		score -= 0.1
	}
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*100) / 100
}

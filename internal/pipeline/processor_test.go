package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legalByText(cs []LegalCitation) map[string]LegalCitation {
	out := make(map[string]LegalCitation, len(cs))
	for _, c := range cs {
		out[c.Citation] = c
	}
	return out
}

func TestExtractCitations_Classes(t *testing.T) {
	answer := "The court in Maneka Gandhi v. Union of India, AIR 1978 SC 597, read Article 21 broadly. " +
		"Murder is defined under the Indian Penal Code, 1860 and punished by Section 302 of the IPC. " +
		"Bail follows the Code of Criminal Procedure, 1973."

	_, legal, _ := extractCitations(answer)
	got := legalByText(legal)

	cases := map[string]CitationType{
		"Maneka Gandhi v. Union of India":  CitationCaseLaw,
		"AIR 1978 SC 597":                  CitationCaseLaw,
		"Article 21":                       CitationConstitutional,
		"Section 302 of the IPC":           CitationStatute,
		"Indian Penal Code, 1860":          CitationGeneral,
		"Code of Criminal Procedure, 1973": CitationGeneral,
	}
	for text, want := range cases {
		require.Contains(t, got, text)
		assert.Equal(t, want, got[text].Type, text)
	}
	assert.Equal(t, 0.9, got["AIR 1978 SC 597"].Confidence)
	assert.Equal(t, 0.7, got["Indian Penal Code, 1860"].Confidence)
}

func TestExtractCitations_DedupesCaseInsensitively(t *testing.T) {
	raw, legal, sources := extractCitations("Section 302 applies, and section 302 is strict. See Article 21.")

	assert.Len(t, raw, 3)
	require.Len(t, legal, 2)
	assert.Equal(t, "Section 302", legal[0].Citation)
	assert.Equal(t, []string{"Section 302", "Article 21"}, sources)
}

func TestSplitSections(t *testing.T) {
	bold := splitSections("Intro text\n\n**Facts** detail\n\n**Law** more")
	assert.Equal(t, []string{"Intro text", "**Facts** detail", "**Law** more"}, bold)

	numbered := splitSections("Intro\n\n1. first\n\n2. second")
	assert.Equal(t, []string{"Intro", "1. first", "2. second"}, numbered)

	assert.Equal(t, []string{"one block"}, splitSections("  one block  "))
	assert.Empty(t, splitSections(""))
}

func TestSummarize(t *testing.T) {
	answer := "Short intro.\n\n## Analysis\nLonger discussion."
	exec, summary, detailed := summarize(answer)
	assert.Equal(t, "Short intro.", exec)
	assert.Equal(t, answer, summary)
	assert.Equal(t, answer, detailed)
}

func TestTruncateSmart(t *testing.T) {
	assert.Equal(t, "short", truncateSmart("short", 10))

	atSentence := strings.Repeat("a", 150) + "." + strings.Repeat("b", 100)
	assert.Equal(t, strings.Repeat("a", 150)+".", truncateSmart(atSentence, 200))

	// Boundary too early: hard cut with an ellipsis.
	early := strings.Repeat("a", 50) + "." + strings.Repeat("b", 200)
	got := truncateSmart(early, 200)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, 203, len(got))

	// Counted in characters, not bytes.
	multi := strings.Repeat("é", 300)
	assert.Equal(t, strings.Repeat("é", 200)+"...", truncateSmart(multi, 200))
}

func TestConfidenceIndicators(t *testing.T) {
	assert.Empty(t, confidenceIndicators("The mayor said nothing."))
	assert.Equal(t, []string{"low:may"}, confidenceIndicators("This may apply."))
	assert.Equal(t, []string{"high:supreme court held"}, confidenceIndicators("The Supreme Court held otherwise."))
}

func TestConfidenceIndicators_EachCue(t *testing.T) {
	high := []string{
		"according to", "as per", "clearly stated", "explicitly",
		"mandated by", "supreme court held", "established precedent",
	}
	low := []string{
		"may", "might", "possibly", "uncertain", "unclear",
		"subject to interpretation", "depends on", "could be",
	}
	for _, cue := range high {
		t.Run(cue, func(t *testing.T) {
			assert.Equal(t, []string{"high:" + cue}, confidenceIndicators("The rule, "+strings.ToUpper(cue)+" the text, applies."))
		})
	}
	for _, cue := range low {
		t.Run(cue, func(t *testing.T) {
			assert.Equal(t, []string{"low:" + cue}, confidenceIndicators("The rule, "+strings.ToUpper(cue)+" the text, applies."))
		})
	}

	assert.Equal(t, []string{"high:established precedent"},
		confidenceIndicators("Per established precedent, procedure must be fair and reasonable."))
	assert.Empty(t, confidenceIndicators("It generally seems to apply, typically and usually."))
}

func TestConfidenceLevel(t *testing.T) {
	tests := []struct {
		name       string
		indicators []string
		want       string
	}{
		{"none", nil, "medium"},
		{"only high", []string{"high:a"}, "high"},
		{"only low", []string{"low:a"}, "low"},
		{"one each", []string{"high:a", "low:b"}, "medium"},
		{"two high one low", []string{"high:a", "high:b", "low:c"}, "medium"},
		{"one high two low", []string{"high:a", "low:b", "low:c"}, "medium"},
		{"three high one low", []string{"high:a", "high:b", "high:c", "low:d"}, "high"},
		{"one high three low", []string{"high:a", "low:b", "low:c", "low:d"}, "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConfidenceLevel(tt.indicators))
		})
	}
}

func TestQualityScore(t *testing.T) {
	assert.Equal(t, 0.5, qualityScore("ok", 0, nil))
	assert.Equal(t, 0.4, qualityScore("It may be unclear.", 0, []string{"low:may", "low:unclear"}))

	long := "**Holding**\n\n" + strings.Repeat("word ", 60)
	assert.Equal(t, 1.0, qualityScore(long, 5, []string{"high:according to"}))
	assert.Equal(t, 0.75, qualityScore(long, 1, nil))
}

func TestValidate(t *testing.T) {
	var p Processor

	assert.Empty(t, p.Validate("A perfectly reasonable answer.", 1000))
	assert.Equal(t, []string{"Response too short", "Response is empty"}, p.Validate("", 1000))
	assert.Equal(t, []string{"Response exceeds maximum length (20)"}, p.Validate(strings.Repeat("x", 21), 20))

	issues := p.Validate("We were unable to process the request.", 1000)
	assert.Equal(t, []string{"Response contains error pattern: unable to process"}, issues)
}

func TestProcess_QualityAndIndicators(t *testing.T) {
	var p Processor
	out := p.Process("According to Section 302 the offence is murder.", ProcessOptions{ExtractCitations: true, Summarize: true})

	assert.Equal(t, []string{"high:according to"}, out.ConfidenceIndicators)
	assert.Len(t, out.LegalCitations, 1)
	assert.Equal(t, 0.65, out.QualityScore)
	assert.NotEmpty(t, out.Summary)

	bare := p.Process("According to Section 302 the offence is murder.", ProcessOptions{})
	assert.Empty(t, bare.LegalCitations)
	assert.Empty(t, bare.Summary)
	assert.Equal(t, 0.6, bare.QualityScore)
}

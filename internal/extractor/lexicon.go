package extractor

import (
	"context"
	"regexp"
	"strings"

	"civic-reports-go/internal/classifier"
	"civic-reports-go/internal/lexicon"
	"civic-reports-go/internal/types"
	"civic-reports-go/internal/urgency"
)

var (
	locationPattern = regexp.MustCompile(`(?i)\b(?:near|outside|opposite|behind|beside|next to|in front of|on|at|along|in)\s+(?:the\s+)?(?:[\p{L}\d]+\s+){0,3}?(?:street|st|road|rd|avenue|lane|school|college|hospital|clinic|market|park|bridge|junction|station|bus stop|temple|church|mosque|colony|sector|block|highway|square|circle|corner)\b`)

	temporalPattern = regexp.MustCompile(`(?i)\b(?:yesterday|today|tonight|this (?:morning|evening|week)|last (?:night|week|month)|since (?:monday|tuesday|wednesday|thursday|friday|saturday|sunday|yesterday|last week|last month|\d+ days)|for (?:a|one|two|three|four|five|several|many|\d+) (?:hours?|days?|weeks?|months?)|every (?:day|night|morning|evening))\b`)

	// Everything the urgency assessor treats as safety-critical, plus
	// descriptive words it only reports.
	severityTerms = lexicon.New(append(urgency.SafetyCriticalTerms(),
		"urgent", "accident", "huge", "deep", "severe",
	)...)

	infrastructureTerms = lexicon.New(
		"pothole", "potholes", "road", "streetlight", "street light", "lamp post",
		"light pole", "traffic light", "traffic signal", "signal", "pipe",
		"water main", "drain", "sewer", "manhole", "bridge", "footpath",
		"sidewalk", "crosswalk", "bin", "dumpster", "tap", "bench", "toilet",
	)
)

// LexiconExtractor is deterministic: it tags known phrases and never calls
// out. Keywords are the classifier's vocabulary terms found in the text.
type LexiconExtractor struct {
	keywords *lexicon.Lexicon
}

func NewLexiconExtractor() *LexiconExtractor {
	return &LexiconExtractor{keywords: lexicon.New(classifier.Vocabulary()...)}
}

func (x *LexiconExtractor) Extract(_ context.Context, text string) (Extraction, error) {
	var raw Extraction
	for _, m := range locationPattern.FindAllString(text, -1) {
		raw.Entities = append(raw.Entities, types.Entity{Tag: types.EntityLocation, Value: strings.TrimSpace(m)})
	}
	for _, m := range temporalPattern.FindAllString(text, -1) {
		raw.Entities = append(raw.Entities, types.Entity{Tag: types.EntityTemporal, Value: m})
	}
	for _, t := range infrastructureTerms.Find(text) {
		raw.Entities = append(raw.Entities, types.Entity{Tag: types.EntityInfrastructure, Value: t})
	}
	for _, t := range severityTerms.Find(text) {
		raw.Entities = append(raw.Entities, types.Entity{Tag: types.EntitySeverity, Value: t})
	}
	raw.Keywords = x.keywords.Find(text)
	return grounded(text, raw), nil
}

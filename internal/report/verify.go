package report

import (
	"strings"

	"civic-reports-go/internal/lexicon"
	"civic-reports-go/internal/routing"
	"civic-reports-go/internal/types"
)

// templateWords is the fixed vocabulary the summary templates add.
var templateWords = []string{
	"issue", "type", "also", "urgency", "citizen", "report", "location",
	"timeline", "details", "basis", "standard", "priority", "routed", "to",
	"low", "medium", "high",
}

// Sources is the set of words a summary may contain: the complaint's own
// text, entities and keywords, the assessor's reasoning, the routing result,
// category labels and template words. Anything else is an introduced fact.
type Sources struct {
	words map[string]bool
}

func NewSources(comp *types.Complaint, dept routing.Department) *Sources {
	s := &Sources{words: map[string]bool{}}
	s.add(comp.ProcessedText)
	for _, e := range comp.Entities {
		s.add(e.Value)
	}
	for _, k := range comp.Keywords {
		s.add(k)
	}
	for _, r := range comp.UrgencyReasoning {
		s.add(r)
	}
	s.add(dept.Name)
	for _, p := range types.ProblemTypes {
		s.add(p.Label())
	}
	for _, w := range templateWords {
		s.words[w] = true
	}
	return s
}

func (s *Sources) add(text string) {
	for _, w := range lexicon.Tokens(text) {
		s.words[w] = true
	}
}

// Untraceable returns the words of lines that no source accounts for.
func (s *Sources) Untraceable(lines ...string) []string {
	var out []string
	for _, w := range lexicon.Tokens(strings.Join(lines, " ")) {
		if !s.words[w] {
			out = append(out, w)
		}
	}
	return out
}

func (s *Sources) Traceable(lines []string) bool {
	return len(s.Untraceable(lines...)) == 0
}

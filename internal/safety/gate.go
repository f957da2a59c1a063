// Package safety scores normalized complaint text for content safety and
// civic relevance. Each check is independent; the gate sums their deductions
// from a baseline of 100 and clamps at 0.
package safety

import (
	"civic-reports-go/internal/lexicon"
)

const (
	Baseline = 100

	// RejectBelow: scores under this are filtered.
	RejectBelow = 70
	// FlagUpTo: scores in [RejectBelow, FlagUpTo] proceed marked for review.
	FlagUpTo = 85
)

type Decision string

const (
	Pass   Decision = "PASS"
	Flag   Decision = "FLAG"
	Reject Decision = "REJECT"
)

// Check is one independent scoring function.
type Check struct {
	Name      string
	Deduction int
	// Detect reports whether the check fires and the reason to record.
	Detect func(text string) (bool, string)
}

// Verdict is the outcome of Evaluate. Reasons lists every triggered check,
// whatever the decision.
type Verdict struct {
	Score    int      `json:"score"`
	Reasons  []string `json:"reasons"`
	Decision Decision `json:"decision"`
}

type Gate struct {
	checks []Check
}

// NewGate builds a gate from checks, evaluated in order. With no checks the
// default set is used.
func NewGate(checks ...Check) *Gate {
	if len(checks) == 0 {
		checks = DefaultChecks()
	}
	return &Gate{checks: checks}
}

// Evaluate scores text. It has no side effects.
func (g *Gate) Evaluate(text string) Verdict {
	score := Baseline
	reasons := []string{}
	for _, c := range g.checks {
		if c.Detect == nil {
			continue
		}
		if fired, reason := c.Detect(text); fired {
			score -= c.Deduction
			if reason == "" {
				reason = c.Name
			}
			reasons = append(reasons, reason)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > Baseline {
		score = Baseline
	}
	return Verdict{Score: score, Reasons: reasons, Decision: Decide(score)}
}

// Decide maps a score to the gating policy.
func Decide(score int) Decision {
	switch {
	case score < RejectBelow:
		return Reject
	case score <= FlagUpTo:
		return Flag
	default:
		return Pass
	}
}

// LexiconCheck fires when any term of lex appears in the text.
func LexiconCheck(name string, deduction int, reason string, lex *lexicon.Lexicon) Check {
	return Check{
		Name:      name,
		Deduction: deduction,
		Detect: func(text string) (bool, string) {
			return lex.Contains(text), reason
		},
	}
}

// AbsenceCheck fires when no term of lex appears in the text.
func AbsenceCheck(name string, deduction int, reason string, lex *lexicon.Lexicon) Check {
	return Check{
		Name:      name,
		Deduction: deduction,
		Detect: func(text string) (bool, string) {
			return !lex.Contains(text), reason
		},
	}
}

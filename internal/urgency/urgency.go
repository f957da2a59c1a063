// Package urgency scores how quickly a complaint needs attention and explains
// the score.
package urgency

import (
	"fmt"

	"civic-reports-go/internal/lexicon"
	"civic-reports-go/internal/types"
)

const (
	SafetyCriticalPoints = 3
	HighImpactPoints     = 1

	HighThreshold   = 4
	MediumThreshold = 2

	ReasonSafetyCritical = "Safety-critical language detected"
	ReasonHighImpact     = "High-impact location identified"
	ReasonOverride       = "Safety-critical issue of this type is always HIGH"
)

// basePoints is the per-type contribution. Unknown types take the default
// branch in BasePoints.
var basePoints = map[types.ProblemType]int{
	types.TrafficSafety:     2,
	types.WaterSupply:       2,
	types.StreetLights:      1,
	types.RoadDamage:        1,
	types.GarbageSanitation: 1,
	types.GeneralCivic:      0,
}

// BasePoints returns the score contribution of a problem type.
func BasePoints(p types.ProblemType) int {
	if pts, ok := basePoints[p]; ok {
		return pts
	}
	return 0
}

var safetyCriticalTerms = []string{
	"dangerous", "danger", "hazard", "hazardous", "emergency", "broken",
	"flooding", "flooded", "injury", "injured", "collapse", "collapsed",
	"exposed wire", "live wire", "gas leak", "fire", "unsafe", "sparking",
}

// SafetyCriticalTerms returns the language that earns SafetyCriticalPoints.
// Extractors tag these as severity entities.
func SafetyCriticalTerms() []string {
	return append([]string(nil), safetyCriticalTerms...)
}

var (
	safetyCritical = lexicon.New(safetyCriticalTerms...)

	highImpactLocations = lexicon.New(
		"main street", "main road", "highway", "freeway", "expressway",
		"avenue", "boulevard", "arterial", "ring road", "school", "college",
		"kindergarten", "hospital", "clinic", "emergency room",
	)

	// overrideTypes always land at HIGH when safety-critical language is present.
	overrideTypes = map[types.ProblemType]bool{
		types.TrafficSafety: true,
		types.WaterSupply:   true,
	}
)

// Input is everything the assessor reads. It is never modified.
type Input struct {
	Entities    []types.Entity
	ProblemType types.ProblemType
	Keywords    []string
}

// Assessment is the level with the trail that produced it.
type Assessment struct {
	Level     types.UrgencyLevel `json:"level"`
	Score     int                `json:"score"`
	Reasoning []string           `json:"reasoning"`
}

// Assess is a pure function of its input.
func Assess(in Input) Assessment {
	score := 0
	reasoning := []string{}

	severity := make([]string, 0, len(in.Keywords))
	severity = append(severity, in.Keywords...)
	for _, e := range in.Entities {
		if e.Tag == types.EntitySeverity {
			severity = append(severity, e.Value)
		}
	}
	critical := safetyCritical.Contains(severity...)
	if critical {
		score += SafetyCriticalPoints
		reasoning = append(reasoning, ReasonSafetyCritical)
	}

	if base := BasePoints(in.ProblemType); base > 0 {
		score += base
		reasoning = append(reasoning, fmt.Sprintf("%s issues carry a base priority of %d", in.ProblemType.Label(), base))
	}

	if highImpact(in.Entities) {
		score += HighImpactPoints
		reasoning = append(reasoning, ReasonHighImpact)
	}

	level := levelFor(score)
	if critical && overrideTypes[in.ProblemType] && level != types.UrgencyHigh {
		level = types.UrgencyHigh
		reasoning = append(reasoning, ReasonOverride)
	}

	return Assessment{Level: level, Score: score, Reasoning: reasoning}
}

func levelFor(score int) types.UrgencyLevel {
	switch {
	case score >= HighThreshold:
		return types.UrgencyHigh
	case score >= MediumThreshold:
		return types.UrgencyMedium
	default:
		return types.UrgencyLow
	}
}

func highImpact(entities []types.Entity) bool {
	for _, e := range entities {
		if e.Tag == types.EntityLocation && highImpactLocations.Contains(e.Value) {
			return true
		}
	}
	return false
}

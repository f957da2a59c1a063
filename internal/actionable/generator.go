// Package actionable turns complaint statistics into action cards for
// municipal operators.
package actionable

import (
	"fmt"
	"sort"

	"civic-reports-go/internal/aggregator"
	"civic-reports-go/internal/types"
)

const (
	minSample          = 5
	hotspotShare       = 0.35
	highUrgencyShare   = 0.30
	filteredRateAlert  = 0.35
	reviewRateAlert    = 0.20
	deliveredRateFloor = 0.80
)

type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// Generate returns the cards whose rule fires, most specific first. Below
// minSample complaints only the monitoring card is returned.
func Generate(s aggregator.Stats) []ActionCard {
	if s.Total < minSample {
		return []ActionCard{monitor()}
	}

	var cards []ActionCard
	if p, share := top(s.ByProblemType, s.Total); share >= hotspotShare {
		cards = append(cards, ActionCard{
			Insight: fmt.Sprintf("%s accounts for %.0f%% of complaints", types.ProblemType(p).Label(), share*100),
			Action:  "Schedule a targeted inspection round for this category",
			Impact:  "Fewer repeat complaints on the dominant issue",
		})
	}
	if share := frac(s.ByUrgency[string(types.UrgencyHigh)], s.Total); share >= highUrgencyShare {
		cards = append(cards, ActionCard{
			Insight: fmt.Sprintf("High urgency in %.0f%% of complaints", share*100),
			Action:  "Add emergency crew capacity and review escalation contacts",
			Impact:  "Shorter response time on safety-critical issues",
		})
	}
	if r := s.Rates["filtered"]; r >= filteredRateAlert {
		cards = append(cards, ActionCard{
			Insight: fmt.Sprintf("%.0f%% of submissions were filtered", r*100),
			Action:  "Improve intake guidance so citizens describe the problem and location",
			Impact:  "More complaints reach the right department",
		})
	}
	if r := s.Rates["review"]; r >= reviewRateAlert {
		cards = append(cards, ActionCard{
			Insight: fmt.Sprintf("%.0f%% of analyzed complaints need manual review", r*100),
			Action:  "Assign a moderator to the review queue",
			Impact:  "Flagged complaints are not left waiting",
		})
	}
	if delivering(s) > 0 && s.Rates["delivered"] < deliveredRateFloor {
		cards = append(cards, ActionCard{
			Insight: fmt.Sprintf("Only %.0f%% of reports were accepted by the municipal system", s.Rates["delivered"]*100),
			Action:  "Check the municipal integration and the retry queue",
			Impact:  "Reports stop piling up undelivered",
		})
	}
	if len(cards) == 0 {
		return []ActionCard{monitor()}
	}
	return cards
}

func monitor() ActionCard {
	return ActionCard{
		Insight: "No strong pattern detected",
		Action:  "Monitor and collect more data",
		Impact:  "Low immediate intervention",
	}
}

// top returns the key with the highest count, ties broken by name.
func top(counts map[string]int, total int) (string, float64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, n := "", 0
	for _, k := range keys {
		if counts[k] > n {
			best, n = k, counts[k]
		}
	}
	return best, frac(n, total)
}

func delivering(s aggregator.Stats) int {
	return s.ByStatus[string(types.StatusSubmitted)] +
		s.ByStatus[string(types.StatusQueued)] +
		s.ByStatus[string(types.StatusFailed)]
}

func frac(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of)
}

// Package aggregator summarizes stored complaints for the statistics endpoint.
package aggregator

import "civic-reports-go/internal/types"

type Stats struct {
	Total         int                `json:"total"`
	ByStatus      map[string]int     `json:"by_status"`
	ByProblemType map[string]int     `json:"by_problem_type"`
	ByUrgency     map[string]int     `json:"by_urgency"`
	ByDepartment  map[string]int     `json:"by_department"`
	Rates         map[string]float64 `json:"rates"`
}

// Aggregate counts complaints per status, category, urgency and department.
// Rates are fractions of Total: filtered, review (of analyzed complaints) and
// delivered (of complaints that reached the delivery stage).
func Aggregate(complaints []types.Complaint) Stats {
	s := Stats{
		Total:         len(complaints),
		ByStatus:      map[string]int{},
		ByProblemType: map[string]int{},
		ByUrgency:     map[string]int{},
		ByDepartment:  map[string]int{},
		Rates:         map[string]float64{},
	}
	analyzed, review, delivery, submitted := 0, 0, 0, 0
	for _, c := range complaints {
		s.ByStatus[string(c.Status)]++
		if c.ProblemType != "" {
			s.ByProblemType[string(c.ProblemType)]++
		}
		if c.UrgencyLevel != "" {
			s.ByUrgency[string(c.UrgencyLevel)]++
		}
		if c.Department != "" {
			s.ByDepartment[c.Department]++
		}
		if c.Status.AtLeast(types.StatusAnalyzed) {
			analyzed++
			if c.NeedsReview {
				review++
			}
		}
		switch c.Status {
		case types.StatusSubmitted:
			submitted++
			delivery++
		case types.StatusQueued, types.StatusFailed:
			delivery++
		}
	}
	s.Rates["filtered"] = rate(s.ByStatus[string(types.StatusFiltered)], s.Total)
	s.Rates["review"] = rate(review, analyzed)
	s.Rates["delivered"] = rate(submitted, delivery)
	return s
}

func rate(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of)
}

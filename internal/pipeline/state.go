package pipeline

import (
	"errors"
	"fmt"

	"civic-reports-go/internal/types"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the allowed moves. Everything is forward-only except the
// retry driver's QUEUED -> SUBMITTED/FAILED.
var transitions = map[types.Status][]types.Status{
	types.StatusReceived:        {types.StatusProcessing, types.StatusError},
	types.StatusProcessing:      {types.StatusAnalyzed, types.StatusFiltered, types.StatusError},
	types.StatusAnalyzed:        {types.StatusReportGenerated, types.StatusError},
	types.StatusReportGenerated: {types.StatusSubmitted, types.StatusQueued, types.StatusFailed, types.StatusError},
	types.StatusQueued:          {types.StatusSubmitted, types.StatusFailed, types.StatusError},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to types.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(c *types.Complaint, to types.Status) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	return nil
}

package types

import (
	"errors"
	"fmt"
)

// Error taxonomy for the complaint pipeline.
var (
	// ErrInputRejected is returned when the safety or dedup gate filters a complaint
	ErrInputRejected = errors.New("input rejected")

	// ErrClassificationLowConfidence marks a GENERAL_CIVIC fallback; never fatal
	ErrClassificationLowConfidence = errors.New("classification confidence below threshold")

	// ErrIntegrationTransient is a retryable municipal delivery failure
	ErrIntegrationTransient = errors.New("municipal integration transient failure")

	// ErrIntegrationPermanent is a non-retryable municipal delivery failure
	ErrIntegrationPermanent = errors.New("municipal integration permanent failure")

	// ErrInternalPipeline is an unexpected failure inside a stage
	ErrInternalPipeline = errors.New("internal pipeline error")

	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("not found")
)

// StageError attaches the failing stage and complaint to an error.
type StageError struct {
	Stage       string
	ComplaintID string
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (complaint %s): %v", e.Stage, e.ComplaintID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// internal/types/models.go
package types

import "time"

// --------------------------------------------
// Enumerations
// --------------------------------------------

type ProblemType string

const (
	GarbageSanitation ProblemType = "GARBAGE_SANITATION"
	RoadDamage        ProblemType = "ROAD_DAMAGE"
	StreetLights      ProblemType = "STREET_LIGHTS"
	WaterSupply       ProblemType = "WATER_SUPPLY"
	TrafficSafety     ProblemType = "TRAFFIC_SAFETY"
	GeneralCivic      ProblemType = "GENERAL_CIVIC"
)

// ProblemTypes lists every category in a fixed order. The order is used to
// break scoring ties, so it must not depend on map iteration.
var ProblemTypes = []ProblemType{
	GarbageSanitation,
	RoadDamage,
	StreetLights,
	WaterSupply,
	TrafficSafety,
	GeneralCivic,
}

// Valid reports whether p is one of the known categories.
func (p ProblemType) Valid() bool {
	for _, known := range ProblemTypes {
		if p == known {
			return true
		}
	}
	return false
}

// Label is the human readable form used in reports and confirmations.
func (p ProblemType) Label() string {
	switch p {
	case GarbageSanitation:
		return "Garbage and Sanitation"
	case RoadDamage:
		return "Road Damage"
	case StreetLights:
		return "Street Lights"
	case WaterSupply:
		return "Water Supply"
	case TrafficSafety:
		return "Traffic Safety"
	case GeneralCivic:
		return "General Civic Issue"
	default:
		return "Unclassified Issue"
	}
}

type UrgencyLevel string

const (
	UrgencyLow    UrgencyLevel = "LOW"
	UrgencyMedium UrgencyLevel = "MEDIUM"
	UrgencyHigh   UrgencyLevel = "HIGH"
)

func (u UrgencyLevel) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

type Status string

const (
	StatusReceived        Status = "RECEIVED"
	StatusProcessing      Status = "PROCESSING"
	StatusAnalyzed        Status = "ANALYZED"
	StatusReportGenerated Status = "REPORT_GENERATED"
	StatusSubmitted       Status = "SUBMITTED"
	StatusQueued          Status = "QUEUED"
	StatusFailed          Status = "FAILED"
	StatusFiltered        Status = "FILTERED"
	StatusError           Status = "ERROR"
)

// Rank orders the lifecycle so callers can ask "status >= ANALYZED".
// Rejected and errored complaints never reached analysis and rank below it.
func (s Status) Rank() int {
	switch s {
	case StatusReceived:
		return 0
	case StatusProcessing:
		return 1
	case StatusAnalyzed:
		return 2
	case StatusReportGenerated:
		return 3
	case StatusQueued, StatusSubmitted, StatusFailed:
		return 4
	default:
		return -1
	}
}

// AtLeast reports whether s has progressed to other or beyond.
func (s Status) AtLeast(other Status) bool {
	return s.Rank() >= 0 && s.Rank() >= other.Rank()
}

// Terminal reports whether orchestration is finished with the complaint.
// QUEUED is not terminal: the retry driver re-enters it.
func (s Status) Terminal() bool {
	switch s {
	case StatusSubmitted, StatusFailed, StatusFiltered, StatusError:
		return true
	}
	return false
}

type InputType string

const (
	InputText  InputType = "text"
	InputVoice InputType = "voice"
	InputImage InputType = "image"
)

type SubmissionOutcome string

const (
	OutcomeSuccess SubmissionOutcome = "SUCCESS"
	OutcomeQueued  SubmissionOutcome = "QUEUED"
	OutcomeFailed  SubmissionOutcome = "FAILED"
)

// --------------------------------------------
// Upstream input
// --------------------------------------------

type EntityTag string

const (
	EntityLocation       EntityTag = "location"
	EntityInfrastructure EntityTag = "infrastructure"
	EntityTemporal       EntityTag = "temporal"
	EntitySeverity       EntityTag = "severity"
)

// Entity is one tagged fact produced by the upstream extractor.
type Entity struct {
	Tag   EntityTag `json:"tag"`
	Value string    `json:"value"`
}

type Location struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label,omitempty"`
}

type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Location  *Location `json:"location,omitempty"`
	CitizenID string    `json:"citizen_id,omitempty"`
}

// ProcessedInput is what the input-handling layer hands to the pipeline.
type ProcessedInput struct {
	ID          string    `json:"id"`
	TextContent string    `json:"text_content"`
	InputType   InputType `json:"input_type"`
	Metadata    Metadata  `json:"metadata"`
	Entities    []Entity  `json:"entities,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
}

// --------------------------------------------
// Complaint record
// --------------------------------------------

type Complaint struct {
	ID               string            `json:"id"`
	CitizenID        string            `json:"citizen_id,omitempty"`
	InputType        InputType         `json:"input_type"`
	OriginalText     string            `json:"original_text"`
	ProcessedText    string            `json:"processed_text"`
	Entities         []Entity          `json:"entities,omitempty"`
	Keywords         []string          `json:"keywords,omitempty"`
	ProblemType      ProblemType       `json:"problem_type,omitempty"`
	SecondaryTypes   []ProblemType     `json:"secondary_types,omitempty"`
	Confidence       float64           `json:"confidence"`
	UrgencyLevel     UrgencyLevel      `json:"urgency_level,omitempty"`
	UrgencyReasoning []string          `json:"urgency_reasoning,omitempty"`
	SafetyScore      *int              `json:"safety_score,omitempty"`
	SafetyReasons    []string          `json:"safety_reasons,omitempty"`
	NeedsReview      bool              `json:"needs_review"`
	OfficialSummary  string            `json:"official_summary,omitempty"`
	Department       string            `json:"suggested_department,omitempty"`
	Report           *StructuredReport `json:"report,omitempty"`
	Status           Status            `json:"status"`
	DuplicateOf      string            `json:"duplicate_of,omitempty"`
	FilterReason     string            `json:"filter_reason,omitempty"`
	ErrorDetail      string            `json:"error_detail,omitempty"`
	Location         *Location         `json:"location,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	AnalyzedAt       *time.Time        `json:"analyzed_at,omitempty"`
	SubmittedAt      *time.Time        `json:"submitted_at,omitempty"`
	TrackingID       string            `json:"tracking_id,omitempty"`
}

// --------------------------------------------
// Downstream outputs
// --------------------------------------------

type ContactInfo struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Empty reports whether no contact channel is configured.
func (c ContactInfo) Empty() bool {
	return c.Email == "" && c.Phone == ""
}

type StructuredReport struct {
	ComplaintID         string        `json:"complaint_id"`
	TrackingID          string        `json:"tracking_id"`
	ProblemType         ProblemType   `json:"problem_type"`
	SecondaryTypes      []ProblemType `json:"secondary_types,omitempty"`
	UrgencyLevel        UrgencyLevel  `json:"urgency_level"`
	UrgencyReasoning    []string      `json:"urgency_reasoning"`
	OfficialSummary     string        `json:"official_summary"`
	SuggestedDepartment string        `json:"suggested_department"`
	DepartmentContact   ContactInfo   `json:"department_contact"`
	Escalation          []string      `json:"escalation,omitempty"`
	CitizenConfirmation string        `json:"citizen_confirmation"`
	NeedsReview         bool          `json:"needs_review"`
	Simplified          bool          `json:"simplified"`
	Timestamp           time.Time     `json:"timestamp"`
}

// AuditRecord is appended once per municipal submission attempt and never mutated.
type AuditRecord struct {
	ComplaintID string            `json:"complaint_id" db:"complaint_id"`
	Attempt     int               `json:"attempt" db:"attempt"`
	Outcome     SubmissionOutcome `json:"outcome" db:"outcome"`
	Timestamp   time.Time         `json:"timestamp" db:"timestamp"`
	Error       string            `json:"error,omitempty" db:"error"`
}

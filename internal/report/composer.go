// Package report turns an analyzed complaint into the structured report sent
// to the municipality and the confirmation shown to the citizen.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"civic-reports-go/internal/routing"
	"civic-reports-go/internal/types"
)

const (
	MinSummaryLines = 5
	MaxSummaryLines = 8

	// lineWidth is where the citizen text wraps in the full summary.
	lineWidth = 96
	// excerptWords bounds the citizen text in the simplified summary.
	excerptWords = 24
)

// Composer is stateless apart from its clock and id source.
type Composer struct {
	now        func() time.Time
	trackingID func() string
}

func NewComposer() *Composer {
	return &Composer{now: time.Now, trackingID: NewTrackingID}
}

// WithClock replaces the time source; used by tests.
func (c *Composer) WithClock(now func() time.Time) *Composer {
	c.now = now
	return c
}

// NewTrackingID mints an opaque citizen-facing id such as CR-3F9A0C1E7B2D4A68.
func NewTrackingID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "CR-" + strings.ToUpper(hex[:16])
}

// Compose builds the report for c routed to dept. A tracking id already on
// the complaint is kept so recomposition never changes it.
func (c *Composer) Compose(comp *types.Complaint, dept routing.Department) *types.StructuredReport {
	trackingID := comp.TrackingID
	if trackingID == "" {
		trackingID = c.trackingID()
	}

	src := NewSources(comp, dept)
	lines := fullSummary(comp, dept.Name)
	simplified := false
	if len(lines) < MinSummaryLines || len(lines) > MaxSummaryLines || !src.Traceable(lines) {
		lines = simplifiedSummary(comp, dept.Name)
		simplified = true
	}

	return &types.StructuredReport{
		ComplaintID:         comp.ID,
		TrackingID:          trackingID,
		ProblemType:         comp.ProblemType,
		SecondaryTypes:      append([]types.ProblemType{}, comp.SecondaryTypes...),
		UrgencyLevel:        comp.UrgencyLevel,
		UrgencyReasoning:    append([]string{}, comp.UrgencyReasoning...),
		OfficialSummary:     strings.Join(lines, "\n"),
		SuggestedDepartment: dept.Name,
		DepartmentContact:   dept.Contact,
		Escalation:          append([]string{}, dept.Escalation...),
		CitizenConfirmation: Confirmation(comp.ProblemType, comp.UrgencyLevel, dept.Name, trackingID),
		NeedsReview:         comp.NeedsReview,
		Simplified:          simplified,
		Timestamp:           c.now().UTC(),
	}
}

// Confirmation is the message returned to the citizen after intake.
func Confirmation(p types.ProblemType, u types.UrgencyLevel, department, trackingID string) string {
	return fmt.Sprintf(
		"Thank you. Your %s complaint has been registered with %s urgency and forwarded to %s. Your tracking ID is %s.",
		p.Label(), u, department, trackingID,
	)
}

func headerLines(comp *types.Complaint) []string {
	issue := "Issue type: " + comp.ProblemType.Label()
	if len(comp.SecondaryTypes) > 0 {
		labels := make([]string, 0, len(comp.SecondaryTypes))
		for _, s := range comp.SecondaryTypes {
			labels = append(labels, s.Label())
		}
		issue += " (also: " + strings.Join(labels, ", ") + ")"
	}
	return []string{issue + ".", fmt.Sprintf("Urgency: %s.", comp.UrgencyLevel)}
}

func footerLines(comp *types.Complaint, department string) []string {
	basis := "standard priority"
	if len(comp.UrgencyReasoning) > 0 {
		basis = strings.Join(comp.UrgencyReasoning, "; ")
	}
	return []string{"Urgency basis: " + basis + ".", "Routed to: " + department + "."}
}

// fullSummary carries the whole citizen text plus the extracted facts.
func fullSummary(comp *types.Complaint, department string) []string {
	lines := headerLines(comp)
	lines = append(lines, wrap("Citizen report: "+strings.TrimSpace(comp.ProcessedText), lineWidth)...)

	if loc := entityValues(comp.Entities, types.EntityLocation); len(loc) > 0 {
		lines = append(lines, "Location: "+strings.Join(loc, "; ")+".")
	}
	if when := entityValues(comp.Entities, types.EntityTemporal); len(when) > 0 {
		lines = append(lines, "Timeline: "+strings.Join(when, "; ")+".")
	}
	details := append(entityValues(comp.Entities, types.EntityInfrastructure), entityValues(comp.Entities, types.EntitySeverity)...)
	details = appendUnique(details, comp.Keywords...)
	if len(details) > 0 {
		lines = append(lines, "Details: "+strings.Join(details, ", ")+".")
	}
	return append(lines, footerLines(comp, department)...)
}

// simplifiedSummary is always exactly five lines.
func simplifiedSummary(comp *types.Complaint, department string) []string {
	lines := headerLines(comp)
	lines = append(lines, "Citizen report: "+excerpt(comp.ProcessedText, excerptWords))
	return append(lines, footerLines(comp, department)...)
}

func excerpt(text string, words int) string {
	fields := strings.Fields(text)
	if len(fields) <= words {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:words], " ") + " ..."
}

func wrap(s string, width int) []string {
	var lines []string
	var cur strings.Builder
	for _, w := range strings.Fields(s) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

func entityValues(entities []types.Entity, tag types.EntityTag) []string {
	var out []string
	for _, e := range entities {
		if e.Tag == tag {
			out = appendUnique(out, strings.TrimSpace(e.Value))
		}
	}
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if strings.EqualFold(d, v) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

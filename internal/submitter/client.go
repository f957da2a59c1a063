package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/types"
)

// Receipt is the municipal system's acknowledgement.
type Receipt struct {
	ReferenceID string `json:"reference_id"`
}

// Client delivers one report in one attempt. Errors wrap either
// types.ErrIntegrationTransient or types.ErrIntegrationPermanent.
type Client interface {
	Submit(ctx context.Context, rep *types.StructuredReport) (Receipt, error)
}

// HTTPClient posts reports as JSON to the municipal intake endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	log      *logger.Logger
}

func NewHTTPClient(endpoint, apiKey string, timeout time.Duration, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		log:      log.Component("submitter.http"),
	}
}

type submission struct {
	ComplaintID      string             `json:"complaint_id"`
	TrackingID       string             `json:"tracking_id"`
	ProblemType      types.ProblemType  `json:"problem_type"`
	UrgencyLevel     types.UrgencyLevel `json:"urgency_level"`
	UrgencyReasoning []string           `json:"urgency_reasoning"`
	Summary          string             `json:"official_summary"`
	Department       string             `json:"department"`
	Contact          types.ContactInfo  `json:"department_contact"`
	Escalation       []string           `json:"escalation,omitempty"`
	NeedsReview      bool               `json:"needs_review"`
	Timestamp        time.Time          `json:"timestamp"`
}

func (c *HTTPClient) Submit(ctx context.Context, rep *types.StructuredReport) (Receipt, error) {
	body, err := json.Marshal(submission{
		ComplaintID:      rep.ComplaintID,
		TrackingID:       rep.TrackingID,
		ProblemType:      rep.ProblemType,
		UrgencyLevel:     rep.UrgencyLevel,
		UrgencyReasoning: rep.UrgencyReasoning,
		Summary:          rep.OfficialSummary,
		Department:       rep.SuggestedDepartment,
		Contact:          rep.DepartmentContact,
		Escalation:       rep.Escalation,
		NeedsReview:      rep.NeedsReview,
		Timestamp:        rep.Timestamp,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: encode report: %v", types.ErrIntegrationPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/reports", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: build request: %v", types.ErrIntegrationPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rep.ComplaintID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", types.ErrIntegrationTransient, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return Receipt{}, fmt.Errorf("%w: status %d: %s", types.ErrIntegrationTransient, resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 400:
		return Receipt{}, fmt.Errorf("%w: status %d: %s", types.ErrIntegrationPermanent, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// The report is accepted on any 2xx; the receipt body is best effort.
	var r Receipt
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.WithComplaint(rep.ComplaintID).
				WithError(err).
				WithField("status", resp.StatusCode).
				WithField("body", strings.TrimSpace(string(raw))).
				Warn("undecodable receipt; report accepted without reference id")
			return Receipt{}, nil
		}
	}
	return r, nil
}

// DryRunClient accepts every report without contacting anyone. It is used
// when no municipal endpoint is configured.
type DryRunClient struct {
	log *logger.Logger
}

func NewDryRunClient(log *logger.Logger) *DryRunClient {
	return &DryRunClient{log: log.Component("submitter.dryrun")}
}

func (d *DryRunClient) Submit(_ context.Context, rep *types.StructuredReport) (Receipt, error) {
	ref := "DRY-" + uuid.NewString()
	d.log.WithComplaint(rep.ComplaintID).
		WithField("department", rep.SuggestedDepartment).
		WithField("reference_id", ref).
		Info("dry run: report accepted")
	return Receipt{ReferenceID: ref}, nil
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"civic-reports-go/internal/actionable"
	"civic-reports-go/internal/aggregator"
	"civic-reports-go/internal/pipeline"
	"civic-reports-go/internal/processor"
	"civic-reports-go/internal/storage"
	"civic-reports-go/internal/types"
)

const (
	unavailableMessage = "We could not process your complaint right now."
	emptyInputGuidance = "Please describe the civic problem in a few words, for example what is broken and where."
)

// CreatedResponse is returned once the report is generated. Municipal
// delivery continues in the background.
type CreatedResponse struct {
	ComplaintID  string             `json:"complaint_id"`
	Status       types.Status       `json:"status"`
	TrackingID   string             `json:"tracking_id"`
	Message      string             `json:"message"`
	NeedsReview  bool               `json:"needs_review"`
	ProblemType  types.ProblemType  `json:"problem_type"`
	UrgencyLevel types.UrgencyLevel `json:"urgency_level"`
	Department   string             `json:"department"`
}

// CreateComplaint handles POST /api/v1/complaints.
func (h *Handler) CreateComplaint(c *gin.Context) {
	var req processor.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	reqLog := h.log.WithRequest(c.Request).WithField("handler", "create_complaint")

	prepared, err := h.d.Processor.Prepare(ctx, req)
	switch {
	case errors.Is(err, types.ErrInputRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "guidance": emptyInputGuidance})
		return
	case err != nil:
		reqLog.WithError(err).Warn("intake preparation failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":               unavailableMessage,
			"alternative_contact": h.d.Pipeline.AlternativeContact(),
		})
		return
	}

	comp, err := h.d.Pipeline.Intake(ctx, prepared.Input)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrAlreadyExists), errors.Is(err, pipeline.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, types.ErrInputRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"complaint_id": comp.ID,
			"status":       comp.Status,
			"guidance":     h.d.Pipeline.Guidance(comp),
		})
		return
	default:
		reqLog.WithError(err).Error("complaint intake failed")
		body := gin.H{
			"error":               unavailableMessage,
			"alternative_contact": h.d.Pipeline.AlternativeContact(),
		}
		if comp != nil {
			body["complaint_id"] = comp.ID
			body["status"] = comp.Status
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	if h.d.Delivery != nil {
		if err := h.d.Delivery.Submit(context.WithoutCancel(ctx), comp.ID); err != nil {
			reqLog.WithError(err).WithField("complaint_id", comp.ID).Error("could not schedule delivery")
		}
	}

	c.JSON(http.StatusCreated, CreatedResponse{
		ComplaintID:  comp.ID,
		Status:       comp.Status,
		TrackingID:   comp.TrackingID,
		Message:      comp.Report.CitizenConfirmation,
		NeedsReview:  comp.NeedsReview,
		ProblemType:  comp.ProblemType,
		UrgencyLevel: comp.UrgencyLevel,
		Department:   comp.Department,
	})
}

// GetComplaint handles GET /api/v1/complaints/:id.
func (h *Handler) GetComplaint(c *gin.Context) {
	comp, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, comp)
}

// GetAudit handles GET /api/v1/complaints/:id/audit.
func (h *Handler) GetAudit(c *gin.Context) {
	comp, ok := h.lookup(c)
	if !ok {
		return
	}
	recs, err := h.d.Store.ListAudit(c.Request.Context(), comp.ID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaint_id": comp.ID, "records": recs})
}

// ListComplaints handles GET /api/v1/complaints?status=&limit=.
func (h *Handler) ListComplaints(c *gin.Context) {
	f := storage.ListFilter{Status: types.Status(c.Query("status"))}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	list, err := h.d.Store.ListComplaints(c.Request.Context(), f)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaints": list, "count": len(list)})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(c *gin.Context) {
	list, err := h.d.Store.ListComplaints(c.Request.Context(), storage.ListFilter{Limit: statsLimit})
	if err != nil {
		h.internalError(c, err)
		return
	}
	stats := aggregator.Aggregate(list)
	c.JSON(http.StatusOK, statsResponse{Stats: stats, Insights: actionable.Generate(stats)})
}

type statsResponse struct {
	aggregator.Stats
	Insights []actionable.ActionCard `json:"insights"`
}

// statsLimit bounds how many recent complaints the statistics cover.
const statsLimit = 10000

// ReloadDepartments handles POST /api/v1/admin/departments/reload.
func (h *Handler) ReloadDepartments(c *gin.Context) {
	if h.d.Reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no department workbook configured"})
		return
	}
	version, err := h.d.Reload(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("department reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "version": version})
}

func (h *Handler) lookup(c *gin.Context) (*types.Complaint, bool) {
	comp, err := h.d.Pipeline.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "complaint not found"})
		return nil, false
	}
	if err != nil {
		h.internalError(c, err)
		return nil, false
	}
	return comp, true
}

func (h *Handler) internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// Package api exposes the complaint pipeline over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/metrics"
	"civic-reports-go/internal/pipeline"
	"civic-reports-go/internal/processor"
	"civic-reports-go/internal/storage"
	"civic-reports-go/internal/types"
)

// Delivery takes a REPORT_GENERATED complaint off the request path.
type Delivery interface {
	Submit(ctx context.Context, id string) error
}

// Store is the read side used by the query endpoints.
type Store interface {
	ListComplaints(ctx context.Context, f storage.ListFilter) ([]types.Complaint, error)
	ListAudit(ctx context.Context, complaintID string) ([]types.AuditRecord, error)
}

// Deps are the collaborators of the HTTP surface. Reload, Health, Gatherer
// and Metrics are optional.
type Deps struct {
	Pipeline  *pipeline.Orchestrator
	Processor *processor.Processor
	Delivery  Delivery
	Store     Store
	Reload    func(ctx context.Context) (int, error)
	Health    func(ctx context.Context) error
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

type Handler struct {
	d   Deps
	log *logger.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{d: d, log: d.Log.Component("api")}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log), observe(h.d.Metrics))

	r.GET("/healthz", h.Healthz)
	if h.d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.d.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/complaints", h.CreateComplaint)
		v1.GET("/complaints", h.ListComplaints)
		v1.GET("/complaints/:id", h.GetComplaint)
		v1.GET("/complaints/:id/audit", h.GetAudit)
		v1.GET("/stats", h.Stats)
		v1.POST("/admin/departments/reload", h.ReloadDepartments)
	}
	return r
}

func (h *Handler) Healthz(c *gin.Context) {
	if h.d.Health != nil {
		if err := h.d.Health(c.Request.Context()); err != nil {
			h.log.WithError(err).Warn("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

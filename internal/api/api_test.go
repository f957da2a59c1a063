package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic-reports-go/internal/api"
	"civic-reports-go/internal/classifier"
	"civic-reports-go/internal/dedup"
	"civic-reports-go/internal/extractor"
	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/metrics"
	"civic-reports-go/internal/pipeline"
	"civic-reports-go/internal/processor"
	"civic-reports-go/internal/report"
	"civic-reports-go/internal/routing"
	"civic-reports-go/internal/safety"
	"civic-reports-go/internal/storage"
	"civic-reports-go/internal/submitter"
	"civic-reports-go/internal/types"
)

type env struct {
	router *gin.Engine
	store  *storage.SQLiteStore
	routes *routing.Router
}

func newEnv(t *testing.T, checks ...safety.Check) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Discard()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	routes, err := routing.NewRouter(routing.DefaultMapping(routing.Department{
		Name:    "Municipal General Services",
		Contact: types.ContactInfo{Email: "help@municipality.example", Phone: "311"},
	}))
	require.NoError(t, err)

	sub := submitter.New(submitter.NewDryRunClient(log), store, submitter.Options{}, log, m)
	orch := pipeline.New(pipeline.Deps{
		Store:      store,
		Queue:      store,
		Safety:     safety.NewGate(checks...),
		Dedup:      dedup.NewGate(dedup.NewMemoryWindow(), time.Hour, 0.85),
		Classifier: classifier.New(classifier.DefaultSignatures()...),
		Router:     routes,
		Composer:   report.NewComposer(),
		Submitter:  sub,
		Metrics:    m,
		Log:        log,
	})
	pool := pipeline.NewDeliveryPool(orch, 1, 8)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	h := api.NewHandler(api.Deps{
		Pipeline:  orch,
		Processor: processor.New(nil, extractor.NewLexiconExtractor(), log),
		Delivery:  pool,
		Store:     store,
		Reload: func(context.Context) (int, error) {
			if err := routes.Swap(routes.Mapping()); err != nil {
				return 0, err
			}
			return routes.Version(), nil
		},
		Health:   store.Ping,
		Gatherer: reg,
		Metrics:  m,
		Log:      log,
	})
	return &env{router: api.NewRouter(h), store: store, routes: routes}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

var pothole = map[string]any{
	"id":           "c-1",
	"text_content": "Big pothole on Main Street near the school, a scooter rider fell yesterday",
	"input_type":   "text",
	"metadata":     map[string]any{"citizen_id": "citizen-1"},
}

func TestCreateComplaint(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/complaints", pothole)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp api.CreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "c-1", resp.ComplaintID)
	assert.Equal(t, types.RoadDamage, resp.ProblemType)
	assert.True(t, strings.HasPrefix(resp.TrackingID, "CR-"))
	assert.Contains(t, resp.Message, resp.TrackingID)

	// Delivery happens in the background.
	require.Eventually(t, func() bool {
		c, err := e.store.GetComplaint(context.Background(), "c-1")
		return err == nil && c.Status == types.StatusSubmitted
	}, 2*time.Second, 10*time.Millisecond)

	w = e.do(t, http.MethodGet, "/api/v1/complaints/c-1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)

	w = e.do(t, http.MethodPost, "/api/v1/complaints", pothole)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateComplaint_DuplicateGetsGuidance(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/complaints", pothole).Code)

	again := map[string]any{}
	for k, v := range pothole {
		again[k] = v
	}
	again["id"] = "c-2"
	w := e.do(t, http.MethodPost, "/api/v1/complaints", again)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	body := decode(t, w)
	assert.Equal(t, "FILTERED", body["status"])
	assert.Contains(t, body["guidance"], "already received")
}

func TestCreateComplaint_BadInput(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/complaints", map[string]any{"text_content": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotEmpty(t, decode(t, w)["guidance"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/complaints", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateComplaint_InternalErrorOffersContact(t *testing.T) {
	boom := safety.Check{Name: "boom", Deduction: 1, Detect: func(string) (bool, string) {
		panic(errors.New("broken check"))
	}}
	e := newEnv(t, boom)

	w := e.do(t, http.MethodPost, "/api/v1/complaints", pothole)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ERROR", body["status"])
	assert.Contains(t, body["alternative_contact"], "311")
	assert.NotContains(t, w.Body.String(), "broken check", "internal detail stays internal")
}

func TestQueriesAndAdmin(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/complaints", pothole).Code)

	w := e.do(t, http.MethodGet, "/api/v1/complaints/c-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c-1", decode(t, w)["id"])

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/complaints/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/complaints/missing/audit", nil).Code)

	w = e.do(t, http.MethodGet, "/api/v1/complaints?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/complaints?limit=x", nil).Code)

	w = e.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.EqualValues(t, 1, stats["total"])
	assert.NotEmpty(t, stats["insights"])

	before := e.routes.Version()
	w = e.do(t, http.MethodPost, "/api/v1/admin/departments/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, before+1, decode(t, w)["version"])

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)

	w = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "civic_http_requests_total")
}

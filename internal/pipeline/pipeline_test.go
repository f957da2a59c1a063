package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic-reports-go/internal/classifier"
	"civic-reports-go/internal/dedup"
	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/notify"
	"civic-reports-go/internal/pipeline"
	"civic-reports-go/internal/report"
	"civic-reports-go/internal/routing"
	"civic-reports-go/internal/safety"
	"civic-reports-go/internal/storage"
	"civic-reports-go/internal/submitter"
	"civic-reports-go/internal/types"
)

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	out := make([]notify.Kind, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type harness struct {
	orch     *pipeline.Orchestrator
	deps     pipeline.Deps
	store    *storage.SQLiteStore
	sub      *submitter.Submitter
	notifier *recordingNotifier
	hits     *atomic.Int32
	now      time.Time
}

// municipal answers with the given status codes in order, repeating the last.
func municipal(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		code := codes[len(codes)-1]
		if n <= len(codes) {
			code = codes[n-1]
		}
		w.WriteHeader(code)
		if code < 300 {
			_, _ = w.Write([]byte(`{"reference_id":"MUNI-1"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newHarness(t *testing.T, codes []int, checks ...safety.Check) *harness {
	t.Helper()
	log := logger.Discard()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, hits := municipal(t, codes...)
	sub := submitter.New(submitter.NewHTTPClient(srv.URL, "", time.Second, logger.Discard()), store, submitter.Options{
		MaxAttempts:      3,
		AttemptTimeout:   time.Second,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         500 * time.Millisecond,
	}, log, nil)

	router, err := routing.NewRouter(routing.DefaultMapping(routing.Department{
		Name:    "Municipal General Services",
		Contact: types.ContactInfo{Email: "help@municipality.example", Phone: "311"},
	}))
	require.NoError(t, err)

	if len(checks) == 0 {
		checks = safety.DefaultChecks()
	}
	h := &harness{
		store:    store,
		sub:      sub,
		notifier: &recordingNotifier{},
		hits:     hits,
		now:      time.Now(),
	}
	h.deps = pipeline.Deps{
		Store:          store,
		Queue:          store,
		Safety:         safety.NewGate(checks...),
		Dedup:          dedup.NewGate(dedup.NewMemoryWindow(), time.Hour, 0.85),
		Classifier:     classifier.New(classifier.DefaultSignatures()...),
		Router:         router,
		Composer:       report.NewComposer(),
		Submitter:      sub,
		Notifier:       h.notifier,
		Log:            log,
		RetryBaseDelay: time.Minute,
		RetryMaxDelay:  time.Hour,
	}
	h.orch = h.rebuild(h.deps)
	return h
}

func (h *harness) rebuild(d pipeline.Deps) *pipeline.Orchestrator {
	return pipeline.New(d).WithClock(func() time.Time { return h.now })
}

// gatedStore holds the first CreateComplaint until proceed is closed.
type gatedStore struct {
	*storage.SQLiteStore
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (g *gatedStore) CreateComplaint(ctx context.Context, c *types.Complaint) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.proceed
	})
	return g.SQLiteStore.CreateComplaint(ctx, c)
}

func input(id, citizen, text string, keywords ...string) types.ProcessedInput {
	return types.ProcessedInput{
		ID:          id,
		TextContent: text,
		InputType:   types.InputText,
		Metadata:    types.Metadata{Timestamp: time.Now(), CitizenID: citizen},
		Keywords:    keywords,
		Entities:    []types.Entity{{Tag: types.EntityLocation, Value: "main street"}},
	}
}

const potholeText = "There is a huge pothole on main street that has been there for two weeks and cars keep hitting it"

func TestProcess_HappyPath(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	c, err := h.orch.Process(ctx, input("c-1", "citizen-1", potholeText, "pothole", "main street"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusSubmitted, c.Status)
	assert.Equal(t, types.RoadDamage, c.ProblemType)
	assert.True(t, c.UrgencyLevel.Valid())
	assert.NotNil(t, c.AnalyzedAt)
	assert.NotNil(t, c.SubmittedAt)
	assert.True(t, strings.HasPrefix(c.TrackingID, "CR-"))
	require.NotNil(t, c.Report)

	lines := strings.Split(c.Report.OfficialSummary, "\n")
	assert.GreaterOrEqual(t, len(lines), report.MinSummaryLines)
	assert.LessOrEqual(t, len(lines), report.MaxSummaryLines)

	stored, err := h.store.GetComplaint(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, stored.Status)

	audit, err := h.store.ListAudit(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, types.OutcomeSuccess, audit[0].Outcome)

	assert.Equal(t, []notify.Kind{notify.KindCitizenConfirmation}, h.notifier.kinds())
	assert.Equal(t, c.TrackingID, h.notifier.sent[0].TrackingID)
}

func TestIntake_StopsAtReportGenerated(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	c, err := h.orch.Intake(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusReportGenerated, c.Status)
	assert.Equal(t, int32(0), h.hits.Load(), "intake never contacts the municipal system")
	assert.Len(t, h.notifier.sent, 1, "confirmation is sent before delivery")

	_, err = h.orch.Intake(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	assert.ErrorIs(t, err, pipeline.ErrAlreadyExists)

	c, err = h.orch.Deliver(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, c.Status)

	_, err = h.orch.Deliver(ctx, "c-1")
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestIntake_ReusedIDNeverOverwritesRecord(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	gate := &gatedStore{SQLiteStore: h.store, entered: make(chan struct{}), proceed: make(chan struct{})}
	d := h.deps
	d.Store = gate
	orch := h.rebuild(d)

	type outcome struct {
		c   *types.Complaint
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		c, err := orch.Process(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
		first <- outcome{c, err}
	}()
	<-gate.entered

	other := input("c-1", "citizen-2", "The street light on elm avenue has been out for days", "street light")
	_, err := orch.Intake(ctx, other)
	assert.ErrorIs(t, err, pipeline.ErrBusy)

	close(gate.proceed)
	got := <-first
	require.NoError(t, got.err)
	require.Equal(t, types.StatusSubmitted, got.c.Status)

	_, err = orch.Intake(ctx, other)
	assert.ErrorIs(t, err, pipeline.ErrAlreadyExists)

	stored, err := h.store.GetComplaint(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, stored.Status)
	assert.Equal(t, got.c.TrackingID, stored.TrackingID)
	assert.Equal(t, "citizen-1", stored.CitizenID)
}

func TestProcess_DuplicateIsFiltered(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	first, err := h.orch.Intake(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	require.NoError(t, err)
	assert.True(t, first.Status.AtLeast(types.StatusAnalyzed))

	second, err := h.orch.Intake(ctx, input("c-2", "citizen-1", potholeText, "pothole"))
	require.ErrorIs(t, err, types.ErrInputRejected)
	assert.Equal(t, types.StatusFiltered, second.Status)
	assert.Equal(t, "c-1", second.DuplicateOf)
	assert.Empty(t, second.ProblemType, "filtered complaints are never classified")
	assert.Contains(t, h.orch.Guidance(second), "already received")

	stored, err := h.store.GetComplaint(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFiltered, stored.Status)
	assert.Equal(t, "c-1", stored.DuplicateOf)
	assert.Equal(t, "exact duplicate of c-1", stored.FilterReason)
}

// brokenStore fails every write of one status.
type brokenStore struct {
	*storage.SQLiteStore
	failOn types.Status
}

func (b *brokenStore) SaveComplaint(ctx context.Context, c *types.Complaint) error {
	if c.Status == b.failOn {
		return errors.New("disk I/O error")
	}
	return b.SQLiteStore.SaveComplaint(ctx, c)
}

func TestProcess_ResubmissionAfterErrorIsNotDuplicate(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	d := h.deps
	d.Store = &brokenStore{SQLiteStore: h.store, failOn: types.StatusAnalyzed}
	failed, err := h.rebuild(d).Process(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	require.ErrorIs(t, err, types.ErrInternalPipeline)
	require.Equal(t, types.StatusError, failed.Status)

	again, err := h.orch.Process(ctx, input("c-2", "citizen-1", potholeText, "pothole"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, again.Status)
	assert.Empty(t, again.DuplicateOf)
}

func marker(word string, deduction int) safety.Check {
	return safety.Check{
		Name:      word,
		Deduction: deduction,
		Detect: func(text string) (bool, string) {
			return strings.Contains(text, word), word + " detected"
		},
	}
}

func TestProcess_SafetyGating(t *testing.T) {
	checks := []safety.Check{marker("alpha", 40), marker("bravo", 25), marker("charlie", 10)}

	tests := []struct {
		name       string
		text       string
		wantScore  int
		wantStatus types.Status
		wantReview bool
		wantErrIs  error
	}{
		{"score 60 filtered", potholeText + " alpha", 60, types.StatusFiltered, false, types.ErrInputRejected},
		{"score 75 needs review", potholeText + " bravo", 75, types.StatusReportGenerated, true, nil},
		{"score 90 unflagged", potholeText + " charlie", 90, types.StatusReportGenerated, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []int{http.StatusCreated}, checks...)
			c, err := h.orch.Intake(context.Background(), input("c-1", "citizen-1", tt.text, "pothole"))
			if tt.wantErrIs != nil {
				require.ErrorIs(t, err, tt.wantErrIs)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, c.SafetyScore)
			assert.Equal(t, tt.wantScore, *c.SafetyScore)
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.Equal(t, tt.wantReview, c.NeedsReview)
			assert.NotEmpty(t, c.SafetyReasons)
		})
	}
}

func TestProcess_TransientFailuresQueueAndOpenBreaker(t *testing.T) {
	h := newHarness(t, []int{http.StatusBadGateway})
	ctx := context.Background()

	c, err := h.orch.Process(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	require.ErrorIs(t, err, types.ErrIntegrationTransient)
	assert.Equal(t, types.StatusQueued, c.Status)
	assert.NotEmpty(t, c.TrackingID, "citizen still gets a tracking id")

	audit, err := h.store.ListAudit(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, audit, 3)
	for i, rec := range audit {
		assert.Equal(t, i+1, rec.Attempt)
		assert.Equal(t, types.OutcomeQueued, rec.Outcome)
	}
	assert.True(t, h.sub.BreakerOpen())

	n, err := h.store.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcess_PermanentFailureAlertsAdmin(t *testing.T) {
	h := newHarness(t, []int{http.StatusUnauthorized})

	c, err := h.orch.Process(context.Background(), input("c-1", "citizen-1", potholeText, "pothole"))
	require.ErrorIs(t, err, types.ErrIntegrationPermanent)
	assert.Equal(t, types.StatusFailed, c.Status)
	assert.Equal(t, int32(1), h.hits.Load())
	assert.Equal(t, []notify.Kind{notify.KindCitizenConfirmation, notify.KindAdminAlert}, h.notifier.kinds())
}

func TestRetryDue_DeliversQueuedComplaint(t *testing.T) {
	h := newHarness(t, []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, http.StatusCreated})
	ctx := context.Background()

	_, err := h.orch.Process(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	require.ErrorIs(t, err, types.ErrIntegrationTransient)

	// Not due yet.
	n, err := h.orch.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Due, but the breaker is still open.
	h.now = h.now.Add(2 * time.Minute)
	require.True(t, h.sub.BreakerOpen())
	n, err = h.orch.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(3), h.hits.Load())

	require.Eventually(t, func() bool { return !h.sub.BreakerOpen() }, 3*time.Second, 20*time.Millisecond)
	n, err = h.orch.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := h.orch.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, c.Status)

	audit, err := h.store.ListAudit(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, audit, 4)
	assert.Equal(t, 4, audit[3].Attempt)
	assert.Equal(t, types.OutcomeSuccess, audit[3].Outcome)

	left, err := h.store.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
}

func TestProcess_PanicMovesToError(t *testing.T) {
	boom := safety.Check{
		Name:      "boom",
		Deduction: 1,
		Detect:    func(string) (bool, string) { panic("lexicon corrupted") },
	}
	h := newHarness(t, []int{http.StatusCreated}, boom)
	ctx := context.Background()

	c, err := h.orch.Process(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	require.ErrorIs(t, err, types.ErrInternalPipeline)

	var se *types.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "safety", se.Stage)
	assert.Equal(t, "c-1", se.ComplaintID)

	assert.Equal(t, types.StatusError, c.Status)
	stored, err := h.store.GetComplaint(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
	assert.Contains(t, stored.ErrorDetail, "lexicon corrupted")
	assert.Equal(t, []notify.Kind{notify.KindAdminAlert}, h.notifier.kinds())
	assert.Contains(t, h.orch.AlternativeContact(), "311")

	// ERROR halts automatic processing.
	again, err := h.orch.Resume(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, again.Status)
}

func TestCancelledRunIsResumable(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.Intake(ctx, input("c-1", "citizen-1", potholeText, "pothole"))
	require.ErrorIs(t, err, context.Canceled)

	stored, err := h.store.GetComplaint(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReceived, stored.Status)

	var dispatched []string
	n, err := h.orch.ResumePending(context.Background(), func(_ context.Context, id string) error {
		dispatched = append(dispatched, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"c-1"}, dispatched)
	assert.Equal(t, int32(0), h.hits.Load(), "resuming never delivers inline")

	c, err := h.orch.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReportGenerated, c.Status)

	pool := pipeline.NewDeliveryPool(h.orch, 1, 4)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	n, err = h.orch.ResumePending(context.Background(), pool.Submit)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		c, err := h.orch.Get(context.Background(), "c-1")
		return err == nil && c.Status == types.StatusSubmitted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResume_KeepsTrackingIDAndIgnoresOwnFingerprint(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	// A run that stopped mid-analysis.
	require.NoError(t, h.store.SaveComplaint(ctx, &types.Complaint{
		ID:            "c-1",
		CitizenID:     "citizen-1",
		InputType:     types.InputText,
		OriginalText:  potholeText,
		ProcessedText: potholeText,
		Keywords:      []string{"pothole"},
		Status:        types.StatusProcessing,
		CreatedAt:     h.now,
	}))

	c, err := h.orch.Resume(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, c.Status)
	tracking := c.TrackingID
	require.NotEmpty(t, tracking)

	// Crash after the dedup window already holds this complaint's fingerprint.
	c.Status = types.StatusProcessing
	require.NoError(t, h.store.SaveComplaint(ctx, c))

	c, err = h.orch.Resume(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, c.Status)
	assert.Empty(t, c.DuplicateOf)
	assert.Equal(t, tracking, c.TrackingID)
}

func TestDeliveryPool(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2"} {
		_, err := h.orch.Intake(ctx, input(id, id, potholeText, "pothole"))
		require.NoError(t, err)
	}

	pool := pipeline.NewDeliveryPool(h.orch, 2, 4)
	pool.Start(ctx)
	require.NoError(t, pool.Submit(ctx, "c-1"))
	require.NoError(t, pool.Submit(ctx, "c-2"))

	require.Eventually(t, func() bool {
		for _, id := range []string{"c-1", "c-2"} {
			c, err := h.orch.Get(ctx, id)
			if err != nil || c.Status != types.StatusSubmitted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	pool.Stop()
	assert.False(t, pool.Dispatch("c-3"), "stopped pool refuses work")
}

func TestDeliveryPool_SaturatedFallsBackToRetryQueue(t *testing.T) {
	h := newHarness(t, []int{http.StatusCreated})
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2"} {
		_, err := h.orch.Intake(ctx, input(id, id, potholeText, "pothole"))
		require.NoError(t, err)
	}

	// Not started: the buffer holds one id, the second overflows.
	pool := pipeline.NewDeliveryPool(h.orch, 1, 1)
	require.NoError(t, pool.Submit(ctx, "c-1"))
	require.NoError(t, pool.Submit(ctx, "c-2"))

	c, err := h.orch.Get(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, c.Status)

	n, err := h.orch.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err = h.orch.Get(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, c.Status)

	pool.Stop()
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.Status
		want     bool
	}{
		{types.StatusReceived, types.StatusProcessing, true},
		{types.StatusProcessing, types.StatusFiltered, true},
		{types.StatusProcessing, types.StatusAnalyzed, true},
		{types.StatusAnalyzed, types.StatusReportGenerated, true},
		{types.StatusReportGenerated, types.StatusQueued, true},
		{types.StatusQueued, types.StatusSubmitted, true},
		{types.StatusQueued, types.StatusFailed, true},
		{types.StatusAnalyzed, types.StatusProcessing, false},
		{types.StatusSubmitted, types.StatusQueued, false},
		{types.StatusFiltered, types.StatusAnalyzed, false},
		{types.StatusError, types.StatusProcessing, false},
		{types.StatusReceived, types.StatusSubmitted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pipeline.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := pipeline.NewScheduler(logger.Discard())
	var runs atomic.Int32
	require.NoError(t, s.AddJob("tick", "@every 1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	assert.Error(t, s.AddJob("bad", "not a spec", time.Second, func(context.Context) error { return nil }))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

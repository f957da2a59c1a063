// Package pipeline runs complaints through the processing stages and owns
// their lifecycle: safety and dedup gates, classification, urgency, routing,
// report composition and municipal delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"civic-reports-go/internal/classifier"
	"civic-reports-go/internal/dedup"
	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/metrics"
	"civic-reports-go/internal/notify"
	"civic-reports-go/internal/report"
	"civic-reports-go/internal/routing"
	"civic-reports-go/internal/safety"
	"civic-reports-go/internal/storage"
	"civic-reports-go/internal/submitter"
	"civic-reports-go/internal/types"
	"civic-reports-go/internal/urgency"
)

var (
	// ErrAlreadyExists is returned by Intake for a reused complaint id.
	ErrAlreadyExists = errors.New("complaint already exists")
	// ErrBusy is returned when another run currently owns the complaint.
	ErrBusy = errors.New("complaint is being processed")
)

type Store interface {
	CreateComplaint(ctx context.Context, c *types.Complaint) error
	SaveComplaint(ctx context.Context, c *types.Complaint) error
	GetComplaint(ctx context.Context, id string) (*types.Complaint, error)
	ListComplaints(ctx context.Context, f storage.ListFilter) ([]types.Complaint, error)
}

type RetryQueue interface {
	Enqueue(ctx context.Context, item storage.RetryItem) error
	DueItems(ctx context.Context, now time.Time, limit int) ([]storage.RetryItem, error)
	Reschedule(ctx context.Context, complaintID string, next time.Time, lastErr string) error
	Remove(ctx context.Context, complaintID string) error
	QueueLength(ctx context.Context) (int, error)
}

type Submitter interface {
	Submit(ctx context.Context, rep *types.StructuredReport) submitter.Result
	BreakerOpen() bool
}

// Deps are the collaborators of an Orchestrator. Metrics may be nil.
type Deps struct {
	Store      Store
	Queue      RetryQueue
	Safety     *safety.Gate
	Dedup      *dedup.Gate
	Classifier *classifier.Engine
	Router     *routing.Router
	Composer   *report.Composer
	Submitter  Submitter
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Log        *logger.Logger

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Orchestrator is the complaint state machine. It is safe for concurrent
// use; each complaint is owned by at most one run at a time.
type Orchestrator struct {
	d       Deps
	log     *logger.Logger
	now     func() time.Time
	running sync.Map
}

func New(d Deps) *Orchestrator {
	if d.RetryBaseDelay <= 0 {
		d.RetryBaseDelay = time.Minute
	}
	if d.RetryMaxDelay < d.RetryBaseDelay {
		d.RetryMaxDelay = time.Hour
	}
	return &Orchestrator{d: d, log: d.Log.Component("pipeline"), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) claim(id string) bool {
	_, busy := o.running.LoadOrStore(id, struct{}{})
	return !busy
}

func (o *Orchestrator) release(id string) {
	o.running.Delete(id)
}

// --------------------------------------------
// Entry points
// --------------------------------------------

// Intake records a new complaint and runs it up to REPORT_GENERATED, when the
// citizen confirmation is sent. A FILTERED complaint is returned together
// with an error wrapping types.ErrInputRejected; an ERROR complaint with a
// *types.StageError. If ctx ends between stages the complaint is left at the
// last persisted status and ctx's error is returned.
func (o *Orchestrator) Intake(ctx context.Context, in types.ProcessedInput) (*types.Complaint, error) {
	c := o.newComplaint(in)
	if !o.claim(c.ID) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, c.ID)
	}
	defer o.release(c.ID)

	// Receipt is recorded even for an already-abandoned run so it can resume.
	if err := o.d.Store.CreateComplaint(context.WithoutCancel(ctx), c); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, c.ID)
		}
		return nil, fmt.Errorf("%w: record complaint: %w", types.ErrInternalPipeline, err)
	}
	o.d.Metrics.Status(string(c.Status))
	o.log.WithComplaint(c.ID).
		WithField("input_type", c.InputType).
		WithField("citizen_id", c.CitizenID).
		Info("complaint received")
	return c, o.advance(ctx, c, types.StatusReportGenerated)
}

// Deliver submits a REPORT_GENERATED complaint to the municipal system. The
// returned error wraps types.ErrIntegrationTransient when the complaint was
// queued and types.ErrIntegrationPermanent when it failed.
func (o *Orchestrator) Deliver(ctx context.Context, id string) (*types.Complaint, error) {
	c, err := o.d.Store.GetComplaint(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != types.StatusReportGenerated {
		return c, fmt.Errorf("%w: cannot deliver complaint in status %s", ErrInvalidTransition, c.Status)
	}
	if !o.claim(id) {
		return c, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer o.release(id)
	return c, o.advance(ctx, c, "")
}

// Process runs Intake and Deliver back to back.
func (o *Orchestrator) Process(ctx context.Context, in types.ProcessedInput) (*types.Complaint, error) {
	c, err := o.Intake(ctx, in)
	if err != nil {
		return c, err
	}
	return o.Deliver(ctx, c.ID)
}

// Resume continues an abandoned run from its last persisted status. Terminal
// and QUEUED complaints are returned unchanged.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*types.Complaint, error) {
	return o.resume(ctx, id, "")
}

func (o *Orchestrator) resume(ctx context.Context, id string, stopAt types.Status) (*types.Complaint, error) {
	c, err := o.d.Store.GetComplaint(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() || c.Status == types.StatusQueued {
		return c, nil
	}
	if !o.claim(id) {
		return c, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer o.release(id)
	o.log.WithComplaint(id).WithField("status", c.Status).Info("resuming complaint")
	return c, o.advance(ctx, c, stopAt)
}

// ResumePending brings every complaint left mid-pipeline, e.g. after a
// restart, up to REPORT_GENERATED and hands it to dispatch for delivery.
// Nothing is delivered inline. It returns how many were resumed.
func (o *Orchestrator) ResumePending(ctx context.Context, dispatch func(ctx context.Context, id string) error) (int, error) {
	// Collect first: a resumed complaint moves into a later status list.
	var ids []string
	for _, st := range []types.Status{
		types.StatusReceived, types.StatusProcessing, types.StatusAnalyzed, types.StatusReportGenerated,
	} {
		pending, err := o.d.Store.ListComplaints(ctx, storage.ListFilter{Status: st})
		if err != nil {
			return 0, err
		}
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
	}

	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		c, err := o.resume(ctx, id, types.StatusReportGenerated)
		if err != nil && !isOutcome(err) {
			o.log.WithComplaint(id).WithError(err).Warn("resume failed")
			continue
		}
		n++
		if err == nil && c.Status == types.StatusReportGenerated {
			if err := dispatch(ctx, id); err != nil {
				o.log.WithComplaint(id).WithError(err).Warn("could not dispatch resumed complaint")
			}
		}
	}
	return n, nil
}

// QueueForRetry parks a REPORT_GENERATED complaint in the retry queue so the
// retry driver delivers it.
func (o *Orchestrator) QueueForRetry(ctx context.Context, id, reason string) error {
	if !o.claim(id) {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer o.release(id)
	c, err := o.d.Store.GetComplaint(ctx, id)
	if err != nil {
		return err
	}
	if err := transition(c, types.StatusQueued); err != nil {
		return err
	}
	if err := o.persist(ctx, c); err != nil {
		return err
	}
	return o.d.Queue.Enqueue(context.WithoutCancel(ctx), storage.RetryItem{
		ComplaintID:   id,
		NextAttemptAt: o.now(),
		LastError:     reason,
		EnqueuedAt:    o.now(),
	})
}

// Get returns the stored complaint.
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.Complaint, error) {
	return o.d.Store.GetComplaint(ctx, id)
}

// --------------------------------------------
// Stage loop
// --------------------------------------------

// advance runs stages until c reaches stopAt, a terminal status or QUEUED.
// An empty stopAt runs to the end.
func (o *Orchestrator) advance(ctx context.Context, c *types.Complaint, stopAt types.Status) error {
	for {
		if c.Status == stopAt || c.Status.Terminal() || c.Status == types.StatusQueued {
			return nil
		}
		if err := ctx.Err(); err != nil {
			o.log.WithComplaint(c.ID).WithField("status", c.Status).Info("run abandoned between stages")
			return err
		}

		var err error
		switch c.Status {
		case types.StatusReceived:
			err = o.step(ctx, c, "start", func() error { return o.start(ctx, c) })
		case types.StatusProcessing:
			err = o.analyze(ctx, c)
		case types.StatusAnalyzed:
			err = o.step(ctx, c, "report", func() error { return o.compose(ctx, c) })
		case types.StatusReportGenerated:
			err = o.step(ctx, c, "delivery", func() error { return o.deliver(ctx, c, 0) })
		default:
			err = fmt.Errorf("%w: no stage for status %s", types.ErrInternalPipeline, c.Status)
		}
		if err != nil {
			return o.fail(ctx, c, err)
		}
	}
}

// step runs one stage with panic recovery and timing.
func (o *Orchestrator) step(ctx context.Context, c *types.Complaint, name string, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", types.ErrInternalPipeline, r)
		}
		if err != nil && !isOutcome(err) && !isCancel(err) {
			var se *types.StageError
			if !errors.As(err, &se) {
				err = &types.StageError{Stage: name, ComplaintID: c.ID, Err: err}
			}
		}
		o.d.Metrics.ObserveStage(name, started)
	}()
	return fn()
}

// fail routes a stage error: filter and delivery outcomes and cancellations
// pass through, anything else moves the complaint to ERROR.
func (o *Orchestrator) fail(ctx context.Context, c *types.Complaint, err error) error {
	if isOutcome(err) {
		return err
	}
	if isCancel(err) {
		o.log.WithComplaint(c.ID).WithField("status", c.Status).Info("run abandoned during stage")
		return err
	}
	if !errors.Is(err, types.ErrInternalPipeline) {
		var se *types.StageError
		if errors.As(err, &se) {
			se.Err = fmt.Errorf("%w: %w", types.ErrInternalPipeline, se.Err)
		} else {
			err = fmt.Errorf("%w: %w", types.ErrInternalPipeline, err)
		}
	}

	from := c.Status
	c.Status = types.StatusError
	c.ErrorDetail = err.Error()
	o.log.WithComplaint(c.ID).WithError(err).WithField("from_status", from).Error("complaint moved to ERROR")
	if perr := o.persist(ctx, c); perr != nil {
		o.log.WithComplaint(c.ID).WithError(perr).Error("could not persist ERROR status")
	}
	o.forgetFingerprint(ctx, c)
	o.notify(ctx, notify.Notification{
		Kind:        notify.KindAdminAlert,
		ComplaintID: c.ID,
		Message:     fmt.Sprintf("complaint %s failed in status %s: %v", c.ID, from, err),
	})
	return err
}

// forgetFingerprint lets the citizen resubmit a complaint that ended in ERROR
// without it being matched as a duplicate of itself.
func (o *Orchestrator) forgetFingerprint(ctx context.Context, c *types.Complaint) {
	if c.DuplicateOf != "" {
		return
	}
	fp := dedup.NewFingerprint(c.ProcessedText, c.CitizenID, c.Location)
	if err := o.d.Dedup.Forget(context.WithoutCancel(ctx), fp, c.ID); err != nil {
		o.log.WithComplaint(c.ID).WithError(err).Warn("could not release dedup fingerprint")
	}
}

func isOutcome(err error) bool {
	return errors.Is(err, types.ErrInputRejected) ||
		errors.Is(err, types.ErrIntegrationTransient) ||
		errors.Is(err, types.ErrIntegrationPermanent)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// persist writes c even if ctx has been cancelled so a stage boundary is
// never lost.
func (o *Orchestrator) persist(ctx context.Context, c *types.Complaint) error {
	if err := o.d.Store.SaveComplaint(context.WithoutCancel(ctx), c); err != nil {
		return fmt.Errorf("%w: persist complaint: %w", types.ErrInternalPipeline, err)
	}
	o.d.Metrics.Status(string(c.Status))
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, n notify.Notification) {
	if o.d.Notifier == nil {
		return
	}
	if err := o.d.Notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		o.log.WithComplaint(n.ComplaintID).WithError(err).WithField("kind", n.Kind).Warn("notification failed")
	}
}

// --------------------------------------------
// Stages
// --------------------------------------------

func (o *Orchestrator) newComplaint(in types.ProcessedInput) *types.Complaint {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	inputType := in.InputType
	if inputType == "" {
		inputType = types.InputText
	}
	return &types.Complaint{
		ID:            id,
		CitizenID:     strings.TrimSpace(in.Metadata.CitizenID),
		InputType:     inputType,
		OriginalText:  in.TextContent,
		ProcessedText: strings.Join(strings.Fields(in.TextContent), " "),
		Entities:      append([]types.Entity(nil), in.Entities...),
		Keywords:      append([]string(nil), in.Keywords...),
		Location:      in.Metadata.Location,
		Status:        types.StatusReceived,
		CreatedAt:     o.now().UTC(),
	}
}

func (o *Orchestrator) start(ctx context.Context, c *types.Complaint) error {
	if err := transition(c, types.StatusProcessing); err != nil {
		return err
	}
	return o.persist(ctx, c)
}

// analyze runs the gates and scorers. The complaint stays PROCESSING until
// all of them are done, so an abandoned analysis is simply rerun.
func (o *Orchestrator) analyze(ctx context.Context, c *types.Complaint) error {
	stages := []struct {
		name string
		fn   func() error
	}{
		{"safety", func() error { return o.screen(ctx, c) }},
		{"dedup", func() error { return o.dedupe(ctx, c) }},
		{"classify", func() error { o.classify(c); return nil }},
		{"urgency", func() error { o.assess(c); return nil }},
	}
	for _, s := range stages {
		if err := o.step(ctx, c, s.name, s.fn); err != nil {
			return err
		}
	}
	return o.step(ctx, c, "analyzed", func() error {
		if err := transition(c, types.StatusAnalyzed); err != nil {
			return err
		}
		at := o.now().UTC()
		c.AnalyzedAt = &at
		return o.persist(ctx, c)
	})
}

func (o *Orchestrator) screen(ctx context.Context, c *types.Complaint) error {
	v := o.d.Safety.Evaluate(c.ProcessedText)
	score := v.Score
	c.SafetyScore = &score
	c.SafetyReasons = v.Reasons
	o.d.Metrics.SafetyDecision(string(v.Decision))
	o.log.WithComplaint(c.ID).
		WithField("safety_score", v.Score).
		WithField("decision", v.Decision).
		WithField("reasons", v.Reasons).
		Info("safety verdict")

	switch v.Decision {
	case safety.Reject:
		c.FilterReason = "safety: " + strings.Join(v.Reasons, "; ")
		return o.filter(ctx, c)
	case safety.Flag:
		c.NeedsReview = true
	}
	return nil
}

func (o *Orchestrator) dedupe(ctx context.Context, c *types.Complaint) error {
	fp := dedup.NewFingerprint(c.ProcessedText, c.CitizenID, c.Location)
	res, err := o.d.Dedup.Check(ctx, fp, c.ID)
	if err != nil {
		return fmt.Errorf("%w: dedup window: %w", types.ErrInternalPipeline, err)
	}
	if !res.IsDuplicate {
		return nil
	}
	c.DuplicateOf = res.OriginalID
	c.FilterReason = fmt.Sprintf("duplicate of %s (similarity %.2f)", res.OriginalID, res.Similarity)
	if res.Exact {
		c.FilterReason = "exact duplicate of " + res.OriginalID
	}
	return o.filter(ctx, c)
}

func (o *Orchestrator) filter(ctx context.Context, c *types.Complaint) error {
	if err := transition(c, types.StatusFiltered); err != nil {
		return err
	}
	if err := o.persist(ctx, c); err != nil {
		return err
	}
	o.log.WithComplaint(c.ID).WithField("reason", c.FilterReason).Info("complaint filtered")
	return fmt.Errorf("%w: %s", types.ErrInputRejected, c.FilterReason)
}

func (o *Orchestrator) classify(c *types.Complaint) {
	r := o.d.Classifier.Classify(c.Entities, c.Keywords)
	c.ProblemType = r.Primary
	c.SecondaryTypes = r.Secondary
	c.Confidence = r.Confidence
	o.d.Metrics.Classified(string(r.Primary), r.Fallback)

	entry := o.log.WithComplaint(c.ID).
		WithField("problem_type", r.Primary).
		WithField("confidence", r.Confidence)
	if r.Fallback {
		entry.WithError(types.ErrClassificationLowConfidence).Info("falling back to general civic category")
		return
	}
	entry.Debug("classified")
}

func (o *Orchestrator) assess(c *types.Complaint) {
	a := urgency.Assess(urgency.Input{
		Entities:    c.Entities,
		ProblemType: c.ProblemType,
		Keywords:    c.Keywords,
	})
	c.UrgencyLevel = a.Level
	c.UrgencyReasoning = a.Reasoning
	o.log.WithComplaint(c.ID).
		WithField("urgency", a.Level).
		WithField("urgency_score", a.Score).
		Debug("urgency assessed")
}

func (o *Orchestrator) compose(ctx context.Context, c *types.Complaint) error {
	dept := o.d.Router.Route(c.ProblemType)
	rep := o.d.Composer.Compose(c, dept)

	c.Department = dept.Name
	c.Report = rep
	c.OfficialSummary = rep.OfficialSummary
	c.TrackingID = rep.TrackingID
	if err := transition(c, types.StatusReportGenerated); err != nil {
		return err
	}
	if err := o.persist(ctx, c); err != nil {
		return err
	}

	o.log.WithComplaint(c.ID).
		WithField("department", dept.Name).
		WithField("tracking_id", rep.TrackingID).
		WithField("simplified", rep.Simplified).
		Info("report generated")
	o.notify(ctx, notify.Notification{
		Kind:        notify.KindCitizenConfirmation,
		ComplaintID: c.ID,
		TrackingID:  rep.TrackingID,
		CitizenID:   c.CitizenID,
		Message:     rep.CitizenConfirmation,
	})
	return nil
}

// deliver submits the report. rounds is how many retry rounds the complaint
// has already been through.
func (o *Orchestrator) deliver(ctx context.Context, c *types.Complaint, rounds int) error {
	if c.Report == nil {
		return fmt.Errorf("%w: complaint has no report", types.ErrInternalPipeline)
	}
	wasQueued := c.Status == types.StatusQueued
	res := o.d.Submitter.Submit(ctx, c.Report)
	bg := context.WithoutCancel(ctx)

	switch res.Outcome {
	case types.OutcomeSuccess:
		if err := transition(c, types.StatusSubmitted); err != nil {
			return err
		}
		at := o.now().UTC()
		c.SubmittedAt = &at
		c.ErrorDetail = ""
		if err := o.persist(ctx, c); err != nil {
			return err
		}
		if wasQueued {
			if err := o.d.Queue.Remove(bg, c.ID); err != nil {
				o.log.WithComplaint(c.ID).WithError(err).Warn("could not remove delivered complaint from retry queue")
			}
		}
		o.log.WithComplaint(c.ID).WithField("reference_id", res.ReferenceID).Info("report submitted")
		return nil

	case types.OutcomeFailed:
		if err := transition(c, types.StatusFailed); err != nil {
			return err
		}
		c.ErrorDetail = errString(res.Err)
		if err := o.persist(ctx, c); err != nil {
			return err
		}
		if wasQueued {
			_ = o.d.Queue.Remove(bg, c.ID)
		}
		o.notify(ctx, notify.Notification{
			Kind:        notify.KindAdminAlert,
			ComplaintID: c.ID,
			TrackingID:  c.TrackingID,
			Message:     fmt.Sprintf("municipal system rejected complaint %s: %s", c.ID, c.ErrorDetail),
		})
		if errors.Is(res.Err, types.ErrIntegrationPermanent) {
			return res.Err
		}
		return fmt.Errorf("%w: %s", types.ErrIntegrationPermanent, c.ErrorDetail)

	default:
		c.ErrorDetail = errString(res.Err)
		if wasQueued {
			next := o.now().Add(o.retryDelay(rounds + 1))
			if err := o.d.Queue.Reschedule(bg, c.ID, next, c.ErrorDetail); err != nil {
				return err
			}
			if err := o.persist(ctx, c); err != nil {
				return err
			}
		} else {
			if err := transition(c, types.StatusQueued); err != nil {
				return err
			}
			if err := o.persist(ctx, c); err != nil {
				return err
			}
			if err := o.d.Queue.Enqueue(bg, storage.RetryItem{
				ComplaintID:   c.ID,
				NextAttemptAt: o.now().Add(o.retryDelay(0)),
				LastError:     c.ErrorDetail,
				EnqueuedAt:    o.now(),
			}); err != nil {
				return err
			}
		}
		o.log.WithComplaint(c.ID).
			WithField("attempts", res.Attempts).
			WithField("breaker_open", res.BreakerOpen).
			Warn("municipal delivery queued for retry")
		if errors.Is(res.Err, types.ErrIntegrationTransient) {
			return res.Err
		}
		return fmt.Errorf("%w: %s", types.ErrIntegrationTransient, c.ErrorDetail)
	}
}

// retryDelay doubles the base delay per completed round, capped at the max.
func (o *Orchestrator) retryDelay(rounds int) time.Duration {
	d := o.d.RetryBaseDelay
	for i := 0; i < rounds && d < o.d.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > o.d.RetryMaxDelay {
		d = o.d.RetryMaxDelay
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"civic-reports-go/internal/types"
)

// RetryDue is the retry driver: it redelivers QUEUED complaints whose next
// attempt is due. Nothing is attempted while the circuit breaker is open.
// It returns how many complaints left the queue.
func (o *Orchestrator) RetryDue(ctx context.Context, limit int) (int, error) {
	defer o.reportQueueDepth(ctx)

	if o.d.Submitter.BreakerOpen() {
		o.log.Debug("circuit breaker open; skipping retry round")
		return 0, nil
	}
	due, err := o.d.Queue.DueItems(ctx, o.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("load due retries: %w", err)
	}

	done := 0
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if o.d.Submitter.BreakerOpen() {
			break
		}
		ok, err := o.retryOne(ctx, item.ComplaintID, item.Attempts)
		if err != nil {
			o.log.WithComplaint(item.ComplaintID).WithError(err).Warn("retry round failed")
		}
		if ok {
			done++
		}
	}
	if len(due) > 0 {
		o.log.WithField("due", len(due)).WithField("resolved", done).Info("retry round finished")
	}
	return done, nil
}

func (o *Orchestrator) retryOne(ctx context.Context, id string, rounds int) (bool, error) {
	if !o.claim(id) {
		return false, nil
	}
	defer o.release(id)

	c, err := o.d.Store.GetComplaint(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return true, o.d.Queue.Remove(context.WithoutCancel(ctx), id)
	}
	if err != nil {
		return false, err
	}
	if c.Status != types.StatusQueued {
		// Delivered or failed by another path; the queue entry is stale.
		return true, o.d.Queue.Remove(context.WithoutCancel(ctx), id)
	}

	err = o.step(ctx, c, "retry", func() error { return o.deliver(ctx, c, rounds) })
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrIntegrationPermanent):
		return true, nil
	case errors.Is(err, types.ErrIntegrationTransient), isCancel(err):
		return false, nil
	default:
		return true, o.fail(ctx, c, err)
	}
}

func (o *Orchestrator) reportQueueDepth(ctx context.Context) {
	if o.d.Metrics == nil {
		return
	}
	n, err := o.d.Queue.QueueLength(context.WithoutCancel(ctx))
	if err != nil {
		o.log.WithError(err).Debug("could not read retry queue length")
		return
	}
	o.d.Metrics.QueueDepth(n)
}

// Guidance is the citizen-facing explanation for a FILTERED complaint.
func (o *Orchestrator) Guidance(c *types.Complaint) string {
	if c.DuplicateOf != "" {
		return "We already received a very similar report from you recently and it is being handled. " +
			"There is no need to submit it again."
	}
	msg := "We could not accept this report. Please describe the civic problem, where it is, " +
		"and how long it has been happening, using respectful language."
	if len(c.SafetyReasons) > 0 {
		msg += " (" + strings.Join(c.SafetyReasons, "; ") + ")"
	}
	return msg
}

// AlternativeContact is offered when the pipeline cannot take a complaint.
func (o *Orchestrator) AlternativeContact() string {
	g := o.d.Router.Mapping().General
	parts := []string{g.Name}
	if g.Contact.Phone != "" {
		parts = append(parts, "phone "+g.Contact.Phone)
	}
	if g.Contact.Email != "" {
		parts = append(parts, "email "+g.Contact.Email)
	}
	return "Please contact " + strings.Join(parts, ", ")
}

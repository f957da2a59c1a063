// Package submitter hands finished reports to the municipal system with
// bounded retries, a per-attempt audit trail and a circuit breaker.
package submitter

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/metrics"
	"civic-reports-go/internal/types"
)

// ErrBreakerOpen is reported when the breaker refused the attempt.
var ErrBreakerOpen = errors.New("municipal endpoint suspended by circuit breaker")

// AuditLog is the append-only store of submission attempts.
type AuditLog interface {
	AppendAudit(ctx context.Context, r types.AuditRecord) error
	CountAudit(ctx context.Context, complaintID string) (int, error)
}

type Options struct {
	Name             string
	MaxAttempts      int
	AttemptTimeout   time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RequestsPerSec   float64
	FailureThreshold int
	Cooldown         time.Duration
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "municipal"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = o.MaxAttempts
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 2 * time.Minute
	}
}

// Result summarizes one Submit call.
type Result struct {
	Outcome     types.SubmissionOutcome
	Attempts    int
	ReferenceID string
	BreakerOpen bool
	Err         error
}

// Submitter is safe for concurrent use. The breaker and limiter are shared by
// every complaint sent to the same endpoint.
type Submitter struct {
	client  Client
	audit   AuditLog
	opts    Options
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(client Client, audit AuditLog, opts Options, log *logger.Logger, m *metrics.Metrics) *Submitter {
	opts.defaults()
	s := &Submitter{
		client:  client,
		audit:   audit,
		opts:    opts,
		log:     log.Component("submitter"),
		metrics: m,
		now:     time.Now,
	}

	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	s.limiter = rate.NewLimiter(limit, 1)

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int(c.ConsecutiveFailures) >= opts.FailureThreshold
		},
		// Only transient failures say anything about endpoint health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, types.ErrIntegrationTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.WithField("endpoint", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("circuit breaker state changed")
			s.metrics.Breaker(name, breakerGauge(to))
		},
	})
	s.metrics.Breaker(opts.Name, 0)
	return s
}

func breakerGauge(st gobreaker.State) int {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// BreakerOpen reports whether new attempts are currently suspended.
func (s *Submitter) BreakerOpen() bool {
	return s.breaker.State() == gobreaker.StateOpen
}

func (s *Submitter) BreakerState() string {
	return s.breaker.State().String()
}

// Submit delivers rep. Transient failures are retried with exponential
// backoff up to MaxAttempts; each attempt made is audited. The outcome is
// SUCCESS, FAILED for a permanent rejection, or QUEUED when attempts run out,
// the breaker is open or ctx ends.
func (s *Submitter) Submit(ctx context.Context, rep *types.StructuredReport) Result {
	log := s.log.WithComplaint(rep.ComplaintID)

	prior, err := s.audit.CountAudit(ctx, rep.ComplaintID)
	if err != nil {
		log.WithError(err).Warn("could not read prior attempts; numbering from 1")
		prior = 0
	}

	res := Result{Outcome: types.OutcomeQueued}
	attempt := prior

	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
		out, err := s.breaker.Execute(func() (interface{}, error) {
			return s.client.Submit(attemptCtx, rep)
		})
		cancel()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			res.BreakerOpen = true
			return backoff.Permanent(ErrBreakerOpen)
		}

		attempt++
		res.Attempts++
		rec := types.AuditRecord{ComplaintID: rep.ComplaintID, Attempt: attempt, Timestamp: s.now().UTC()}
		switch {
		case err == nil:
			rec.Outcome = types.OutcomeSuccess
			if r, ok := out.(Receipt); ok {
				res.ReferenceID = r.ReferenceID
			}
		case errors.Is(err, types.ErrIntegrationTransient):
			rec.Outcome = types.OutcomeQueued
			rec.Error = err.Error()
		default:
			rec.Outcome = types.OutcomeFailed
			rec.Error = err.Error()
		}
		s.record(ctx, rec)

		if err != nil && !errors.Is(err, types.ErrIntegrationTransient) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.InitialBackoff
	bo.MaxInterval = s.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.opts.MaxAttempts-1)), ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("municipal submission failed; retrying")
	})

	switch {
	case err == nil:
		res.Outcome = types.OutcomeSuccess
	case errors.Is(err, types.ErrIntegrationPermanent):
		res.Outcome = types.OutcomeFailed
		res.Err = err
	default:
		res.Outcome = types.OutcomeQueued
		res.Err = err
	}

	log.WithField("outcome", res.Outcome).
		WithField("attempts", res.Attempts).
		WithField("breaker", s.breaker.State().String()).
		Info("municipal submission finished")
	return res
}

func (s *Submitter) record(ctx context.Context, rec types.AuditRecord) {
	s.metrics.Submission(string(rec.Outcome))
	// The audit write must survive a cancelled submission context.
	if err := s.audit.AppendAudit(context.WithoutCancel(ctx), rec); err != nil {
		s.log.WithComplaint(rec.ComplaintID).WithError(err).
			WithField("attempt", rec.Attempt).
			Error("failed to append audit record")
	}
}

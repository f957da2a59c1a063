package pipeline

import (
	"context"
	"errors"
	"sync"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/types"
)

// DeliveryPool delivers REPORT_GENERATED complaints in the background so the
// citizen's confirmation never waits on the municipal system.
type DeliveryPool struct {
	orch    *Orchestrator
	workers int
	log     *logger.Logger

	mu     sync.RWMutex
	ch     chan string
	closed bool
	wg     sync.WaitGroup
}

func NewDeliveryPool(o *Orchestrator, workers, size int) *DeliveryPool {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 64
	}
	return &DeliveryPool{
		orch:    o,
		workers: workers,
		log:     o.d.Log.Component("delivery"),
		ch:      make(chan string, size),
	}
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (p *DeliveryPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-p.ch:
					if !ok {
						return
					}
					p.deliver(ctx, worker, id)
				}
			}
		}(i)
	}
}

func (p *DeliveryPool) deliver(ctx context.Context, worker int, id string) {
	c, err := p.orch.Deliver(ctx, id)
	entry := p.log.WithComplaint(id).WithField("worker", worker)
	switch {
	case err == nil:
		entry.WithField("status", c.Status).Debug("delivery finished")
	case errors.Is(err, types.ErrIntegrationTransient):
		entry.Info("delivery queued for retry")
	case errors.Is(err, types.ErrIntegrationPermanent):
		entry.WithError(err).Warn("delivery rejected by municipal system")
	default:
		entry.WithError(err).Error("delivery failed")
	}
}

// Dispatch hands id to a worker without blocking. It returns false when the
// pool is full or stopped.
func (p *DeliveryPool) Dispatch(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.ch <- id:
		return true
	default:
		return false
	}
}

// Submit dispatches id, parking it in the retry queue when the pool cannot
// take it.
func (p *DeliveryPool) Submit(ctx context.Context, id string) error {
	if p.Dispatch(id) {
		return nil
	}
	p.log.WithComplaint(id).Warn("delivery pool saturated; queueing for retry")
	return p.orch.QueueForRetry(ctx, id, "delivery deferred: worker pool saturated")
}

// Stop closes the pool and waits for in-flight deliveries.
func (p *DeliveryPool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

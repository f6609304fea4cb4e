package matcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/accessible-dispatch/internal/observability"
)

// RematchResult describes what happened to an order after its offer was
// declined, timed out or dropped by the driver.
type RematchResult struct {
	OrderID    string      `json:"order_id"`
	Triggered  bool        `json:"triggered"`
	Queued     bool        `json:"queued,omitempty"`
	Parked     bool        `json:"parked,omitempty"`
	Assignment *Assignment `json:"assignment,omitempty"`
	Failure    string      `json:"failure,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Requeuer hands an order to an asynchronous rematch. Enqueue reports false
// when the order could not be queued; the caller then rematches inline.
type Requeuer interface {
	Enqueue(orderID string) bool
}

func (s *Service) scheduleRematch(ctx context.Context, orderID string) RematchResult {
	if s.Requeue != nil && s.Requeue.Enqueue(orderID) {
		return RematchResult{OrderID: orderID, Triggered: true, Queued: true}
	}
	return s.Rematch(ctx, orderID)
}

// Rematch runs one AssignOrder for the order unless it has already received
// MaxRematchAttempts offers, in which case it is parked in ACTIVE_QUEUE.
func (s *Service) Rematch(ctx context.Context, orderID string) RematchResult {
	res := RematchResult{OrderID: orderID, Triggered: true}
	offers, err := s.Store.OffersForOrder(ctx, orderID)
	if err != nil {
		res.Failure, res.Error = FailureReason(err), err.Error()
		return res
	}
	if len(offers) >= s.maxRematch() {
		reason := fmt.Sprintf("rematch limit reached after %d offers", len(offers))
		if err := s.park(ctx, orderID, reason); err != nil {
			res.Failure, res.Error = FailureReason(err), err.Error()
			return res
		}
		s.log().Info("order parked", "order_id", orderID, "offers", len(offers))
		res.Parked = true
		return res
	}
	a, err := s.AssignOrder(ctx, orderID)
	if err != nil {
		s.log().Info("rematch did not produce an offer", "order_id", orderID, "error", err)
		res.Failure, res.Error = FailureReason(err), err.Error()
		return res
	}
	res.Assignment = &a
	return res
}

// RematchQueue runs rematches on a fixed pool of workers.
type RematchQueue struct {
	svc     *Service
	jobs    chan string
	workers int
	wg      sync.WaitGroup
	once    sync.Once
}

func NewRematchQueue(svc *Service, workers, buffer int) *RematchQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &RematchQueue{svc: svc, jobs: make(chan string, buffer), workers: workers}
}

// Enqueue never blocks; a full queue reports false.
func (q *RematchQueue) Enqueue(orderID string) bool {
	select {
	case q.jobs <- orderID:
		observability.RematchQueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (q *RematchQueue) Start(ctx context.Context) {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.run(ctx)
		}
	})
}

// Wait blocks until every worker has exited.
func (q *RematchQueue) Wait() { q.wg.Wait() }

func (q *RematchQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			observability.RematchQueueDepth.Dec()
			res := q.svc.Rematch(ctx, id)
			if res.Assignment != nil {
				q.svc.log().Info("rematched", "order_id", id, "driver_id", res.Assignment.DriverID)
			}
		}
	}
}

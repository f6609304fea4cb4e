// Package matcher is the dispatch engine: it filters, ranks and scores
// drivers for an order, runs the offer protocol and drives the order and
// driver lifecycles.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/accessible-dispatch/internal/clock"
	"github.com/example/accessible-dispatch/internal/eta"
	"github.com/example/accessible-dispatch/internal/geo"
	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/storage"
)

// Notifier pushes events to a driver's device.
type Notifier interface {
	Notify(ctx context.Context, driverID string, ev models.DispatchEvent) error
}

// Publisher writes events to the dispatch event stream.
type Publisher interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

type Service struct {
	Store   storage.Store
	Router  eta.Router
	Regions geo.RegionResolver
	Clock   clock.Clock

	Notifier Notifier  // optional
	Events   Publisher // optional
	Logger   *slog.Logger

	// RouteTimeout bounds each per-candidate routing call.
	RouteTimeout time.Duration
	// RouteConcurrency caps in-flight routing calls per ranking.
	RouteConcurrency int
	// MaxRematchAttempts is the number of offers an order may receive before
	// rematching parks it in ACTIVE_QUEUE.
	MaxRematchAttempts int
	// Requeue schedules rematches after decline/timeout. Nil rematches inline.
	Requeue Requeuer

	NewID func() string
}

const (
	defaultRouteTimeout     = 2 * time.Second
	defaultRouteConcurrency = 8
	defaultMaxRematch       = 10
)

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) routeTimeout() time.Duration {
	if s.RouteTimeout <= 0 {
		return defaultRouteTimeout
	}
	return s.RouteTimeout
}

func (s *Service) routeConcurrency() int {
	if s.RouteConcurrency <= 0 {
		return defaultRouteConcurrency
	}
	return s.RouteConcurrency
}

func (s *Service) maxRematch() int {
	if s.MaxRematchAttempts <= 0 {
		return defaultMaxRematch
	}
	return s.MaxRematchAttempts
}

// outbox collects events inside a transaction; they are emitted only after
// the transaction commits.
type outbox struct {
	events []models.DispatchEvent
}

func (o *outbox) add(ev models.DispatchEvent) {
	o.events = append(o.events, ev)
}

// emit notifies drivers and publishes events. Failures are logged and never
// affect committed state.
func (s *Service) emit(ctx context.Context, box *outbox) {
	for _, ev := range box.events {
		if ev.ID == "" {
			ev.ID = s.newID()
		}
		if s.Notifier != nil && ev.NotifiesDriver() {
			if err := s.Notifier.Notify(ctx, ev.DriverID, ev); err != nil {
				s.log().Warn("driver notification failed", "driver_id", ev.DriverID, "order_id", ev.OrderID, "type", ev.Type, "error", err)
			}
		}
		if s.Events != nil {
			if err := s.Events.Publish(ctx, ev); err != nil {
				s.log().Warn("event publish failed", "order_id", ev.OrderID, "type", ev.Type, "error", err)
			}
		}
	}
}

// transitionOrder applies an order transition and appends its audit event.
func (s *Service) transitionOrder(ctx context.Context, tx storage.Tx, o *models.Order, to models.OrderState, reason string, now time.Time) error {
	ev, err := o.Transition(to, now)
	if err != nil {
		return err
	}
	ev.ID = s.newID()
	ev.Reason = reason
	if err := tx.SaveOrder(ctx, o); err != nil {
		return err
	}
	return tx.AppendOrderEvent(ctx, ev)
}

// loadStats returns the driver's statistics rolled to now, creating a fresh
// row when none exists yet.
func loadStats(ctx context.Context, tx storage.Tx, driverID string, now time.Time) (*models.DriverStatistics, error) {
	st, err := tx.Stats(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewDriverStatistics(driverID, now), nil
	}
	if err != nil {
		return nil, err
	}
	st.Roll(now)
	return st, nil
}

package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/storage"
)

// NewOrder is a passenger's ride request before it enters the lifecycle.
type NewOrder struct {
	PassengerID     string          `json:"passenger_id"`
	PassengerRegion models.RegionID `json:"passenger_region"`
	Pickup          models.Coord    `json:"pickup"`
	PickupLabel     string          `json:"pickup_label"`
	Dropoff         models.Coord    `json:"dropoff"`
	DropoffLabel    string          `json:"dropoff_label"`
	NeedsCompanion  bool            `json:"needs_companion"`
	PickupAt        time.Time       `json:"pickup_at"`
}

// CreateOrder stores a DRAFT order.
func (s *Service) CreateOrder(ctx context.Context, in NewOrder) (models.Order, error) {
	if strings.TrimSpace(in.PassengerID) == "" {
		return models.Order{}, fmt.Errorf("%w: passenger_id is required", ErrInvalidInput)
	}
	if !in.Pickup.Valid() || !in.Dropoff.Valid() {
		return models.Order{}, fmt.Errorf("%w: pickup and dropoff coordinates are required", ErrInvalidInput)
	}
	now := s.now()
	o := models.Order{
		ID:              s.newID(),
		PassengerID:     in.PassengerID,
		PassengerRegion: in.PassengerRegion,
		Pickup:          in.Pickup,
		PickupLabel:     in.PickupLabel,
		Dropoff:         in.Dropoff,
		DropoffLabel:    in.DropoffLabel,
		NeedsCompanion:  in.NeedsCompanion,
		PickupAt:        in.PickupAt,
		State:           models.OrderDraft,
		CreatedAt:       now,
	}
	if o.PickupAt.IsZero() {
		o.PickupAt = now
	}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SaveOrder(ctx, &o)
	})
	if err != nil {
		return models.Order{}, err
	}
	return o, nil
}

type orderHook func(ctx context.Context, tx storage.Tx, o *models.Order, now time.Time) error

// moveOrder runs one validated order transition in its own transaction.
// before runs ahead of the transition and may veto it; after runs once the
// order is saved.
func (s *Service) moveOrder(ctx context.Context, orderID string, to models.OrderState, reason string, before, after orderHook) (models.Order, error) {
	var out models.Order
	box := &outbox{}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		now := s.now()
		if before != nil {
			if err := before(ctx, tx, o, now); err != nil {
				return err
			}
		}
		if err := s.transitionOrder(ctx, tx, o, to, reason, now); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, tx, o, now); err != nil {
				return err
			}
		}
		box.add(models.DispatchEvent{Type: models.EventOrderState, OrderID: o.ID, DriverID: o.DriverID, State: o.State, Reason: reason, At: now})
		out = *o
		return nil
	})
	if err != nil {
		return models.Order{}, err
	}
	s.emit(ctx, box)
	return out, nil
}

func (s *Service) SubmitOrder(ctx context.Context, orderID string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderSubmitted, "submitted by passenger", nil, nil)
}

// RouteForDispatcher sends a submitted order to manual review.
func (s *Service) RouteForDispatcher(ctx context.Context, orderID, reason string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderAwaitingDispatcherDecision, reason, nil, nil)
}

func (s *Service) ApproveOrder(ctx context.Context, orderID string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderCreated, "approved", nil, nil)
}

func (s *Service) RejectOrder(ctx context.Context, orderID, reason string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderRejected, reason, nil, nil)
}

func (s *Service) StartPickup(ctx context.Context, orderID string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderDriverEnRoute, "driver en route", nil, nil)
}

func (s *Service) ArriveAtPickup(ctx context.Context, orderID string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderArrivedWaiting, "driver arrived", nil, nil)
}

// StartRide puts the passenger on board; the driver moves to ON_TRIP.
func (s *Service) StartRide(ctx context.Context, orderID string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderRideOngoing, "passenger on board", nil, s.driverTo(models.DriverOnTrip))
}

// CompleteRide finishes the ride and frees the driver.
func (s *Service) CompleteRide(ctx context.Context, orderID string) (models.Order, error) {
	return s.moveOrder(ctx, orderID, models.OrderCompleted, "ride completed", nil, s.driverTo(models.DriverOnlineIdle))
}

// MarkNoShow is allowed once the driver has waited NoShowWait at pickup.
func (s *Service) MarkNoShow(ctx context.Context, orderID string) (models.Order, error) {
	before := func(ctx context.Context, tx storage.Tx, o *models.Order, now time.Time) error {
		if o.State != models.OrderArrivedWaiting || o.ArrivedAt == nil {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.State)
		}
		if waited := now.Sub(*o.ArrivedAt); waited < models.NoShowWait {
			return fmt.Errorf("%w: order %s waited %s of %s", ErrInvalidTransition, o.ID, waited.Round(time.Second), models.NoShowWait)
		}
		return nil
	}
	after := func(ctx context.Context, tx storage.Tx, o *models.Order, now time.Time) error {
		if o.DriverID == "" {
			return nil
		}
		st, err := loadStats(ctx, tx, o.DriverID, now)
		if err != nil {
			return err
		}
		st.RecordNoShow(now)
		if err := tx.SaveStats(ctx, st); err != nil {
			return err
		}
		return s.driverTo(models.DriverOnlineIdle)(ctx, tx, o, now)
	}
	return s.moveOrder(ctx, orderID, models.OrderNoShow, "passenger no-show", before, after)
}

func (s *Service) ReportIncident(ctx context.Context, orderID, reason string) (models.Order, error) {
	if reason == "" {
		reason = "incident reported"
	}
	return s.moveOrder(ctx, orderID, models.OrderIncident, reason, nil, nil)
}

// driverTo moves the order's driver along with the order. A driver that is no
// longer bound to this order, or already in the target state, is left alone.
func (s *Service) driverTo(to models.DriverState) orderHook {
	return func(ctx context.Context, tx storage.Tx, o *models.Order, now time.Time) error {
		d, err := servingDriver(ctx, tx, o)
		if err != nil || d == nil || d.State == to {
			return err
		}
		if err := d.Transition(to, now); err != nil {
			return err
		}
		return tx.SaveDriver(ctx, d)
	}
}

// servingDriver returns the order's driver if it is still serving this order.
// A driver freed by a no-show, or one that went offline and picked up other
// work, yields nil.
func servingDriver(ctx context.Context, tx storage.Tx, o *models.Order) (*models.Driver, error) {
	if o.DriverID == "" {
		return nil, nil
	}
	d, err := tx.Driver(ctx, o.DriverID)
	if err != nil {
		return nil, storeErr(err, "driver", o.DriverID)
	}
	if !d.Serving(o.ID) {
		return nil, nil
	}
	return d, nil
}

// CancelOrder cancels on behalf of the passenger or a dispatcher. Pending
// offers are forced to timeout and every involved driver is freed.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (models.Order, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var out models.Order
	box := &outbox{}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		if !models.CanTransitionOrder(o.State, models.OrderCancelled) {
			return fmt.Errorf("%w: order %s cannot be cancelled from %s", ErrInvalidTransition, o.ID, o.State)
		}
		now := s.now()
		pending, err := tx.PendingOffersForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		for i := range pending {
			if err := s.withdrawOffer(ctx, tx, &pending[i], "order cancelled", now, box); err != nil {
				return err
			}
		}
		if err := s.driverTo(models.DriverOnlineIdle)(ctx, tx, o, now); err != nil {
			return err
		}
		if err := s.transitionOrder(ctx, tx, o, models.OrderCancelled, reason, now); err != nil {
			return err
		}
		box.add(models.DispatchEvent{Type: models.EventOrderCancelled, OrderID: o.ID, DriverID: o.DriverID, State: o.State, Reason: reason, At: now})
		out = *o
		return nil
	})
	if err != nil {
		return models.Order{}, err
	}
	s.emit(ctx, box)
	return out, nil
}

// DriverCancel drops an accepted order on the driver's side. The driver's
// cancellation is counted and the order goes back to matching.
func (s *Service) DriverCancel(ctx context.Context, orderID, reason string) (RematchResult, error) {
	if reason == "" {
		reason = "driver cancelled"
	}
	box := &outbox{}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		if o.DriverID == "" || !models.CanTransitionOrder(o.State, models.OrderMatching) {
			return fmt.Errorf("%w: order %s has no driver to release in %s", ErrInvalidTransition, o.ID, o.State)
		}
		now := s.now()
		driverID := o.DriverID
		st, err := loadStats(ctx, tx, driverID, now)
		if err != nil {
			return err
		}
		st.RecordCancellation(now)
		if err := tx.SaveStats(ctx, st); err != nil {
			return err
		}
		if err := s.driverTo(models.DriverOnlineIdle)(ctx, tx, o, now); err != nil {
			return err
		}
		o.DriverID = ""
		o.AssignReason = ""
		if err := s.transitionOrder(ctx, tx, o, models.OrderMatching, fmt.Sprintf("%s (%s)", reason, driverID), now); err != nil {
			return err
		}
		box.add(models.DispatchEvent{Type: models.EventOrderState, OrderID: o.ID, DriverID: driverID, State: o.State, Reason: reason, At: now})
		return nil
	})
	if err != nil {
		return RematchResult{}, err
	}
	s.emit(ctx, box)
	return s.scheduleRematch(ctx, orderID), nil
}

// OrderDetails is an order with its offers and audit trail.
type OrderDetails struct {
	Order  models.Order        `json:"order"`
	Offers []models.Offer      `json:"offers"`
	Events []models.OrderEvent `json:"events"`
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (OrderDetails, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderDetails{}, storeErr(err, "order", orderID)
	}
	offers, err := s.Store.OffersForOrder(ctx, orderID)
	if err != nil {
		return OrderDetails{}, err
	}
	events, err := s.Store.OrderEvents(ctx, orderID)
	if err != nil {
		return OrderDetails{}, err
	}
	return OrderDetails{Order: *o, Offers: offers, Events: events}, nil
}

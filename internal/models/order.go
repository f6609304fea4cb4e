package models

import (
	"fmt"
	"time"
)

type OrderState string

const (
	OrderDraft                      OrderState = "DRAFT"
	OrderSubmitted                  OrderState = "SUBMITTED"
	OrderAwaitingDispatcherDecision OrderState = "AWAITING_DISPATCHER_DECISION"
	OrderRejected                   OrderState = "REJECTED"
	OrderCreated                    OrderState = "CREATED"
	OrderMatching                   OrderState = "MATCHING"
	OrderActiveQueue                OrderState = "ACTIVE_QUEUE"
	OrderOffered                    OrderState = "OFFERED"
	OrderAssigned                   OrderState = "ASSIGNED"
	OrderDriverEnRoute              OrderState = "DRIVER_EN_ROUTE"
	OrderArrivedWaiting             OrderState = "ARRIVED_WAITING"
	OrderNoShow                     OrderState = "NO_SHOW"
	OrderRideOngoing                OrderState = "RIDE_ONGOING"
	OrderCompleted                  OrderState = "COMPLETED"
	OrderCancelled                  OrderState = "CANCELLED"
	OrderIncident                   OrderState = "INCIDENT"
)

// NoShowWait is how long a driver waits at pickup before the order may be
// marked NO_SHOW.
const NoShowWait = 20 * time.Minute

// OrderTransitions is the order lifecycle as code. Any pair not listed here is
// rejected.
var OrderTransitions = map[OrderState][]OrderState{
	OrderDraft:                      {OrderSubmitted, OrderCancelled},
	OrderSubmitted:                  {OrderAwaitingDispatcherDecision, OrderCreated, OrderMatching, OrderRejected, OrderCancelled},
	OrderAwaitingDispatcherDecision: {OrderCreated, OrderMatching, OrderRejected, OrderCancelled},
	OrderRejected:                   {OrderCancelled},
	OrderCreated:                    {OrderMatching, OrderActiveQueue, OrderCancelled},
	OrderMatching:                   {OrderOffered, OrderActiveQueue, OrderCancelled},
	OrderActiveQueue:                {OrderMatching, OrderCancelled},
	OrderOffered:                    {OrderAssigned, OrderMatching, OrderCancelled},
	OrderAssigned:                   {OrderDriverEnRoute, OrderMatching, OrderIncident, OrderCancelled},
	OrderDriverEnRoute:              {OrderArrivedWaiting, OrderMatching, OrderIncident, OrderCancelled},
	OrderArrivedWaiting:             {OrderRideOngoing, OrderNoShow, OrderIncident, OrderCancelled},
	OrderNoShow:                     {OrderCancelled},
	OrderRideOngoing:                {OrderCompleted, OrderIncident},
	OrderIncident:                   {OrderCompleted, OrderCancelled},
}

func CanTransitionOrder(from, to OrderState) bool {
	for _, s := range OrderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions or offers are allowed.
func (s OrderState) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Assignable reports whether AssignOrder may run for an order in this state.
func (s OrderState) Assignable() bool {
	return s == OrderCreated || s == OrderMatching || s == OrderActiveQueue
}

type Order struct {
	ID              string     `json:"id"`
	PassengerID     string     `json:"passenger_id"`
	PassengerRegion RegionID   `json:"passenger_region,omitempty"`
	Region          RegionID   `json:"region,omitempty"`
	Pickup          Coord      `json:"pickup"`
	PickupLabel     string     `json:"pickup_label"`
	Dropoff         Coord      `json:"dropoff"`
	DropoffLabel    string     `json:"dropoff_label"`
	NeedsCompanion  bool       `json:"needs_companion"`
	PickupAt        time.Time  `json:"pickup_at"`
	State           OrderState `json:"state"`
	Version         int        `json:"version"`
	DriverID        string     `json:"driver_id,omitempty"`
	AssignReason    string     `json:"assign_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	ArrivedAt       *time.Time `json:"arrived_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// SeatsNeeded is 2 when a companion rides along, otherwise 1.
func (o *Order) SeatsNeeded() int {
	if o.NeedsCompanion {
		return 2
	}
	return 1
}

// OrderEvent is the append-only audit record written for every transition.
type OrderEvent struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"order_id"`
	From      OrderState `json:"from"`
	To        OrderState `json:"to"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
}

// Transition moves the order to the next state, stamping assigned_at and
// completed_at on first entry. The order is left untouched on error.
func (o *Order) Transition(to OrderState, now time.Time) (OrderEvent, error) {
	if !CanTransitionOrder(o.State, to) {
		return OrderEvent{}, fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, o.ID, o.State, to)
	}
	ev := OrderEvent{OrderID: o.ID, From: o.State, To: to, CreatedAt: now}
	o.State = to
	o.Version++
	switch to {
	case OrderAssigned:
		if o.AssignedAt == nil {
			t := now
			o.AssignedAt = &t
		}
	case OrderArrivedWaiting:
		t := now
		o.ArrivedAt = &t
	case OrderCompleted:
		if o.CompletedAt == nil {
			t := now
			o.CompletedAt = &t
		}
	}
	return ev, nil
}

package models

import "time"

const (
	EventOfferCreated   = "offer.created"
	EventOfferAccepted  = "offer.accepted"
	EventOfferDeclined  = "offer.declined"
	EventOfferExpired   = "offer.expired"
	EventOfferWithdrawn = "offer.withdrawn"
	EventOrderQueued    = "order.queued"
	EventOrderCancelled = "order.cancelled"
	EventOrderState     = "order.state_changed"
)

// DispatchEvent is what the engine emits after a committed change. It is
// both the driver notification payload and the record published to the
// event stream.
type DispatchEvent struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	OrderID     string     `json:"order_id"`
	OfferID     string     `json:"offer_id,omitempty"`
	DriverID    string     `json:"driver_id,omitempty"`
	State       OrderState `json:"state,omitempty"`
	ETASeconds  float64    `json:"eta_seconds,omitempty"`
	PickupLabel string     `json:"pickup_label,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	At          time.Time  `json:"at"`
}

// NotifiesDriver reports whether the event should be pushed to DriverID.
func (e DispatchEvent) NotifiesDriver() bool {
	if e.DriverID == "" {
		return false
	}
	switch e.Type {
	case EventOfferCreated, EventOfferWithdrawn, EventOrderCancelled:
		return true
	}
	return false
}

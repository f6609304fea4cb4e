package models

import "time"

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferTimeout  OfferStatus = "timeout"
)

// Offer is a time-boxed proposal of one order to one driver. Offers are never
// deleted.
type Offer struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	DriverID    string      `json:"driver_id"`
	Status      OfferStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	ETASeconds  float64     `json:"eta_seconds"`
	DistanceKm  float64     `json:"distance_km"`
	Cost        float64     `json:"cost"`
	Reason      string      `json:"reason"`
}

func (o *Offer) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Resolve moves a pending offer to a terminal status. It reports false when
// the offer was already resolved.
func (o *Offer) Resolve(status OfferStatus, now time.Time) bool {
	if o.Status != OfferPending || status == OfferPending {
		return false
	}
	t := now
	o.Status = status
	o.RespondedAt = &t
	return true
}

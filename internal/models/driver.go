package models

import (
	"fmt"
	"time"
)

type DriverState string

const (
	DriverOffline         DriverState = "OFFLINE"
	DriverOnlineIdle      DriverState = "ONLINE_IDLE"
	DriverOffered         DriverState = "OFFERED"
	DriverEnrouteToPickup DriverState = "ENROUTE_TO_PICKUP"
	DriverOnTrip          DriverState = "ON_TRIP"
	DriverPaused          DriverState = "PAUSED"
)

// DriverTransitions covers the validated driver moves. Going online or
// offline bypasses this table.
var DriverTransitions = map[DriverState][]DriverState{
	DriverOnlineIdle:      {DriverOffered, DriverPaused},
	DriverPaused:          {DriverOnlineIdle, DriverOffered},
	DriverOffered:         {DriverOnlineIdle, DriverEnrouteToPickup},
	DriverEnrouteToPickup: {DriverOnTrip, DriverOnlineIdle},
	DriverOnTrip:          {DriverOnlineIdle},
}

func CanTransitionDriver(from, to DriverState) bool {
	for _, s := range DriverTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Driver struct {
	ID        string      `json:"id"`
	Region    RegionID    `json:"region"`
	Capacity  int         `json:"capacity"`
	Online    bool        `json:"online"`
	State     DriverState `json:"state"`
	Position  *Fix        `json:"position,omitempty"`
	Rating    float64     `json:"rating"` // 0..5
	IdleSince *time.Time  `json:"idle_since,omitempty"`
	// OrderID is the order the driver is serving while ENROUTE_TO_PICKUP or
	// ON_TRIP. Empty otherwise.
	OrderID string `json:"order_id,omitempty"`
	Version int    `json:"version"`
}

// Available reports whether the driver may receive a new offer.
func (d *Driver) Available() bool {
	return d.Online && (d.State == DriverOnlineIdle || d.State == DriverPaused)
}

// Transition applies a validated state change. Returning to ONLINE_IDLE
// stamps idle-since; leaving it clears idle-since when heading to a pickup.
func (d *Driver) Transition(to DriverState, now time.Time) error {
	if !CanTransitionDriver(d.State, to) {
		return fmt.Errorf("%w: driver %s %s -> %s", ErrInvalidTransition, d.ID, d.State, to)
	}
	d.State = to
	d.Version++
	switch to {
	case DriverOnlineIdle:
		t := now
		d.IdleSince = &t
		d.OrderID = ""
	case DriverEnrouteToPickup, DriverOnTrip:
		d.IdleSince = nil
	}
	return nil
}

// Serve moves an offered driver to ENROUTE_TO_PICKUP for orderID.
func (d *Driver) Serve(orderID string, now time.Time) error {
	if err := d.Transition(DriverEnrouteToPickup, now); err != nil {
		return err
	}
	d.OrderID = orderID
	return nil
}

// Serving reports whether the driver is online and still bound to orderID.
func (d *Driver) Serving(orderID string) bool {
	return d.Online && orderID != "" && d.OrderID == orderID
}

// GoOnline always lands in ONLINE_IDLE.
func (d *Driver) GoOnline(now time.Time) {
	t := now
	d.Online = true
	d.State = DriverOnlineIdle
	d.IdleSince = &t
	d.OrderID = ""
	d.Version++
}

// GoOffline is a safety override and ignores the current state.
func (d *Driver) GoOffline() {
	d.Online = false
	d.State = DriverOffline
	d.IdleSince = nil
	d.OrderID = ""
	d.Version++
}

// FixFresh reports whether the last position is no older than maxAge.
func (d *Driver) FixFresh(now time.Time, maxAge time.Duration) bool {
	if d.Position == nil || d.Position.At.IsZero() {
		return false
	}
	return now.Sub(d.Position.At) <= maxAge
}

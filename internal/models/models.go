package models

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a lifecycle change is not in the
// transition table for the entity.
var ErrInvalidTransition = errors.New("invalid state transition")

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside WGS84 bounds and is not the
// zero value that clients send when GPS is unavailable.
func (c Coord) Valid() bool {
	if c.Lat == 0 && c.Lon == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// RegionID identifies a dispatch region. Drivers only serve orders whose
// region matches their own.
type RegionID string

// Fix is a timestamped GPS position.
type Fix struct {
	Coord
	At time.Time `json:"at"`
}

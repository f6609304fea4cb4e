package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
)

var ErrInvalidLocation = errors.New("invalid location message")

// LocationUpdate is the payload of a driver location message.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	At       time.Time `json:"at"`
}

func (u LocationUpdate) Fix() models.Fix {
	return models.Fix{Coord: models.Coord{Lat: u.Lat, Lon: u.Lon}, At: u.At}
}

// DecodeLocation parses and validates a location message. A missing
// timestamp is filled with received.
func DecodeLocation(b []byte, received time.Time) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if u.DriverID == "" {
		return u, fmt.Errorf("%w: missing driver_id", ErrInvalidLocation)
	}
	if !(models.Coord{Lat: u.Lat, Lon: u.Lon}).Valid() {
		return u, fmt.Errorf("%w: coordinates out of range", ErrInvalidLocation)
	}
	if u.At.IsZero() {
		u.At = received
	}
	return u, nil
}

package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/observability"
	"github.com/example/accessible-dispatch/internal/storage"
)

// DriverProfile is the administered part of a driver record.
type DriverProfile struct {
	ID       string          `json:"id"`
	Region   models.RegionID `json:"region"`
	Capacity int             `json:"capacity"`
	Rating   float64         `json:"rating"`
}

// RegisterDriver creates or updates a driver's profile. A new driver starts
// OFFLINE with fresh statistics; runtime state of an existing one is kept.
func (s *Service) RegisterDriver(ctx context.Context, p DriverProfile) (models.Driver, error) {
	if strings.TrimSpace(p.ID) == "" {
		return models.Driver{}, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	if p.Capacity < 1 {
		return models.Driver{}, fmt.Errorf("%w: capacity must be at least 1", ErrInvalidInput)
	}
	if p.Rating < 0 || p.Rating > 5 {
		return models.Driver{}, fmt.Errorf("%w: rating must be within [0,5]", ErrInvalidInput)
	}
	var out models.Driver
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		now := s.now()
		d, err := tx.Driver(ctx, p.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			d = &models.Driver{ID: p.ID, State: models.DriverOffline}
			if err := tx.SaveStats(ctx, models.NewDriverStatistics(p.ID, now)); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		d.Region = p.Region
		d.Capacity = p.Capacity
		d.Rating = p.Rating
		d.Version++
		if err := tx.SaveDriver(ctx, d); err != nil {
			return err
		}
		out = *d
		return nil
	})
	if err != nil {
		return models.Driver{}, err
	}
	if p.Region == "" {
		s.log().Warn("driver registered without region", "driver_id", p.ID, "error", ErrDataQuality)
	}
	return out, nil
}

func (s *Service) updateDriver(ctx context.Context, driverID string, fn func(tx storage.Tx, d *models.Driver) error) (models.Driver, error) {
	var out models.Driver
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		d, err := tx.Driver(ctx, driverID)
		if err != nil {
			return storeErr(err, "driver", driverID)
		}
		if err := fn(tx, d); err != nil {
			return err
		}
		if err := tx.SaveDriver(ctx, d); err != nil {
			return err
		}
		out = *d
		return nil
	})
	return out, err
}

// GoOnline always lands the driver in ONLINE_IDLE. A driver still serving an
// order must finish it first.
func (s *Service) GoOnline(ctx context.Context, driverID string) (models.Driver, error) {
	cameOnline := false
	d, err := s.updateDriver(ctx, driverID, func(tx storage.Tx, d *models.Driver) error {
		if d.State == models.DriverEnrouteToPickup || d.State == models.DriverOnTrip || d.State == models.DriverOffered {
			return fmt.Errorf("%w: driver %s is %s", ErrInvalidTransition, d.ID, d.State)
		}
		cameOnline = !d.Online
		d.GoOnline(s.now())
		return nil
	})
	if err == nil && cameOnline {
		observability.DriversOnline.Inc()
	}
	return d, err
}

// GoOffline is a hard reset to OFFLINE from any state. A pending offer held
// by the driver is timed out so the order is rematched.
func (s *Service) GoOffline(ctx context.Context, driverID string) (models.Driver, RematchResult, error) {
	var out models.Driver
	rematchOrder := ""
	wentOffline := false
	box := &outbox{}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		now := s.now()
		pending, err := tx.PendingOfferForDriver(ctx, driverID)
		switch {
		case err == nil:
			// lock the order before the offer, then re-check the offer
			o, err := tx.Order(ctx, pending.OrderID)
			if err != nil {
				return storeErr(err, "order", pending.OrderID)
			}
			of, err := tx.Offer(ctx, pending.ID)
			if err != nil {
				return storeErr(err, "offer", pending.ID)
			}
			if of.Status == models.OfferPending {
				rematch, err := s.releaseOffer(ctx, tx, o, of, models.OfferTimeout, now, box)
				if err != nil {
					return err
				}
				if rematch {
					rematchOrder = o.ID
				}
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		d, err := tx.Driver(ctx, driverID)
		if err != nil {
			return storeErr(err, "driver", driverID)
		}
		if d.State == models.DriverEnrouteToPickup || d.State == models.DriverOnTrip {
			s.log().Warn("driver went offline while serving an order", "driver_id", d.ID, "state", d.State)
		}
		wentOffline = d.Online
		d.GoOffline()
		if err := tx.SaveDriver(ctx, d); err != nil {
			return err
		}
		out = *d
		return nil
	})
	if err != nil {
		return models.Driver{}, RematchResult{}, err
	}
	if wentOffline {
		observability.DriversOnline.Dec()
	}
	s.emit(ctx, box)
	if rematchOrder == "" {
		return out, RematchResult{}, nil
	}
	return out, s.scheduleRematch(ctx, rematchOrder), nil
}

// Pause keeps the driver online but marks them as taking a break.
func (s *Service) Pause(ctx context.Context, driverID string) (models.Driver, error) {
	return s.updateDriver(ctx, driverID, func(tx storage.Tx, d *models.Driver) error {
		return d.Transition(models.DriverPaused, s.now())
	})
}

func (s *Service) Resume(ctx context.Context, driverID string) (models.Driver, error) {
	return s.updateDriver(ctx, driverID, func(tx storage.Tx, d *models.Driver) error {
		return d.Transition(models.DriverOnlineIdle, s.now())
	})
}

// UpdateLocation stores a GPS fix. Fixes older than the current one are
// ignored so out-of-order deliveries cannot move a driver backwards.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, fix models.Fix) (models.Driver, error) {
	if !fix.Valid() {
		return models.Driver{}, fmt.Errorf("%w: invalid coordinates %.6f,%.6f", ErrInvalidInput, fix.Lat, fix.Lon)
	}
	if fix.At.IsZero() {
		fix.At = s.now()
	}
	return s.updateDriver(ctx, driverID, func(tx storage.Tx, d *models.Driver) error {
		if d.Position != nil && fix.At.Before(d.Position.At) {
			return nil
		}
		f := fix
		d.Position = &f
		return nil
	})
}

func (s *Service) GetDriver(ctx context.Context, driverID string) (models.Driver, error) {
	d, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return models.Driver{}, storeErr(err, "driver", driverID)
	}
	return *d, nil
}

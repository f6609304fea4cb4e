package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness rule,
	// e.g. a second pending offer for the same order or driver.
	ErrConflict = errors.New("conflict")
)

// Tx is a unit of work. Reads of orders and drivers inside a Tx lock the row
// until the Tx ends; nothing written through a Tx is visible to others until
// the surrounding WithTx returns nil.
type Tx interface {
	Order(ctx context.Context, id string) (*models.Order, error)
	SaveOrder(ctx context.Context, o *models.Order) error
	AppendOrderEvent(ctx context.Context, ev models.OrderEvent) error

	Driver(ctx context.Context, id string) (*models.Driver, error)
	SaveDriver(ctx context.Context, d *models.Driver) error

	// Stats returns ErrNotFound when the driver has no statistics row yet.
	Stats(ctx context.Context, driverID string) (*models.DriverStatistics, error)
	SaveStats(ctx context.Context, s *models.DriverStatistics) error

	Offer(ctx context.Context, id string) (*models.Offer, error)
	// InsertOffer fails with ErrConflict when the order or the driver already
	// holds a pending offer.
	InsertOffer(ctx context.Context, of *models.Offer) error
	SaveOffer(ctx context.Context, of *models.Offer) error
	PendingOffersForOrder(ctx context.Context, orderID string) ([]models.Offer, error)
	// PendingOfferForDriver returns ErrNotFound when the driver holds none.
	PendingOfferForDriver(ctx context.Context, driverID string) (*models.Offer, error)
}

// Store is the persistence collaborator of the dispatch engine.
type Store interface {
	// WithTx runs fn in a transaction. Any error from fn rolls back every
	// write made through the Tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	OffersForOrder(ctx context.Context, orderID string) ([]models.Offer, error)
	OrderEvents(ctx context.Context, orderID string) ([]models.OrderEvent, error)

	// OnlineDrivers returns online drivers of the region together with online
	// drivers that have no region at all, so callers can report the latter.
	OnlineDrivers(ctx context.Context, region models.RegionID) ([]models.Driver, error)
	AllStats(ctx context.Context) (map[string]models.DriverStatistics, error)
	ExpiredOffers(ctx context.Context, now time.Time) ([]models.Offer, error)
	OrdersArrivedBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error)

	ActiveConfig(ctx context.Context) (models.DispatchConfig, error)
	SetActiveConfig(ctx context.Context, cfg models.DispatchConfig) error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.AssignedAt = cloneTime(o.AssignedAt)
	c.ArrivedAt = cloneTime(o.ArrivedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	return &c
}

func cloneDriver(d *models.Driver) *models.Driver {
	c := *d
	c.IdleSince = cloneTime(d.IdleSince)
	if d.Position != nil {
		p := *d.Position
		c.Position = &p
	}
	return &c
}

func cloneOffer(of *models.Offer) *models.Offer {
	c := *of
	c.RespondedAt = cloneTime(of.RespondedAt)
	return &c
}

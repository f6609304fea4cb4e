package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/example/accessible-dispatch/internal/models"
)

var ErrInvalidFixture = errors.New("invalid fixture")

// Fixture is a snapshot of dispatch rows used to seed a MemoryStore, for
// local runs and demos.
type Fixture struct {
	Drivers []models.Driver           `json:"drivers"`
	Stats   []models.DriverStatistics `json:"stats"`
	Orders  []models.Order            `json:"orders"`
	Offers  []models.Offer            `json:"offers"`
}

func ReadFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("%w: %v", ErrInvalidFixture, err)
	}
	return f, f.validate()
}

func (f Fixture) validate() error {
	var errs []error
	drivers := make(map[string]bool, len(f.Drivers))
	for _, d := range f.Drivers {
		switch {
		case d.ID == "":
			errs = append(errs, errors.New("driver without id"))
		case d.Online == (d.State == models.DriverOffline):
			errs = append(errs, fmt.Errorf("driver %s: online=%v with state %s", d.ID, d.Online, d.State))
		}
		drivers[d.ID] = true
	}
	for _, st := range f.Stats {
		if !drivers[st.DriverID] {
			errs = append(errs, fmt.Errorf("stats for unknown driver %q", st.DriverID))
		}
	}
	orders := make(map[string]bool, len(f.Orders))
	for _, o := range f.Orders {
		if o.ID == "" {
			errs = append(errs, errors.New("order without id"))
		}
		orders[o.ID] = true
	}
	for _, of := range f.Offers {
		if of.ID == "" || !orders[of.OrderID] || !drivers[of.DriverID] {
			errs = append(errs, fmt.Errorf("offer %q must name a known order and driver", of.ID))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidFixture, errors.Join(errs...))
	}
	return nil
}

// Load writes every fixture row into the store, replacing rows with the same id.
func (m *MemoryStore) Load(f Fixture) error {
	if err := f.validate(); err != nil {
		return err
	}
	for _, d := range f.Drivers {
		m.PutDriver(d)
	}
	for _, st := range f.Stats {
		m.PutStats(st)
	}
	for _, o := range f.Orders {
		m.PutOrder(o)
	}
	for _, of := range f.Offers {
		m.PutOffer(of)
	}
	return nil
}

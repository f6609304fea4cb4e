package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/observability"
)

// MaxFixAge is the oldest GPS fix a candidate may have.
const MaxFixAge = 5 * time.Minute

type candidate struct {
	driver models.Driver
	stats  models.DriverStatistics
}

// resolveRegion prefers the region containing the pickup point and falls back
// to the passenger's registered region.
func (s *Service) resolveRegion(o *models.Order) (models.RegionID, error) {
	if s.Regions != nil && o.Pickup.Valid() {
		if r, ok := s.Regions.RegionForPoint(o.Pickup.Lat, o.Pickup.Lon); ok {
			return r, nil
		}
	}
	if o.PassengerRegion != "" {
		return o.PassengerRegion, nil
	}
	return "", fmt.Errorf("%w: order %s", ErrRegionUnresolved, o.ID)
}

// rolledStats returns every driver's statistics with expired windows reset.
func (s *Service) rolledStats(ctx context.Context, now time.Time) (map[string]models.DriverStatistics, error) {
	all, err := s.Store.AllStats(ctx)
	if err != nil {
		return nil, err
	}
	for id, st := range all {
		st.Roll(now)
		all[id] = st
	}
	return all, nil
}

// filterCandidates applies the hard constraints. Region is never relaxed.
func (s *Service) filterCandidates(ctx context.Context, o *models.Order, region models.RegionID, cfg models.DispatchConfig, stats map[string]models.DriverStatistics, now time.Time) ([]candidate, error) {
	drivers, err := s.Store.OnlineDrivers(ctx, region)
	if err != nil {
		return nil, err
	}
	seats := o.SeatsNeeded()
	out := make([]candidate, 0, len(drivers))
	for _, d := range drivers {
		if d.Region == "" {
			observability.DataQualityIssues.Inc()
			s.log().Warn("online driver has no region, excluded", "driver_id", d.ID, "order_id", o.ID, "error", ErrDataQuality)
			continue
		}
		st, ok := stats[d.ID]
		if !ok {
			st = *models.NewDriverStatistics(d.ID, now)
		}
		if !eligible(d, st, seats, region, cfg, now) {
			continue
		}
		out = append(out, candidate{driver: d, stats: st})
	}
	return out, nil
}

func eligible(d models.Driver, st models.DriverStatistics, seats int, region models.RegionID, cfg models.DispatchConfig, now time.Time) bool {
	switch {
	case !d.Online:
		return false
	case d.State != models.DriverOnlineIdle && d.State != models.DriverPaused:
		return false
	case d.Capacity < seats:
		return false
	case d.Region != region:
		return false
	case d.Rating < cfg.MinRating:
		return false
	case !d.FixFresh(now, MaxFixAge):
		return false
	case st.OffersLast60Min >= cfg.MaxOffersPerHour:
		return false
	}
	return true
}

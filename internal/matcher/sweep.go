package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/observability"
)

// SweepExpiredOffers times out every pending offer past its expiry and
// returns how many it resolved. Offers resolved concurrently are skipped.
func (s *Service) SweepExpiredOffers(ctx context.Context) (int, error) {
	offers, err := s.Store.ExpiredOffers(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, of := range offers {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		res, err := s.ExpireOffer(ctx, of.ID)
		switch {
		case err == nil:
			n++
			observability.SweepProcessed.WithLabelValues("offers", "expired").Inc()
			s.log().Info("offer expired", "offer_id", of.ID, "order_id", of.OrderID, "driver_id", of.DriverID, "rematch", res.Failure)
		case errors.Is(err, ErrOfferResolved):
			observability.SweepProcessed.WithLabelValues("offers", "skipped").Inc()
		default:
			observability.SweepProcessed.WithLabelValues("offers", "error").Inc()
			s.log().Error("expire offer failed", "offer_id", of.ID, "error", err)
		}
	}
	return n, nil
}

// SweepNoShows marks orders whose driver has waited NoShowWait at pickup.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	orders, err := s.Store.OrdersArrivedBefore(ctx, s.now().Add(-models.NoShowWait))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.MarkNoShow(ctx, o.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				observability.SweepProcessed.WithLabelValues("no_show", "skipped").Inc()
				continue
			}
			observability.SweepProcessed.WithLabelValues("no_show", "error").Inc()
			s.log().Error("mark no-show failed", "order_id", o.ID, "error", err)
			continue
		}
		n++
		observability.SweepProcessed.WithLabelValues("no_show", "marked").Inc()
	}
	return n, nil
}

// RunSweeps runs both sweeps on their intervals until ctx is cancelled. A
// non-positive interval disables that sweep.
func (s *Service) RunSweeps(ctx context.Context, offerEvery, noShowEvery time.Duration) {
	var offerTick, noShowTick <-chan time.Time
	if offerEvery > 0 {
		t := time.NewTicker(offerEvery)
		defer t.Stop()
		offerTick = t.C
	}
	if noShowEvery > 0 {
		t := time.NewTicker(noShowEvery)
		defer t.Stop()
		noShowTick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-offerTick:
			if _, err := s.SweepExpiredOffers(ctx); err != nil && ctx.Err() == nil {
				s.log().Error("offer sweep failed", "error", err)
			}
		case <-noShowTick:
			if _, err := s.SweepNoShows(ctx); err != nil && ctx.Err() == nil {
				s.log().Error("no-show sweep failed", "error", err)
			}
		}
	}
}

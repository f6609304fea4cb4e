package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/observability"
	"github.com/example/accessible-dispatch/internal/storage"
)

type AcceptResult struct {
	OrderID  string `json:"order_id"`
	DriverID string `json:"driver_id"`
	OfferID  string `json:"offer_id"`
}

// AcceptOffer assigns the order to the offer's driver. When two drivers race
// on the same order exactly one wins; the loser gets ErrAlreadyAssigned and
// its offer has already been timed out by the winner.
func (s *Service) AcceptOffer(ctx context.Context, offerID string) (AcceptResult, error) {
	orderID, err := s.offerOrder(ctx, offerID)
	if err != nil {
		return AcceptResult{}, err
	}
	var res AcceptResult
	box := &outbox{}
	err = s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		of, err := tx.Offer(ctx, offerID)
		if err != nil {
			return storeErr(err, "offer", offerID)
		}
		if o.DriverID != "" && !o.State.Terminal() {
			return fmt.Errorf("%w: order %s taken by %s", ErrAlreadyAssigned, o.ID, o.DriverID)
		}
		if of.Status != models.OfferPending {
			return fmt.Errorf("%w: offer %s is %s", ErrOfferResolved, of.ID, of.Status)
		}
		now := s.now()
		if of.Expired(now) {
			return fmt.Errorf("%w: offer %s expired at %s", ErrOfferExpired, of.ID, of.ExpiresAt.Format(time.RFC3339))
		}

		of.Resolve(models.OfferAccepted, now)
		if err := tx.SaveOffer(ctx, of); err != nil {
			return err
		}
		o.DriverID = of.DriverID
		o.AssignReason = of.Reason
		if err := s.transitionOrder(ctx, tx, o, models.OrderAssigned, "accepted by "+of.DriverID, now); err != nil {
			return err
		}

		d, err := tx.Driver(ctx, of.DriverID)
		if err != nil {
			return storeErr(err, "driver", of.DriverID)
		}
		if err := d.Serve(o.ID, now); err != nil {
			return err
		}
		if err := tx.SaveDriver(ctx, d); err != nil {
			return err
		}
		st, err := loadStats(ctx, tx, d.ID, now)
		if err != nil {
			return err
		}
		st.RecordAccept(now)
		if err := tx.SaveStats(ctx, st); err != nil {
			return err
		}

		others, err := tx.PendingOffersForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		for i := range others {
			if err := s.withdrawOffer(ctx, tx, &others[i], "order assigned to another driver", now, box); err != nil {
				return err
			}
		}

		box.add(models.DispatchEvent{Type: models.EventOfferAccepted, OrderID: o.ID, OfferID: of.ID, DriverID: d.ID, State: o.State, At: now})
		res = AcceptResult{OrderID: o.ID, DriverID: d.ID, OfferID: of.ID}
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	observability.OfferOutcomes.WithLabelValues(string(models.OfferAccepted)).Inc()
	s.emit(ctx, box)
	return res, nil
}

// DeclineOffer records an explicit refusal and rematches the order.
func (s *Service) DeclineOffer(ctx context.Context, offerID string) (RematchResult, error) {
	return s.rejectOffer(ctx, offerID, models.OfferDeclined)
}

// ExpireOffer times out a pending offer past its expiry. It has the same
// effects as a decline, including the rejection count.
func (s *Service) ExpireOffer(ctx context.Context, offerID string) (RematchResult, error) {
	return s.rejectOffer(ctx, offerID, models.OfferTimeout)
}

func (s *Service) rejectOffer(ctx context.Context, offerID string, status models.OfferStatus) (RematchResult, error) {
	orderID, err := s.offerOrder(ctx, offerID)
	if err != nil {
		return RematchResult{}, err
	}
	rematch := false
	box := &outbox{}
	err = s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		of, err := tx.Offer(ctx, offerID)
		if err != nil {
			return storeErr(err, "offer", offerID)
		}
		if of.Status != models.OfferPending {
			return fmt.Errorf("%w: offer %s is %s", ErrOfferResolved, of.ID, of.Status)
		}
		now := s.now()
		if status == models.OfferTimeout && !of.Expired(now) {
			return fmt.Errorf("%w: offer %s expires at %s", ErrOfferNotExpired, of.ID, of.ExpiresAt.Format(time.RFC3339))
		}
		rematch, err = s.releaseOffer(ctx, tx, o, of, status, now, box)
		return err
	})
	if err != nil {
		return RematchResult{}, err
	}
	observability.OfferOutcomes.WithLabelValues(string(status)).Inc()
	s.emit(ctx, box)
	if !rematch {
		return RematchResult{}, nil
	}
	return s.scheduleRematch(ctx, orderID), nil
}

// releaseOffer resolves a pending offer as declined or timed out: the driver
// is charged a rejection and returned to ONLINE_IDLE, and an OFFERED order
// goes back to MATCHING. It reports whether the order needs a rematch.
func (s *Service) releaseOffer(ctx context.Context, tx storage.Tx, o *models.Order, of *models.Offer, status models.OfferStatus, now time.Time, box *outbox) (bool, error) {
	if !of.Resolve(status, now) {
		return false, fmt.Errorf("%w: offer %s is %s", ErrOfferResolved, of.ID, of.Status)
	}
	if err := tx.SaveOffer(ctx, of); err != nil {
		return false, err
	}
	if err := s.idleDriver(ctx, tx, of.DriverID, now); err != nil {
		return false, err
	}
	st, err := loadStats(ctx, tx, of.DriverID, now)
	if err != nil {
		return false, err
	}
	st.RecordRejection(now)
	if err := tx.SaveStats(ctx, st); err != nil {
		return false, err
	}

	evType, verb := models.EventOfferDeclined, "declined"
	if status == models.OfferTimeout {
		evType, verb = models.EventOfferExpired, "timed out"
	}
	box.add(models.DispatchEvent{Type: evType, OrderID: o.ID, OfferID: of.ID, DriverID: of.DriverID, At: now})

	if o.State != models.OrderOffered {
		return false, nil
	}
	if err := s.transitionOrder(ctx, tx, o, models.OrderMatching, fmt.Sprintf("offer %s by %s", verb, of.DriverID), now); err != nil {
		return false, err
	}
	return true, nil
}

// withdrawOffer forces a pending offer to timeout without charging the driver,
// used when the order is taken or cancelled underneath it.
func (s *Service) withdrawOffer(ctx context.Context, tx storage.Tx, of *models.Offer, reason string, now time.Time, box *outbox) error {
	if !of.Resolve(models.OfferTimeout, now) {
		return nil
	}
	if err := tx.SaveOffer(ctx, of); err != nil {
		return err
	}
	if err := s.idleDriver(ctx, tx, of.DriverID, now); err != nil {
		return err
	}
	observability.OfferOutcomes.WithLabelValues("withdrawn").Inc()
	box.add(models.DispatchEvent{Type: models.EventOfferWithdrawn, OrderID: of.OrderID, OfferID: of.ID, DriverID: of.DriverID, Reason: reason, At: now})
	return nil
}

// idleDriver returns an OFFERED driver to ONLINE_IDLE. Drivers that have
// since gone offline are left as they are.
func (s *Service) idleDriver(ctx context.Context, tx storage.Tx, driverID string, now time.Time) error {
	d, err := tx.Driver(ctx, driverID)
	if err != nil {
		return storeErr(err, "driver", driverID)
	}
	if d.State != models.DriverOffered {
		return nil
	}
	if err := d.Transition(models.DriverOnlineIdle, now); err != nil {
		return err
	}
	return tx.SaveDriver(ctx, d)
}

func (s *Service) offerOrder(ctx context.Context, offerID string) (string, error) {
	of, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return "", storeErr(err, "offer", offerID)
	}
	return of.OrderID, nil
}

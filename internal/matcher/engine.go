package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/observability"
	"github.com/example/accessible-dispatch/internal/storage"
)

// Assignment is the outcome of a successful AssignOrder.
type Assignment struct {
	OrderID    string    `json:"order_id"`
	OfferID    string    `json:"offer_id"`
	DriverID   string    `json:"driver_id"`
	ETASeconds float64   `json:"eta_seconds"`
	DistanceKm float64   `json:"distance_km"`
	Cost       float64   `json:"cost"`
	Reason     string    `json:"reason"`
	Expanded   bool      `json:"expanded"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// errDriverUnavailable marks a candidate that changed state between scoring
// and the offer transaction; the next best candidate is tried.
var errDriverUnavailable = fmt.Errorf("%w: driver no longer available", ErrOfferConflict)

// AssignOrder runs filter, rank, score and offer for one order. On
// NoCandidates or NoViableScore the order is parked in ACTIVE_QUEUE so it
// can be assigned again later.
func (s *Service) AssignOrder(ctx context.Context, orderID string) (Assignment, error) {
	start := time.Now()
	a, err := s.assign(ctx, orderID)
	observability.AssignLatency.Observe(time.Since(start).Seconds())
	observability.AssignmentsTotal.WithLabelValues(resultLabel(err)).Inc()
	if errors.Is(err, ErrNoCandidates) || errors.Is(err, ErrNoViableScore) {
		if perr := s.park(ctx, orderID, err.Error()); perr != nil {
			s.log().Error("park order failed", "order_id", orderID, "error", perr)
		}
	}
	return a, err
}

func resultLabel(err error) string {
	if err == nil {
		return "offered"
	}
	return FailureReason(err)
}

func (s *Service) assign(ctx context.Context, orderID string) (Assignment, error) {
	order, err := s.beginMatching(ctx, orderID)
	if err != nil {
		return Assignment{}, err
	}
	cfg, err := s.Store.ActiveConfig(ctx)
	if err != nil {
		return Assignment{}, err
	}
	scored, expanded, err := s.evaluate(ctx, order, cfg)
	if err != nil {
		return Assignment{}, err
	}
	for _, sc := range scored {
		a, err := s.createOffer(ctx, order.ID, sc, cfg)
		if errors.Is(err, errDriverUnavailable) {
			s.log().Info("candidate changed state, trying next", "order_id", order.ID, "driver_id", sc.DriverID)
			continue
		}
		if err != nil {
			return Assignment{}, err
		}
		a.Expanded = expanded
		return a, nil
	}
	return Assignment{}, fmt.Errorf("%w: every scored candidate became unavailable for order %s", ErrNoViableScore, order.ID)
}

// beginMatching checks the precondition, resolves and stores the region and
// moves the order to MATCHING when needed.
func (s *Service) beginMatching(ctx context.Context, orderID string) (*models.Order, error) {
	var out *models.Order
	box := &outbox{}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		if o.State == models.OrderOffered {
			return fmt.Errorf("%w: order %s already has an active offer", ErrOfferConflict, o.ID)
		}
		if !o.State.Assignable() {
			return fmt.Errorf("%w: cannot assign order %s in state %s", ErrInvalidTransition, o.ID, o.State)
		}
		pending, err := tx.PendingOffersForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return fmt.Errorf("%w: order %s already has an active offer", ErrOfferConflict, o.ID)
		}
		region, err := s.resolveRegion(o)
		if err != nil {
			return err
		}
		now := s.now()
		o.Region = region
		if o.State != models.OrderMatching {
			if err := s.transitionOrder(ctx, tx, o, models.OrderMatching, "matching started", now); err != nil {
				return err
			}
			box.add(models.DispatchEvent{Type: models.EventOrderState, OrderID: o.ID, State: o.State, At: now})
		} else if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, box)
	return out, nil
}

// evaluate runs filter, rank and score with the search expander. It is
// read-only. The returned candidates are sorted by cost.
func (s *Service) evaluate(ctx context.Context, o *models.Order, cfg models.DispatchConfig) ([]ScoredCandidate, bool, error) {
	now := s.now()
	stats, err := s.rolledStats(ctx, now)
	if err != nil {
		return nil, false, err
	}

	etaMax := cfg.ETAMaxSeconds
	expanded := false
	expand := func() {
		etaMax *= cfg.ExpandETAMultiplier
		expanded = true
		observability.ExpansionsTotal.Inc()
	}
	// orders that have waited long enough search wider from the start
	if cfg.ExpandAfterSeconds > 0 && now.Sub(o.CreatedAt) >= cfg.ExpandAfter() {
		expand()
	}

	cands, err := s.filterCandidates(ctx, o, o.Region, cfg, stats, now)
	if err != nil {
		return nil, false, err
	}
	if len(cands) == 0 && !expanded {
		expand()
		cands, err = s.filterCandidates(ctx, o, o.Region, cfg, stats, s.now())
		if err != nil {
			return nil, false, err
		}
	}
	if len(cands) == 0 {
		return nil, expanded, fmt.Errorf("%w: no drivers available in region %s", ErrNoCandidates, o.Region)
	}

	routed := s.routeCandidates(ctx, o, cands)
	if len(routed) == 0 {
		return nil, expanded, fmt.Errorf("%w: no ETA could be computed for order %s", ErrNoViableScore, o.ID)
	}
	top := topK(routed, etaMax, cfg.KCandidates)
	if len(top) == 0 && !expanded {
		expand()
		top = topK(routed, etaMax, cfg.KCandidates)
	}
	if len(top) == 0 {
		return nil, expanded, fmt.Errorf("%w: no drivers within %.0fs of pickup in region %s", ErrNoCandidates, etaMax, o.Region)
	}

	scored := scoreAll(top, medianOrders(stats), cfg)
	if len(scored) == 0 {
		return nil, expanded, fmt.Errorf("%w: order %s", ErrNoViableScore, o.ID)
	}
	return scored, expanded, nil
}

// createOffer is the atomic check-then-create step of the offer protocol.
func (s *Service) createOffer(ctx context.Context, orderID string, sc ScoredCandidate, cfg models.DispatchConfig) (Assignment, error) {
	var a Assignment
	box := &outbox{}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		switch {
		case o.State == models.OrderOffered:
			return fmt.Errorf("%w: order %s already has an active offer", ErrOfferConflict, o.ID)
		case o.State != models.OrderMatching:
			return fmt.Errorf("%w: order %s left MATCHING (now %s)", ErrInvalidTransition, o.ID, o.State)
		}
		pending, err := tx.PendingOffersForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return fmt.Errorf("%w: order %s already has an active offer", ErrOfferConflict, o.ID)
		}

		d, err := tx.Driver(ctx, sc.DriverID)
		if err != nil {
			return storeErr(err, "driver", sc.DriverID)
		}
		if !d.Available() || d.Region != o.Region {
			return errDriverUnavailable
		}
		if _, err := tx.PendingOfferForDriver(ctx, d.ID); err == nil {
			return errDriverUnavailable
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		now := s.now()
		of := &models.Offer{
			ID:         s.newID(),
			OrderID:    o.ID,
			DriverID:   d.ID,
			Status:     models.OfferPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(cfg.OfferTimeout()),
			ETASeconds: sc.ETASeconds,
			DistanceKm: sc.DistanceKm,
			Cost:       sc.Cost,
			Reason:     sc.Reason,
		}
		if err := tx.InsertOffer(ctx, of); err != nil {
			return storeErr(err, "offer for order", o.ID)
		}
		if err := s.transitionOrder(ctx, tx, o, models.OrderOffered, fmt.Sprintf("offered to %s: %s", d.ID, sc.Reason), now); err != nil {
			return err
		}
		if err := d.Transition(models.DriverOffered, now); err != nil {
			return err
		}
		if err := tx.SaveDriver(ctx, d); err != nil {
			return err
		}
		st, err := loadStats(ctx, tx, d.ID, now)
		if err != nil {
			return err
		}
		st.RecordOffer(now)
		if err := tx.SaveStats(ctx, st); err != nil {
			return err
		}

		expires := of.ExpiresAt
		box.add(models.DispatchEvent{
			Type: models.EventOfferCreated, OrderID: o.ID, OfferID: of.ID, DriverID: d.ID,
			ETASeconds: of.ETASeconds, PickupLabel: o.PickupLabel, ExpiresAt: &expires, Reason: of.Reason, At: now,
		})
		a = Assignment{
			OrderID: o.ID, OfferID: of.ID, DriverID: d.ID,
			ETASeconds: of.ETASeconds, DistanceKm: of.DistanceKm, Cost: of.Cost, Reason: of.Reason,
			ExpiresAt: of.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	s.emit(ctx, box)
	return a, nil
}

// park moves a MATCHING order to ACTIVE_QUEUE. Orders in other states are
// left alone.
func (s *Service) park(ctx context.Context, orderID, reason string) error {
	box := &outbox{}
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		if o.State != models.OrderMatching {
			return nil
		}
		now := s.now()
		if err := s.transitionOrder(ctx, tx, o, models.OrderActiveQueue, reason, now); err != nil {
			return err
		}
		box.add(models.DispatchEvent{Type: models.EventOrderQueued, OrderID: o.ID, State: o.State, Reason: reason, At: now})
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, box)
	return nil
}

// GetScoredCandidates is the read-only diagnostic view of what AssignOrder
// would consider, cheapest first. limit <= 0 returns all top-K candidates.
func (s *Service) GetScoredCandidates(ctx context.Context, orderID string, limit int) ([]ScoredCandidate, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeErr(err, "order", orderID)
	}
	region, err := s.resolveRegion(o)
	if err != nil {
		return nil, err
	}
	o.Region = region
	cfg, err := s.Store.ActiveConfig(ctx)
	if err != nil {
		return nil, err
	}
	scored, _, err := s.evaluate(ctx, o, cfg)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

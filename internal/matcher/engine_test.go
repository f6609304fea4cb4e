package matcher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
)

func TestAssignOrderPrefersLowerCost(t *testing.T) {
	h := newHarness(t)
	h.addDriver("D1", "r1", 120, withAcceptance(0.9), withRating(4.8))
	h.addDriver("D2", "r1", 90, withAcceptance(0.3), withRating(4.0))
	h.addOrder("O", models.OrderCreated)

	scored, err := h.svc.GetScoredCandidates(h.ctx, "O", 0)
	if err != nil {
		t.Fatalf("scored candidates: %v", err)
	}
	if len(scored) != 2 || scored[0].DriverID != "D1" {
		t.Fatalf("expected D1 cheapest, got %+v", scored)
	}
	if scored[0].Cost >= scored[1].Cost {
		t.Fatalf("expected D1 cost %.4f < D2 cost %.4f", scored[0].Cost, scored[1].Cost)
	}

	a, err := h.svc.AssignOrder(h.ctx, "O")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.DriverID != "D1" || a.ETASeconds != 120 {
		t.Fatalf("expected offer to D1 at 120s, got %+v", a)
	}
	if a.Reason == "" {
		t.Fatal("expected a selection reason")
	}
	if got := h.order("O").State; got != models.OrderOffered {
		t.Fatalf("expected OFFERED, got %s", got)
	}
	if got := h.driver("D1").State; got != models.DriverOffered {
		t.Fatalf("expected D1 OFFERED, got %s", got)
	}
	if got := h.driver("D2").State; got != models.DriverOnlineIdle {
		t.Fatalf("expected D2 untouched, got %s", got)
	}
	of := h.offer(a.OfferID)
	if of.Status != models.OfferPending || !of.ExpiresAt.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("unexpected offer %+v", of)
	}
	if st := h.stats("D1"); st.OffersLast60Min != 1 {
		t.Fatalf("expected 1 offer counted, got %d", st.OffersLast60Min)
	}

	events, _ := h.store.OrderEvents(h.ctx, "O")
	if len(events) != 2 || events[0].To != models.OrderMatching || events[1].To != models.OrderOffered {
		t.Fatalf("unexpected audit trail %+v", events)
	}
	if len(h.rec.notified) != 1 || h.rec.notified[0].Type != models.EventOfferCreated || h.rec.notified[0].DriverID != "D1" {
		t.Fatalf("expected offer notification to D1, got %+v", h.rec.notified)
	}
}

func TestAssignOrderNeverLeavesRegion(t *testing.T) {
	h := newHarness(t)
	h.addDriver("N1", "r2", 60)
	h.addOrder("O", models.OrderCreated)

	_, err := h.svc.AssignOrder(h.ctx, "O")
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if got := h.order("O").State; got != models.OrderActiveQueue {
		t.Fatalf("expected order parked in ACTIVE_QUEUE, got %s", got)
	}
	if n := h.pendingFor("O"); n != 0 {
		t.Fatalf("expected no offers, got %d", n)
	}
	if got := h.driver("N1").State; got != models.DriverOnlineIdle {
		t.Fatalf("neighbour driver touched: %s", got)
	}

	// a parked order can be assigned again once a driver shows up
	h.addDriver("D1", "r1", 60)
	a, err := h.svc.AssignOrder(h.ctx, "O")
	if err != nil || a.DriverID != "D1" {
		t.Fatalf("expected reassign to D1, got %+v %v", a, err)
	}
}

func TestSearchExpansion(t *testing.T) {
	cases := []struct {
		name     string
		eta      float64
		age      time.Duration
		wantErr  error
		expanded bool
	}{
		{name: "within bound", eta: 600},
		{name: "beyond bound within expanded", eta: 1000, expanded: true},
		{name: "beyond expanded bound", eta: 2000, wantErr: ErrNoCandidates},
		{name: "old order starts expanded", eta: 1000, age: 10 * time.Minute, expanded: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.addOrder("O", models.OrderCreated)
			h.clock.Advance(tc.age)
			h.addDriver("D1", "r1", tc.eta)

			a, err := h.svc.AssignOrder(h.ctx, "O")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("assign: %v", err)
			}
			if a.Expanded != tc.expanded {
				t.Fatalf("expected expanded=%v, got %v", tc.expanded, a.Expanded)
			}
			if got := h.driver(a.DriverID).Region; got != "r1" {
				t.Fatalf("assigned across regions: %s", got)
			}
		})
	}
}

func TestRoutingFailureDropsOnlyThatCandidate(t *testing.T) {
	h := newHarness(t)
	fast := h.addDriver("D1", "r1", 60)
	h.addDriver("D2", "r1", 300)
	h.router.failFrom(fast.Position.Coord)
	h.addOrder("O", models.OrderCreated)

	a, err := h.svc.AssignOrder(h.ctx, "O")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.DriverID != "D2" {
		t.Fatalf("expected D2, got %s", a.DriverID)
	}
}

func TestAllRoutingFailuresIsNoViableScore(t *testing.T) {
	h := newHarness(t)
	d := h.addDriver("D1", "r1", 60)
	h.router.failFrom(d.Position.Coord)
	h.addOrder("O", models.OrderMatching)

	_, err := h.svc.AssignOrder(h.ctx, "O")
	if !errors.Is(err, ErrNoViableScore) {
		t.Fatalf("expected ErrNoViableScore, got %v", err)
	}
	if got := h.order("O").State; got != models.OrderActiveQueue {
		t.Fatalf("expected ACTIVE_QUEUE, got %s", got)
	}
}

func TestTopKLimitsScoredCandidates(t *testing.T) {
	h := newHarness(t)
	for i, id := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		h.addDriver(id, "r1", float64(60+i*30))
	}
	h.addOrder("O", models.OrderCreated)
	cfg := models.DefaultDispatchConfig()
	cfg.KCandidates = 3
	if err := h.store.SetActiveConfig(h.ctx, cfg); err != nil {
		t.Fatal(err)
	}

	scored, err := h.svc.GetScoredCandidates(h.ctx, "O", 0)
	if err != nil {
		t.Fatalf("scored: %v", err)
	}
	if len(scored) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(scored))
	}
	for _, sc := range scored {
		if sc.DriverID != "A" && sc.DriverID != "B" && sc.DriverID != "C" {
			t.Fatalf("candidate %s is not among the 3 fastest", sc.DriverID)
		}
	}
	limited, _ := h.svc.GetScoredCandidates(h.ctx, "O", 1)
	if len(limited) != 1 || limited[0].DriverID != scored[0].DriverID {
		t.Fatalf("unexpected limited view %+v", limited)
	}
	// diagnostic view must not write
	if got := h.order("O").State; got != models.OrderCreated {
		t.Fatalf("GetScoredCandidates changed order state to %s", got)
	}
	if n := h.pendingFor("O"); n != 0 {
		t.Fatalf("GetScoredCandidates created %d offers", n)
	}
}

func TestAssignOrderPreconditions(t *testing.T) {
	cases := []struct {
		state models.OrderState
		want  error
	}{
		{models.OrderDraft, ErrInvalidTransition},
		{models.OrderSubmitted, ErrInvalidTransition},
		{models.OrderAssigned, ErrInvalidTransition},
		{models.OrderCompleted, ErrInvalidTransition},
		{models.OrderCancelled, ErrInvalidTransition},
		{models.OrderOffered, ErrOfferConflict},
	}
	for _, tc := range cases {
		t.Run(string(tc.state), func(t *testing.T) {
			h := newHarness(t)
			h.addDriver("D1", "r1", 60)
			h.addOrder("O", tc.state)
			if _, err := h.svc.AssignOrder(h.ctx, "O"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := h.order("O").State; got != tc.state {
				t.Fatalf("state changed to %s", got)
			}
		})
	}

	h := newHarness(t)
	if _, err := h.svc.AssignOrder(h.ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentAssignCreatesOneOffer(t *testing.T) {
	h := newHarness(t)
	h.addDriver("D1", "r1", 60)
	h.addDriver("D2", "r1", 90)
	h.addOrder("O", models.OrderCreated)

	const callers = 10
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.AssignOrder(h.ctx, "O")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOfferConflict):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful assign, got %d", ok)
	}
	if n := h.pendingFor("O"); n != 1 {
		t.Fatalf("expected 1 pending offer, got %d", n)
	}
}

func TestDriverNeverHoldsTwoPendingOffers(t *testing.T) {
	h := newHarness(t)
	h.addDriver("D1", "r1", 60)
	h.addOrder("O1", models.OrderCreated)
	h.addOrder("O2", models.OrderCreated)

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"O1", "O2"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.AssignOrder(h.ctx, id)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err == nil {
			continue
		}
		failures++
		if !errors.Is(err, ErrNoCandidates) && !errors.Is(err, ErrNoViableScore) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if failures != 1 {
		t.Fatalf("expected one order to miss out, got %d failures", failures)
	}
	if total := h.pendingFor("O1") + h.pendingFor("O2"); total != 1 {
		t.Fatalf("driver holds %d pending offers", total)
	}
}

func TestRegionUnresolved(t *testing.T) {
	h := newHarness(t)
	h.svc.Regions = staticRegions{}
	h.addDriver("D1", "r1", 60)
	h.addOrder("O", models.OrderCreated)

	if _, err := h.svc.AssignOrder(h.ctx, "O"); !errors.Is(err, ErrRegionUnresolved) {
		t.Fatalf("expected ErrRegionUnresolved, got %v", err)
	}
	if got := h.order("O").State; got != models.OrderCreated {
		t.Fatalf("state changed to %s", got)
	}

	// passenger region is the fallback
	o := h.order("O")
	o.PassengerRegion = "r1"
	h.store.PutOrder(o)
	a, err := h.svc.AssignOrder(h.ctx, "O")
	if err != nil || a.DriverID != "D1" {
		t.Fatalf("expected fallback to passenger region, got %+v %v", a, err)
	}
	if got := h.order("O").Region; got != "r1" {
		t.Fatalf("expected region r1 stored, got %q", got)
	}
}

func TestDriverWithoutRegionIsExcluded(t *testing.T) {
	h := newHarness(t)
	h.addDriver("X", "", 30)
	h.addOrder("O", models.OrderCreated)

	if _, err := h.svc.AssignOrder(h.ctx, "O"); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

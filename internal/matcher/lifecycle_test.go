package matcher

import (
	"errors"
	"testing"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
)

func TestRideLifecycle(t *testing.T) {
	h := newHarness(t)
	h.addDriver("D1", "r1", 60)

	o, err := h.svc.CreateOrder(h.ctx, NewOrder{
		PassengerID:    "p1",
		Pickup:         pickup,
		PickupLabel:    "Main St 1",
		Dropoff:        models.Coord{Lat: 25.05, Lon: 121.52},
		NeedsCompanion: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.State != models.OrderDraft || o.SeatsNeeded() != 2 {
		t.Fatalf("unexpected new order %+v", o)
	}
	id := o.ID

	steps := []struct {
		name string
		run  func() (models.Order, error)
		want models.OrderState
	}{
		{"submit", func() (models.Order, error) { return h.svc.SubmitOrder(h.ctx, id) }, models.OrderSubmitted},
		{"review", func() (models.Order, error) { return h.svc.RouteForDispatcher(h.ctx, id, "wheelchair details unclear") }, models.OrderAwaitingDispatcherDecision},
		{"approve", func() (models.Order, error) { return h.svc.ApproveOrder(h.ctx, id) }, models.OrderCreated},
	}
	for _, st := range steps {
		got, err := st.run()
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got.State != st.want {
			t.Fatalf("%s: expected %s, got %s", st.name, st.want, got.State)
		}
	}

	a, err := h.svc.AssignOrder(h.ctx, id)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.svc.AcceptOffer(h.ctx, a.OfferID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	assignedAt := *h.order(id).AssignedAt

	h.clock.Advance(time.Minute)
	if _, err := h.svc.StartPickup(h.ctx, id); err != nil {
		t.Fatalf("start pickup: %v", err)
	}
	if _, err := h.svc.ArriveAtPickup(h.ctx, id); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if got := h.order(id).ArrivedAt; got == nil || !got.Equal(h.clock.Now()) {
		t.Fatalf("expected arrived_at stamped, got %v", got)
	}
	if _, err := h.svc.StartRide(h.ctx, id); err != nil {
		t.Fatalf("start ride: %v", err)
	}
	if got := h.driver("D1").State; got != models.DriverOnTrip {
		t.Fatalf("expected ON_TRIP, got %s", got)
	}
	h.clock.Advance(10 * time.Minute)
	done, err := h.svc.CompleteRide(h.ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected completed_at stamped, got %v", done.CompletedAt)
	}
	if !done.AssignedAt.Equal(assignedAt) {
		t.Fatalf("assigned_at changed from %v to %v", assignedAt, done.AssignedAt)
	}
	if got := h.driver("D1").State; got != models.DriverOnlineIdle {
		t.Fatalf("expected driver idle after ride, got %s", got)
	}

	// terminal: nothing moves any more
	if _, err := h.svc.CancelOrder(h.ctx, id, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected completed order to stay completed, got %v", err)
	}
	events, _ := h.store.OrderEvents(h.ctx, id)
	if len(events) != 10 {
		t.Fatalf("expected 10 audit events, got %d", len(events))
	}
}

func TestInvalidTransitionLeavesOrderUnchanged(t *testing.T) {
	h := newHarness(t)
	h.addOrder("O", models.OrderDraft)

	if _, err := h.svc.CompleteRide(h.ctx, "O"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	o := h.order("O")
	if o.State != models.OrderDraft || o.Version != 0 || o.CompletedAt != nil {
		t.Fatalf("order changed: %+v", o)
	}
	if events, _ := h.store.OrderEvents(h.ctx, "O"); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)
	cases := []NewOrder{
		{Pickup: pickup, Dropoff: pickup},
		{PassengerID: "p1", Dropoff: pickup},
	}
	for _, in := range cases {
		if _, err := h.svc.CreateOrder(h.ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", in, err)
		}
	}
}

// assignedOrder drives an order to ARRIVED_WAITING with D1.
func assignedOrder(t *testing.T, h *harness, upTo models.OrderState) {
	t.Helper()
	h.addDriver("D1", "r1", 60)
	h.addOrder("O", models.OrderCreated)
	a, err := h.svc.AssignOrder(h.ctx, "O")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.AcceptOffer(h.ctx, a.OfferID); err != nil {
		t.Fatal(err)
	}
	if upTo == models.OrderAssigned {
		return
	}
	if _, err := h.svc.StartPickup(h.ctx, "O"); err != nil {
		t.Fatal(err)
	}
	if upTo == models.OrderDriverEnRoute {
		return
	}
	if _, err := h.svc.ArriveAtPickup(h.ctx, "O"); err != nil {
		t.Fatal(err)
	}
}

func TestNoShowAfterWait(t *testing.T) {
	h := newHarness(t)
	assignedOrder(t, h, models.OrderArrivedWaiting)

	h.clock.Advance(10 * time.Minute)
	if _, err := h.svc.MarkNoShow(h.ctx, "O"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected early no-show to fail, got %v", err)
	}
	if n, _ := h.svc.SweepNoShows(h.ctx); n != 0 {
		t.Fatalf("expected nothing swept, got %d", n)
	}

	h.clock.Advance(10 * time.Minute)
	n, err := h.svc.SweepNoShows(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 no-show, got %d %v", n, err)
	}
	if got := h.order("O").State; got != models.OrderNoShow {
		t.Fatalf("expected NO_SHOW, got %s", got)
	}
	if got := h.stats("D1").NoShowsCount; got != 1 {
		t.Fatalf("expected no_shows_count 1, got %d", got)
	}
	if got := h.driver("D1").State; got != models.DriverOnlineIdle {
		t.Fatalf("expected driver freed, got %s", got)
	}
}

func TestDriverCancelRematches(t *testing.T) {
	h := newHarness(t)
	assignedOrder(t, h, models.OrderDriverEnRoute)
	h.addDriver("D2", "r1", 200)

	res, err := h.svc.DriverCancel(h.ctx, "O", "flat tyre")
	if err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	st := h.stats("D1")
	if st.CancellationsCount != 1 || st.CancelRate != 1 {
		t.Fatalf("unexpected D1 stats %+v", st)
	}
	if got := h.driver("D1").State; got != models.DriverOnlineIdle {
		t.Fatalf("expected D1 idle, got %s", got)
	}
	if res.Assignment == nil {
		t.Fatalf("expected rematch, got %+v", res)
	}
	o := h.order("O")
	if o.State != models.OrderOffered || o.DriverID != "" {
		t.Fatalf("unexpected order after driver cancel %+v", o)
	}

	// an order without a driver cannot be driver-cancelled
	h.addOrder("O2", models.OrderMatching)
	if _, err := h.svc.DriverCancel(h.ctx, "O2", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelAfterAssignmentFreesDriver(t *testing.T) {
	h := newHarness(t)
	assignedOrder(t, h, models.OrderAssigned)

	if _, err := h.svc.CancelOrder(h.ctx, "O", "dispatcher"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.driver("D1").State; got != models.DriverOnlineIdle {
		t.Fatalf("expected D1 idle, got %s", got)
	}
	if got := h.stats("D1").CancellationsCount; got != 0 {
		t.Fatalf("passenger cancel charged the driver: %d", got)
	}
}

func TestIncidentPath(t *testing.T) {
	h := newHarness(t)
	assignedOrder(t, h, models.OrderArrivedWaiting)
	if _, err := h.svc.StartRide(h.ctx, "O"); err != nil {
		t.Fatal(err)
	}
	o, err := h.svc.ReportIncident(h.ctx, "O", "passenger felt unwell")
	if err != nil || o.State != models.OrderIncident {
		t.Fatalf("expected INCIDENT, got %+v %v", o, err)
	}
	if _, err := h.svc.CompleteRide(h.ctx, "O"); err != nil {
		t.Fatalf("complete after incident: %v", err)
	}
	if got := h.driver("D1").State; got != models.DriverOnlineIdle {
		t.Fatalf("expected driver idle, got %s", got)
	}
}

func TestDriverOnlineOffline(t *testing.T) {
	h := newHarness(t)
	d, err := h.svc.RegisterDriver(h.ctx, DriverProfile{ID: "D9", Region: "r1", Capacity: 2, Rating: 4.9})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.State != models.DriverOffline || d.Online {
		t.Fatalf("new driver should start offline, got %+v", d)
	}
	if _, err := h.svc.RegisterDriver(h.ctx, DriverProfile{ID: "bad", Capacity: 0}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	d, err = h.svc.GoOnline(h.ctx, "D9")
	if err != nil || d.State != models.DriverOnlineIdle || d.IdleSince == nil {
		t.Fatalf("unexpected online driver %+v %v", d, err)
	}
	if d, err = h.svc.Pause(h.ctx, "D9"); err != nil || d.State != models.DriverPaused {
		t.Fatalf("pause: %+v %v", d, err)
	}
	if d, err = h.svc.Resume(h.ctx, "D9"); err != nil || d.State != models.DriverOnlineIdle {
		t.Fatalf("resume: %+v %v", d, err)
	}

	fix := models.Fix{Coord: models.Coord{Lat: 25.04, Lon: 121.56}, At: h.clock.Now()}
	if _, err := h.svc.UpdateLocation(h.ctx, "D9", fix); err != nil {
		t.Fatalf("location: %v", err)
	}
	stale := models.Fix{Coord: models.Coord{Lat: 1, Lon: 1}, At: h.clock.Now().Add(-time.Minute)}
	if d, _ = h.svc.UpdateLocation(h.ctx, "D9", stale); d.Position.Lat != 25.04 {
		t.Fatalf("older fix overwrote newer one: %+v", d.Position)
	}
	if _, err := h.svc.UpdateLocation(h.ctx, "D9", models.Fix{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty fix, got %v", err)
	}

	d, _, err = h.svc.GoOffline(h.ctx, "D9")
	if err != nil || d.Online || d.State != models.DriverOffline || d.IdleSince != nil {
		t.Fatalf("unexpected offline driver %+v %v", d, err)
	}
}

func TestGoOfflineTimesOutPendingOffer(t *testing.T) {
	h := newHarness(t)
	twoDrivers(h)
	a, err := h.svc.AssignOrder(h.ctx, "O")
	if err != nil || a.DriverID != "D1" {
		t.Fatalf("expected offer to D1, got %+v %v", a, err)
	}

	d, res, err := h.svc.GoOffline(h.ctx, "D1")
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if d.State != models.DriverOffline {
		t.Fatalf("expected OFFLINE, got %s", d.State)
	}
	if got := h.offer(a.OfferID).Status; got != models.OfferTimeout {
		t.Fatalf("expected offer timed out, got %s", got)
	}
	if res.Assignment == nil || res.Assignment.DriverID != "D2" {
		t.Fatalf("expected rematch to D2, got %+v", res)
	}
}

// refreshFix gives the driver a new fix at the same spot so it stays routable.
func refreshFix(t *testing.T, h *harness, driverID string) {
	t.Helper()
	d := h.driver(driverID)
	if _, err := h.svc.UpdateLocation(h.ctx, driverID, models.Fix{Coord: d.Position.Coord, At: h.clock.Now()}); err != nil {
		t.Fatalf("location: %v", err)
	}
}

func TestCancelNoShowOrderKeepsDriversNewOffer(t *testing.T) {
	h := newHarness(t)
	assignedOrder(t, h, models.OrderArrivedWaiting)
	h.clock.Advance(models.NoShowWait)
	if _, err := h.svc.MarkNoShow(h.ctx, "O"); err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if d := h.driver("D1"); d.State != models.DriverOnlineIdle || d.OrderID != "" {
		t.Fatalf("expected D1 free after no-show, got %+v", d)
	}

	refreshFix(t, h, "D1")
	h.addOrder("O2", models.OrderCreated)
	a, err := h.svc.AssignOrder(h.ctx, "O2")
	if err != nil || a.DriverID != "D1" {
		t.Fatalf("expected O2 offered to D1, got %+v %v", a, err)
	}

	if _, err := h.svc.CancelOrder(h.ctx, "O", "closing no-show"); err != nil {
		t.Fatalf("cancel no-show order: %v", err)
	}
	if got := h.driver("D1").State; got != models.DriverOffered {
		t.Fatalf("cancelling the old order moved D1 to %s", got)
	}
	if got := h.offer(a.OfferID).Status; got != models.OfferPending {
		t.Fatalf("expected O2 offer still pending, got %s", got)
	}
	if _, err := h.svc.AcceptOffer(h.ctx, a.OfferID); err != nil {
		t.Fatalf("accept O2 offer: %v", err)
	}
	if d := h.driver("D1"); d.State != models.DriverEnrouteToPickup || d.OrderID != "O2" {
		t.Fatalf("expected D1 en route to O2, got %+v", d)
	}
}

func TestStaleOrderDoesNotMoveDriverServingAnother(t *testing.T) {
	h := newHarness(t)
	assignedOrder(t, h, models.OrderArrivedWaiting)
	if _, _, err := h.svc.GoOffline(h.ctx, "D1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if _, err := h.svc.GoOnline(h.ctx, "D1"); err != nil {
		t.Fatalf("online: %v", err)
	}
	refreshFix(t, h, "D1")
	h.addOrder("O2", models.OrderCreated)
	a, err := h.svc.AssignOrder(h.ctx, "O2")
	if err != nil || a.DriverID != "D1" {
		t.Fatalf("expected O2 offered to D1, got %+v %v", a, err)
	}
	if _, err := h.svc.AcceptOffer(h.ctx, a.OfferID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := h.svc.StartRide(h.ctx, "O"); err != nil {
		t.Fatalf("start ride on old order: %v", err)
	}
	if _, err := h.svc.CompleteRide(h.ctx, "O"); err != nil {
		t.Fatalf("complete old order: %v", err)
	}
	if d := h.driver("D1"); d.State != models.DriverEnrouteToPickup || d.OrderID != "O2" {
		t.Fatalf("old order moved D1: %+v", d)
	}
}

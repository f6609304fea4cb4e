package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/accessible-dispatch/internal/clock"
	"github.com/example/accessible-dispatch/internal/eta"
	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

var pickup = models.Coord{Lat: 25.0330, Lon: 121.5654}

// fakeRouter answers by the driver's position.
type fakeRouter struct {
	mu     sync.RWMutex
	routes map[models.Coord]eta.Route
	fail   map[models.Coord]bool
	calls  atomic.Int32
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{routes: make(map[models.Coord]eta.Route), fail: make(map[models.Coord]bool)}
}

func (f *fakeRouter) Route(ctx context.Context, from, to models.Coord) (eta.Route, error) {
	f.calls.Add(1)
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.fail[from] {
		return eta.Route{}, errors.New("routing backend unavailable")
	}
	r, ok := f.routes[from]
	if !ok {
		return eta.Route{}, eta.ErrNoRoute
	}
	return r, nil
}

func (f *fakeRouter) set(from models.Coord, r eta.Route) {
	f.mu.Lock()
	f.routes[from] = r
	f.mu.Unlock()
}

func (f *fakeRouter) failFrom(from models.Coord) {
	f.mu.Lock()
	f.fail[from] = true
	f.mu.Unlock()
}

type staticRegions struct{ region models.RegionID }

func (s staticRegions) RegionForPoint(lat, lon float64) (models.RegionID, bool) {
	if s.region == "" {
		return "", false
	}
	return s.region, true
}

// recorder captures notifications and published events.
type recorder struct {
	mu        sync.Mutex
	notified  []models.DispatchEvent
	published []models.DispatchEvent
}

func (r *recorder) Notify(ctx context.Context, driverID string, ev models.DispatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, ev)
	return nil
}

func (r *recorder) Publish(ctx context.Context, ev models.DispatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ev)
	return nil
}

func (r *recorder) publishedTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.published))
	for i, ev := range r.published {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	svc    *Service
	store  *storage.MemoryStore
	clock  *clock.Manual
	router *fakeRouter
	rec    *recorder
	next   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewManual(t0)
	router := newFakeRouter()
	rec := &recorder{}
	svc := &Service{
		Store:    store,
		Router:   router,
		Regions:  staticRegions{region: "r1"},
		Clock:    clk,
		Notifier: rec,
		Events:   rec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return &harness{t: t, ctx: context.Background(), svc: svc, store: store, clock: clk, router: router, rec: rec}
}

type driverOpt func(d *models.Driver, st *models.DriverStatistics)

func withRating(r float64) driverOpt {
	return func(d *models.Driver, st *models.DriverStatistics) { d.Rating = r }
}

func withAcceptance(a float64) driverOpt {
	return func(d *models.Driver, st *models.DriverStatistics) { st.AcceptanceRate = a }
}

func withState(s models.DriverState) driverOpt {
	return func(d *models.Driver, st *models.DriverStatistics) { d.State = s }
}

// addDriver seeds an online idle driver whose route to pickup takes etaSec.
func (h *harness) addDriver(id string, region models.RegionID, etaSec float64, opts ...driverOpt) models.Driver {
	h.next++
	pos := models.Coord{Lat: 25.0 + 0.001*float64(h.next), Lon: 121.5}
	now := h.clock.Now()
	idle := now
	d := models.Driver{
		ID:        id,
		Region:    region,
		Capacity:  4,
		Online:    true,
		State:     models.DriverOnlineIdle,
		Position:  &models.Fix{Coord: pos, At: now},
		Rating:    4.8,
		IdleSince: &idle,
	}
	st := models.NewDriverStatistics(id, now)
	st.AcceptanceRate = 0.9
	for _, opt := range opts {
		opt(&d, st)
	}
	h.store.PutDriver(d)
	h.store.PutStats(*st)
	h.router.set(pos, eta.Route{DurationSeconds: etaSec, DistanceKm: etaSec / 100})
	return d
}

func (h *harness) addOrder(id string, state models.OrderState) models.Order {
	o := models.Order{
		ID:          id,
		PassengerID: "p-" + id,
		Pickup:      pickup,
		PickupLabel: "Main St 1",
		Dropoff:     models.Coord{Lat: 25.05, Lon: 121.52},
		PickupAt:    h.clock.Now(),
		State:       state,
		CreatedAt:   h.clock.Now(),
	}
	h.store.PutOrder(o)
	return o
}

func (h *harness) order(id string) models.Order {
	h.t.Helper()
	o, err := h.store.GetOrder(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get order %s: %v", id, err)
	}
	return *o
}

func (h *harness) driver(id string) models.Driver {
	h.t.Helper()
	d, err := h.store.GetDriver(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get driver %s: %v", id, err)
	}
	return *d
}

func (h *harness) offer(id string) models.Offer {
	h.t.Helper()
	of, err := h.store.GetOffer(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get offer %s: %v", id, err)
	}
	return *of
}

func (h *harness) stats(driverID string) models.DriverStatistics {
	h.t.Helper()
	all, err := h.store.AllStats(h.ctx)
	if err != nil {
		h.t.Fatalf("stats: %v", err)
	}
	return all[driverID]
}

// pendingFor counts pending offers of an order.
func (h *harness) pendingFor(orderID string) int {
	h.t.Helper()
	offers, err := h.store.OffersForOrder(h.ctx, orderID)
	if err != nil {
		h.t.Fatalf("offers: %v", err)
	}
	n := 0
	for _, of := range offers {
		if of.Status == models.OfferPending {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

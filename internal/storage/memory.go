package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
)

// MemoryStore keeps everything in process. It is meant for a single node in
// development and tests: every transaction, whatever order it touches, runs
// under one mutex, and staged writes are applied only on commit. Production
// runs on PostgresStore, which locks per row.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]*models.Order
	events  map[string][]models.OrderEvent
	drivers map[string]*models.Driver
	stats   map[string]*models.DriverStatistics
	offers  map[string]*models.Offer
	// insertion order of offers, for stable listings
	offerSeq []string
	config   models.DispatchConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*models.Order),
		events:  make(map[string][]models.OrderEvent),
		drivers: make(map[string]*models.Driver),
		stats:   make(map[string]*models.DriverStatistics),
		offers:  make(map[string]*models.Offer),
		config:  models.DefaultDispatchConfig(),
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{
		m:       m,
		orders:  make(map[string]*models.Order),
		drivers: make(map[string]*models.Driver),
		stats:   make(map[string]*models.DriverStatistics),
		offers:  make(map[string]*models.Offer),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	of, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOffer(of), nil
}

func (m *MemoryStore) OffersForOrder(_ context.Context, orderID string) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Offer
	for _, id := range m.offerSeq {
		if of := m.offers[id]; of.OrderID == orderID {
			out = append(out, *cloneOffer(of))
		}
	}
	return out, nil
}

func (m *MemoryStore) OrderEvents(_ context.Context, orderID string) ([]models.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderEvent(nil), m.events[orderID]...), nil
}

func (m *MemoryStore) OnlineDrivers(_ context.Context, region models.RegionID) ([]models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if !d.Online {
			continue
		}
		if d.Region == region || d.Region == "" {
			out = append(out, *cloneDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AllStats(_ context.Context) (map[string]models.DriverStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.DriverStatistics, len(m.stats))
	for id, s := range m.stats {
		out[id] = *s
	}
	return out, nil
}

func (m *MemoryStore) ExpiredOffers(_ context.Context, now time.Time) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Offer
	for _, id := range m.offerSeq {
		of := m.offers[id]
		if of.Status == models.OfferPending && of.Expired(now) {
			out = append(out, *cloneOffer(of))
		}
	}
	return out, nil
}

func (m *MemoryStore) OrdersArrivedBefore(_ context.Context, cutoff time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.State == models.OrderArrivedWaiting && o.ArrivedAt != nil && !o.ArrivedAt.After(cutoff) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ActiveConfig(_ context.Context) (models.DispatchConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config, nil
}

func (m *MemoryStore) SetActiveConfig(_ context.Context, cfg models.DispatchConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	return nil
}

// memTx stages writes on top of the store. The store mutex is held by
// WithTx for the lifetime of the tx.
type memTx struct {
	m       *MemoryStore
	orders  map[string]*models.Order
	events  []models.OrderEvent
	drivers map[string]*models.Driver
	stats   map[string]*models.DriverStatistics
	offers  map[string]*models.Offer
	newIDs  []string
}

func (t *memTx) commit() {
	m := t.m
	for id, o := range t.orders {
		m.orders[id] = o
	}
	for _, ev := range t.events {
		m.events[ev.OrderID] = append(m.events[ev.OrderID], ev)
	}
	for id, d := range t.drivers {
		m.drivers[id] = d
	}
	for id, s := range t.stats {
		m.stats[id] = s
	}
	for id, of := range t.offers {
		m.offers[id] = of
	}
	m.offerSeq = append(m.offerSeq, t.newIDs...)
}

func (t *memTx) Order(_ context.Context, id string) (*models.Order, error) {
	if o, ok := t.orders[id]; ok {
		return cloneOrder(o), nil
	}
	if o, ok := t.m.orders[id]; ok {
		return cloneOrder(o), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) SaveOrder(_ context.Context, o *models.Order) error {
	t.orders[o.ID] = cloneOrder(o)
	return nil
}

func (t *memTx) AppendOrderEvent(_ context.Context, ev models.OrderEvent) error {
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) Driver(_ context.Context, id string) (*models.Driver, error) {
	if d, ok := t.drivers[id]; ok {
		return cloneDriver(d), nil
	}
	if d, ok := t.m.drivers[id]; ok {
		return cloneDriver(d), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) SaveDriver(_ context.Context, d *models.Driver) error {
	t.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (t *memTx) Stats(_ context.Context, driverID string) (*models.DriverStatistics, error) {
	if s, ok := t.stats[driverID]; ok {
		c := *s
		return &c, nil
	}
	if s, ok := t.m.stats[driverID]; ok {
		c := *s
		return &c, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) SaveStats(_ context.Context, s *models.DriverStatistics) error {
	c := *s
	t.stats[s.DriverID] = &c
	return nil
}

func (t *memTx) Offer(_ context.Context, id string) (*models.Offer, error) {
	if of, ok := t.offers[id]; ok {
		return cloneOffer(of), nil
	}
	if of, ok := t.m.offers[id]; ok {
		return cloneOffer(of), nil
	}
	return nil, ErrNotFound
}

// view merges staged offers over committed ones, committed order first.
func (t *memTx) view() []*models.Offer {
	out := make([]*models.Offer, 0, len(t.m.offerSeq)+len(t.newIDs))
	for _, id := range t.m.offerSeq {
		if of, ok := t.offers[id]; ok {
			out = append(out, of)
			continue
		}
		out = append(out, t.m.offers[id])
	}
	for _, id := range t.newIDs {
		out = append(out, t.offers[id])
	}
	return out
}

func (t *memTx) InsertOffer(_ context.Context, of *models.Offer) error {
	if _, ok := t.m.offers[of.ID]; ok {
		return ErrConflict
	}
	if _, ok := t.offers[of.ID]; ok {
		return ErrConflict
	}
	if of.Status == models.OfferPending {
		for _, o := range t.view() {
			if o.Status != models.OfferPending {
				continue
			}
			if o.OrderID == of.OrderID || o.DriverID == of.DriverID {
				return ErrConflict
			}
		}
	}
	t.offers[of.ID] = cloneOffer(of)
	t.newIDs = append(t.newIDs, of.ID)
	return nil
}

func (t *memTx) SaveOffer(_ context.Context, of *models.Offer) error {
	_, staged := t.offers[of.ID]
	_, committed := t.m.offers[of.ID]
	if !staged && !committed {
		return ErrNotFound
	}
	t.offers[of.ID] = cloneOffer(of)
	return nil
}

func (t *memTx) PendingOffersForOrder(_ context.Context, orderID string) ([]models.Offer, error) {
	var out []models.Offer
	for _, o := range t.view() {
		if o.OrderID == orderID && o.Status == models.OfferPending {
			out = append(out, *cloneOffer(o))
		}
	}
	return out, nil
}

func (t *memTx) PendingOfferForDriver(_ context.Context, driverID string) (*models.Offer, error) {
	for _, o := range t.view() {
		if o.DriverID == driverID && o.Status == models.OfferPending {
			return cloneOffer(o), nil
		}
	}
	return nil, ErrNotFound
}

// PutOrder, PutDriver, PutStats and PutOffer write rows directly, skipping
// transactional checks. Load uses them to apply a Fixture.
func (m *MemoryStore) PutOrder(o models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(&o)
}

func (m *MemoryStore) PutDriver(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = cloneDriver(&d)
}

func (m *MemoryStore) PutStats(s models.DriverStatistics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[s.DriverID] = &s
}

func (m *MemoryStore) PutOffer(of models.Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[of.ID]; !ok {
		m.offerSeq = append(m.offerSeq, of.ID)
	}
	m.offers[of.ID] = cloneOffer(&of)
}

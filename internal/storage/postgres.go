package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/accessible-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore persists dispatch state in PostgreSQL. Row locks (SELECT ...
// FOR UPDATE) serialize work on one order or driver; partial unique indexes
// back the single-pending-offer rules.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded SQL files in name order, skipping those
// already recorded in schema_migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, file := range files {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		content, err := fs.ReadFile(sub, file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err := p.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec %s: %w", file, err)
		}
		if _, err := p.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, file); err != nil {
			return fmt.Errorf("record %s: %w", file, err)
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr turns unique violations into ErrConflict and missing rows into
// ErrNotFound.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

const orderColumns = `id, passenger_id, passenger_region, region, pickup_lat, pickup_lon, pickup_label,
	dropoff_lat, dropoff_lon, dropoff_label, needs_companion, pickup_at, state, version,
	driver_id, assign_reason, created_at, assigned_at, arrived_at, completed_at`

const driverColumns = `id, region, capacity, online, state, lat, lon, fix_at, rating, idle_since, order_id, version`

const statsColumns = `driver_id, acceptance_rate, cancel_rate, offers_last_60min, orders_last_60min,
	window_start, accepts_count, rejections_count, cancellations_count, no_shows_count, version`

const offerColumns = `id, order_id, driver_id, status, created_at, expires_at, responded_at,
	eta_seconds, distance_km, cost, reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	var (
		o                               models.Order
		region, passengerRegion, state  string
		driverID                        sql.NullString
		assignedAt, arrivedAt, complete sql.NullTime
	)
	err := s.Scan(&o.ID, &o.PassengerID, &passengerRegion, &region, &o.Pickup.Lat, &o.Pickup.Lon, &o.PickupLabel,
		&o.Dropoff.Lat, &o.Dropoff.Lon, &o.DropoffLabel, &o.NeedsCompanion, &o.PickupAt, &state, &o.Version,
		&driverID, &o.AssignReason, &o.CreatedAt, &assignedAt, &arrivedAt, &complete)
	if err != nil {
		return nil, mapErr(err)
	}
	o.PassengerRegion = models.RegionID(passengerRegion)
	o.Region = models.RegionID(region)
	o.State = models.OrderState(state)
	o.DriverID = driverID.String
	o.AssignedAt = toTimePtr(assignedAt)
	o.ArrivedAt = toTimePtr(arrivedAt)
	o.CompletedAt = toTimePtr(complete)
	return &o, nil
}

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d             models.Driver
		region, state string
		lat, lon      sql.NullFloat64
		fixAt, idle   sql.NullTime
	)
	if err := s.Scan(&d.ID, &region, &d.Capacity, &d.Online, &state, &lat, &lon, &fixAt, &d.Rating, &idle, &d.OrderID, &d.Version); err != nil {
		return nil, mapErr(err)
	}
	d.Region = models.RegionID(region)
	d.State = models.DriverState(state)
	if lat.Valid && lon.Valid && fixAt.Valid {
		d.Position = &models.Fix{Coord: models.Coord{Lat: lat.Float64, Lon: lon.Float64}, At: fixAt.Time}
	}
	d.IdleSince = toTimePtr(idle)
	return &d, nil
}

func scanStats(s scanner) (*models.DriverStatistics, error) {
	var st models.DriverStatistics
	err := s.Scan(&st.DriverID, &st.AcceptanceRate, &st.CancelRate, &st.OffersLast60Min, &st.OrdersLast60Min,
		&st.WindowStart, &st.AcceptsCount, &st.RejectionsCount, &st.CancellationsCount, &st.NoShowsCount, &st.Version)
	if err != nil {
		return nil, mapErr(err)
	}
	return &st, nil
}

func scanOffer(s scanner) (*models.Offer, error) {
	var (
		of        models.Offer
		status    string
		responded sql.NullTime
	)
	err := s.Scan(&of.ID, &of.OrderID, &of.DriverID, &status, &of.CreatedAt, &of.ExpiresAt, &responded,
		&of.ETASeconds, &of.DistanceKm, &of.Cost, &of.Reason)
	if err != nil {
		return nil, mapErr(err)
	}
	of.Status = models.OfferStatus(status)
	of.RespondedAt = toTimePtr(responded)
	return &of, nil
}

func queryOffers(ctx context.Context, q querier, where string, args ...any) ([]models.Offer, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		of, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *of)
	}
	return out, rows.Err()
}

func toTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	return scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
}

func (p *PostgresStore) OffersForOrder(ctx context.Context, orderID string) ([]models.Offer, error) {
	return queryOffers(ctx, p.db, `order_id = $1`, orderID)
}

func (p *PostgresStore) OrderEvents(ctx context.Context, orderID string) ([]models.OrderEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, from_state, to_state, reason, created_at
		FROM order_events WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OrderEvent
	for rows.Next() {
		var ev models.OrderEvent
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.OrderID, &from, &to, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.From, ev.To = models.OrderState(from), models.OrderState(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) OnlineDrivers(ctx context.Context, region models.RegionID) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+driverColumns+` FROM drivers
		WHERE online AND (region = $1 OR region = '')
		ORDER BY id`, string(region))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AllStats(ctx context.Context) (map[string]models.DriverStatistics, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+statsColumns+` FROM driver_stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]models.DriverStatistics)
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out[st.DriverID] = *st
	}
	return out, rows.Err()
}

func (p *PostgresStore) ExpiredOffers(ctx context.Context, now time.Time) ([]models.Offer, error) {
	return queryOffers(ctx, p.db, `status = 'pending' AND expires_at < $1`, now)
}

func (p *PostgresStore) OrdersArrivedBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE state = 'ARRIVED_WAITING' AND arrived_at <= $1
		ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ActiveConfig falls back to the defaults until a config has been stored.
func (p *PostgresStore) ActiveConfig(ctx context.Context) (models.DispatchConfig, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM dispatch_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultDispatchConfig(), nil
	}
	if err != nil {
		return models.DispatchConfig{}, err
	}
	cfg := models.DefaultDispatchConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return models.DispatchConfig{}, fmt.Errorf("decode dispatch config: %w", err)
	}
	return cfg, nil
}

func (p *PostgresStore) SetActiveConfig(ctx context.Context, cfg models.DispatchConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dispatch_config (id, body, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`, raw)
	return err
}

type pgTx struct {
	q querier
}

func (t *pgTx) Order(ctx context.Context, id string) (*models.Order, error) {
	return scanOrder(t.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			region = EXCLUDED.region,
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			driver_id = EXCLUDED.driver_id,
			assign_reason = EXCLUDED.assign_reason,
			assigned_at = EXCLUDED.assigned_at,
			arrived_at = EXCLUDED.arrived_at,
			completed_at = EXCLUDED.completed_at`,
		o.ID, o.PassengerID, string(o.PassengerRegion), string(o.Region), o.Pickup.Lat, o.Pickup.Lon, o.PickupLabel,
		o.Dropoff.Lat, o.Dropoff.Lon, o.DropoffLabel, o.NeedsCompanion, o.PickupAt, string(o.State), o.Version,
		nullString(o.DriverID), o.AssignReason, o.CreatedAt, o.AssignedAt, o.ArrivedAt, o.CompletedAt)
	return mapErr(err)
}

func (t *pgTx) AppendOrderEvent(ctx context.Context, ev models.OrderEvent) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.OrderID, string(ev.From), string(ev.To), ev.Reason, ev.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(t.q.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveDriver(ctx context.Context, d *models.Driver) error {
	var lat, lon sql.NullFloat64
	var fixAt sql.NullTime
	if d.Position != nil {
		lat = sql.NullFloat64{Float64: d.Position.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: d.Position.Lon, Valid: true}
		fixAt = sql.NullTime{Time: d.Position.At, Valid: true}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO drivers (`+driverColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			region = EXCLUDED.region,
			capacity = EXCLUDED.capacity,
			online = EXCLUDED.online,
			state = EXCLUDED.state,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			fix_at = EXCLUDED.fix_at,
			rating = EXCLUDED.rating,
			idle_since = EXCLUDED.idle_since,
			order_id = EXCLUDED.order_id,
			version = EXCLUDED.version`,
		d.ID, string(d.Region), d.Capacity, d.Online, string(d.State), lat, lon, fixAt, d.Rating, d.IdleSince, d.OrderID, d.Version)
	return mapErr(err)
}

func (t *pgTx) Stats(ctx context.Context, driverID string) (*models.DriverStatistics, error) {
	return scanStats(t.q.QueryRowContext(ctx, `SELECT `+statsColumns+` FROM driver_stats WHERE driver_id = $1 FOR UPDATE`, driverID))
}

func (t *pgTx) SaveStats(ctx context.Context, s *models.DriverStatistics) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO driver_stats (`+statsColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (driver_id) DO UPDATE SET
			acceptance_rate = EXCLUDED.acceptance_rate,
			cancel_rate = EXCLUDED.cancel_rate,
			offers_last_60min = EXCLUDED.offers_last_60min,
			orders_last_60min = EXCLUDED.orders_last_60min,
			window_start = EXCLUDED.window_start,
			accepts_count = EXCLUDED.accepts_count,
			rejections_count = EXCLUDED.rejections_count,
			cancellations_count = EXCLUDED.cancellations_count,
			no_shows_count = EXCLUDED.no_shows_count,
			version = EXCLUDED.version`,
		s.DriverID, s.AcceptanceRate, s.CancelRate, s.OffersLast60Min, s.OrdersLast60Min,
		s.WindowStart, s.AcceptsCount, s.RejectionsCount, s.CancellationsCount, s.NoShowsCount, s.Version)
	return mapErr(err)
}

func (t *pgTx) Offer(ctx context.Context, id string) (*models.Offer, error) {
	return scanOffer(t.q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) InsertOffer(ctx context.Context, of *models.Offer) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		of.ID, of.OrderID, of.DriverID, string(of.Status), of.CreatedAt, of.ExpiresAt, of.RespondedAt,
		of.ETASeconds, of.DistanceKm, of.Cost, of.Reason)
	return mapErr(err)
}

func (t *pgTx) SaveOffer(ctx context.Context, of *models.Offer) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE offers SET status = $1, responded_at = $2 WHERE id = $3`,
		string(of.Status), of.RespondedAt, of.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) PendingOffersForOrder(ctx context.Context, orderID string) ([]models.Offer, error) {
	return queryOffers(ctx, t.q, `order_id = $1 AND status = 'pending'`, orderID)
}

func (t *pgTx) PendingOfferForDriver(ctx context.Context, driverID string) (*models.Offer, error) {
	offers, err := queryOffers(ctx, t.q, `driver_id = $1 AND status = 'pending'`, driverID)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ErrNotFound
	}
	return &offers[0], nil
}

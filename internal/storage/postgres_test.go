package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/accessible-dispatch/internal/models"
)

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set")
	}
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgresPendingOfferUniqueness(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	orderID := uuid.NewString()
	d1, d2 := uuid.NewString(), uuid.NewString()

	err := s.WithTx(ctx, func(tx Tx) error {
		for _, id := range []string{d1, d2} {
			d := &models.Driver{ID: id, Region: "r1", Capacity: 4, Online: true, State: models.DriverOnlineIdle, Rating: 4.5}
			if err := tx.SaveDriver(ctx, d); err != nil {
				return err
			}
		}
		o := seedOrder(orderID)
		return tx.SaveOrder(ctx, &o)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	first := pending(uuid.NewString(), orderID, d1)
	first.CreatedAt, first.ExpiresAt = now, now.Add(30*time.Second)
	if err := s.WithTx(ctx, func(tx Tx) error { return tx.InsertOffer(ctx, first) }); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second := pending(uuid.NewString(), orderID, d2)
	second.CreatedAt, second.ExpiresAt = now, now.Add(30*time.Second)
	err = s.WithTx(ctx, func(tx Tx) error { return tx.InsertOffer(ctx, second) })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetOffer(ctx, first.ID)
	if err != nil || got.Status != models.OfferPending {
		t.Fatalf("unexpected first offer %+v %v", got, err)
	}
	if _, err := s.GetOffer(ctx, second.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for rejected offer, got %v", err)
	}
}

func TestPostgresOrderRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	o := seedOrder(uuid.NewString())
	o.PassengerID = "p1"
	o.NeedsCompanion = true
	o.Region = "r1"

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.SaveOrder(ctx, &o); err != nil {
			return err
		}
		return tx.AppendOrderEvent(ctx, models.OrderEvent{ID: uuid.NewString(), OrderID: o.ID, From: models.OrderCreated, To: models.OrderMatching, CreatedAt: t0})
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Region != "r1" || !got.NeedsCompanion || got.State != models.OrderMatching {
		t.Fatalf("unexpected order %+v", got)
	}
	evs, err := s.OrderEvents(ctx, o.ID)
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d %v", len(evs), err)
	}
}

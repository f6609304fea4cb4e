package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
)

var (
	pickup = models.Coord{Lat: 25.0340, Lon: 121.5645}
	near   = models.Coord{Lat: 25.0478, Lon: 121.5170}
)

type countingRouter struct {
	calls int
	err   error
	route Route
}

func (c *countingRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	c.calls++
	return c.route, c.err
}

func TestCachedRouterHitsCache(t *testing.T) {
	next := &countingRouter{route: Route{DistanceKm: 3, DurationSeconds: 240}}
	r := &CachedRouter{Next: next, Cache: NewCache(time.Minute)}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := r.Route(ctx, near, pickup)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if got.DurationSeconds != 240 {
			t.Fatalf("expected 240s, got %v", got.DurationSeconds)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", next.calls)
	}
}

func TestCachedRouterDoesNotCacheFailures(t *testing.T) {
	next := &countingRouter{err: errors.New("boom")}
	r := &CachedRouter{Next: next, Cache: NewCache(time.Minute)}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Route(ctx, near, pickup); err == nil {
			t.Fatal("expected error")
		}
	}
	if next.calls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", next.calls)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	ctx := context.Background()
	c.Set(ctx, near, pickup, Route{DurationSeconds: 1})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(ctx, near, pickup); ok {
		t.Fatal("expected expired entry")
	}
}

func TestHaversineRouter(t *testing.T) {
	r := HaversineRouter{SpeedMps: 10}
	got, err := r.Route(context.Background(), near, pickup)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got.DistanceKm < 4 || got.DistanceKm > 6 {
		t.Fatalf("unexpected distance %v", got.DistanceKm)
	}
	if want := got.DistanceKm * 100; got.DurationSeconds < want-1 || got.DurationSeconds > want+1 {
		t.Fatalf("expected %vs, got %v", want, got.DurationSeconds)
	}

	if _, err := r.Route(context.Background(), models.Coord{}, pickup); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute for missing coordinates, got %v", err)
	}
}

func TestFallbackRouter(t *testing.T) {
	f := Fallback{
		Primary:   &countingRouter{err: errors.New("down")},
		Secondary: &countingRouter{route: Route{DurationSeconds: 42}},
	}
	got, err := f.Route(context.Background(), near, pickup)
	if err != nil || got.DurationSeconds != 42 {
		t.Fatalf("expected fallback route, got %v %v", got, err)
	}
}

func TestOSRMClientRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5,"distance":4200}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.Route(context.Background(), near, pickup)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got.DurationSeconds != 321.5 || got.DistanceKm != 4.2 {
		t.Fatalf("unexpected route %+v", got)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	if _, err := c.Route(context.Background(), near, pickup); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/accessible-dispatch/internal/models"
)

func offerEvent() models.DispatchEvent {
	return models.DispatchEvent{Type: models.EventOfferCreated, OrderID: "o1", OfferID: "of1", DriverID: "d1", ETASeconds: 120, At: time.Now()}
}

func TestWebhookNotifierPosts(t *testing.T) {
	var got struct {
		DriverID string               `json:"driver_id"`
		Event    models.DispatchEvent `json:"event"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "secret")
	if err := n.Notify(context.Background(), "d1", offerEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.DriverID != "d1" || got.Event.OfferID != "of1" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL, "").Notify(context.Background(), "d1", offerEvent()); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestFanoutPrefersWebSocket(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add("d1", conn)
		close(ready)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	<-ready

	var hookCalls atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hookCalls.Add(1) }))
	defer hook.Close()

	f := &Fanout{WS: reg, Webhook: NewWebhookNotifier(hook.URL, "")}
	if err := f.Notify(context.Background(), "d1", offerEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	var ev models.DispatchEvent
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.OfferID != "of1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if hookCalls.Load() != 0 {
		t.Fatalf("webhook should not be used when ws is connected")
	}

	// unknown driver falls back to the webhook
	if err := f.Notify(context.Background(), "d2", offerEvent()); err != nil {
		t.Fatalf("fallback notify: %v", err)
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("expected webhook fallback, got %d calls", hookCalls.Load())
	}
}

func TestFanoutUnreachable(t *testing.T) {
	f := &Fanout{WS: NewWSRegistry()}
	if err := f.Notify(context.Background(), "d1", offerEvent()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

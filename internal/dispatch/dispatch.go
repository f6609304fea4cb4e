// Package dispatch delivers engine events to drivers.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/accessible-dispatch/internal/models"
)

// Fanout tries the driver's WebSocket first and falls back to the webhook.
type Fanout struct {
	WS      *WSRegistry
	Webhook *WebhookNotifier
	Logger  *slog.Logger
}

func (f *Fanout) Notify(ctx context.Context, driverID string, ev models.DispatchEvent) error {
	if f.WS != nil {
		err := f.WS.Send(driverID, ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) && f.Logger != nil {
			f.Logger.Warn("ws send failed, falling back", "driver_id", driverID, "error", err)
		}
	}
	if f.Webhook != nil && f.Webhook.Endpoint != "" {
		return f.Webhook.Notify(ctx, driverID, ev)
	}
	if f.Logger != nil {
		f.Logger.Debug("driver not reachable", "driver_id", driverID, "type", ev.Type)
	}
	return ErrNoSession
}

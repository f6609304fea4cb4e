package ingest

import (
	"context"
	"time"

	"github.com/example/accessible-dispatch/internal/clock"
	"github.com/example/accessible-dispatch/internal/models"
)

// LocationUpdater applies a fix to a driver.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, fix models.Fix) (models.Driver, error)
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeThrottled Outcome = "throttled"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

// LocationHandler decodes, throttles and writes through location messages.
type LocationHandler struct {
	Updater  LocationUpdater
	Throttle Throttle // nil disables throttling
	Clock    clock.Clock
	Attempts int
	Backoff  time.Duration
	// Retryable reports whether an update error is worth retrying. Nil retries everything.
	Retryable func(error) bool
}

func (h *LocationHandler) Handle(ctx context.Context, msg []byte) (Outcome, error) {
	now := time.Now()
	if h.Clock != nil {
		now = h.Clock.Now()
	}
	u, err := DecodeLocation(msg, now)
	if err != nil {
		return OutcomeInvalid, err
	}
	if h.Throttle != nil {
		ok, err := h.Throttle.Allow(ctx, u.DriverID)
		// a throttle outage should not drop fixes
		if err == nil && !ok {
			return OutcomeThrottled, nil
		}
	}
	if err := h.updateWithRetry(ctx, u); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (h *LocationHandler) updateWithRetry(ctx context.Context, u LocationUpdate) error {
	attempts := h.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := h.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = h.Updater.UpdateLocation(ctx, u.DriverID, u.Fix()); err == nil {
			return nil
		}
		if h.Retryable != nil && !h.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

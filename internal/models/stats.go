package models

import "time"

// StatsWindow is the length of the tumbling window behind the *_last_60min
// counters.
const StatsWindow = 60 * time.Minute

type DriverStatistics struct {
	DriverID           string    `json:"driver_id"`
	AcceptanceRate     float64   `json:"acceptance_rate"`
	CancelRate         float64   `json:"cancel_rate"`
	OffersLast60Min    int       `json:"offers_last_60min"`
	OrdersLast60Min    int       `json:"orders_last_60min"`
	WindowStart        time.Time `json:"window_start"`
	AcceptsCount       int       `json:"accepts_count"`
	RejectionsCount    int       `json:"rejections_count"`
	CancellationsCount int       `json:"cancellations_count"`
	NoShowsCount       int       `json:"no_shows_count"`
	Version            int       `json:"version"`
}

// NewDriverStatistics starts a driver with a perfect acceptance record.
func NewDriverStatistics(driverID string, now time.Time) *DriverStatistics {
	return &DriverStatistics{DriverID: driverID, AcceptanceRate: 1, WindowStart: now}
}

// Roll resets the windowed counters once the window has elapsed. The rates
// are kept so a quiet hour does not erase a driver's history.
func (s *DriverStatistics) Roll(now time.Time) {
	if s.WindowStart.IsZero() {
		s.WindowStart = now
		return
	}
	if now.Sub(s.WindowStart) >= StatsWindow {
		s.OffersLast60Min = 0
		s.OrdersLast60Min = 0
		s.WindowStart = now
	}
}

func (s *DriverStatistics) RecordOffer(now time.Time) {
	s.Roll(now)
	s.OffersLast60Min++
	s.Version++
}

func (s *DriverStatistics) RecordAccept(now time.Time) {
	s.Roll(now)
	s.OrdersLast60Min++
	s.AcceptsCount++
	s.recomputeAcceptance()
	s.Version++
}

// RecordRejection counts both explicit declines and timeouts.
func (s *DriverStatistics) RecordRejection(now time.Time) {
	s.Roll(now)
	s.RejectionsCount++
	s.recomputeAcceptance()
	s.Version++
}

func (s *DriverStatistics) RecordCancellation(now time.Time) {
	s.Roll(now)
	s.CancellationsCount++
	accepts := s.AcceptsCount
	if accepts < 1 {
		accepts = 1
	}
	s.CancelRate = clamp01(float64(s.CancellationsCount) / float64(accepts))
	s.Version++
}

func (s *DriverStatistics) RecordNoShow(now time.Time) {
	s.Roll(now)
	s.NoShowsCount++
	s.Version++
}

func (s *DriverStatistics) recomputeAcceptance() {
	if s.OffersLast60Min == 0 {
		return
	}
	s.AcceptanceRate = clamp01(float64(s.OrdersLast60Min) / float64(s.OffersLast60Min))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

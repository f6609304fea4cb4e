package matcher

import (
	"math"
	"sort"
	"strings"

	"github.com/example/accessible-dispatch/internal/models"
)

const (
	deadheadMaxKm  = 20.0 // max relevant pickup distance
	fairnessSpread = 5.0
	qualityTarget  = 4.5
	qualitySpan    = 1.5
)

// ScoreDetails holds the normalized cost components, each in [0,1].
type ScoreDetails struct {
	ETA      float64 `json:"eta_norm"`
	Deadhead float64 `json:"deadhead_norm"`
	Reject   float64 `json:"reject_norm"`
	Cancel   float64 `json:"cancel_norm"`
	Fairness float64 `json:"fairness_norm"`
	Zone     float64 `json:"zone_norm"`
	Quality  float64 `json:"quality_norm"`
}

type ScoredCandidate struct {
	DriverID   string       `json:"driver_id"`
	ETASeconds float64      `json:"eta_seconds"`
	DistanceKm float64      `json:"distance_km"`
	Cost       float64      `json:"cost"`
	Details    ScoreDetails `json:"details"`
	Reason     string       `json:"reason"`
}

// medianOrders is the median of orders_last_60min across all drivers with a
// statistics row.
func medianOrders(stats map[string]models.DriverStatistics) float64 {
	if len(stats) == 0 {
		return 0
	}
	vals := make([]int, 0, len(stats))
	for _, st := range stats {
		vals = append(vals, st.OrdersLast60Min)
	}
	sort.Ints(vals)
	n := len(vals)
	if n%2 == 1 {
		return float64(vals[n/2])
	}
	return float64(vals[n/2-1]+vals[n/2]) / 2
}

// score computes the weighted cost of one ranked candidate. It reports false
// when the inputs cannot produce a finite cost.
func score(r ranked, median float64, cfg models.DispatchConfig) (ScoredCandidate, bool) {
	if r.etaSeconds < 0 || r.distanceKm < 0 || math.IsNaN(r.etaSeconds) || math.IsNaN(r.distanceKm) || cfg.ETAMaxSeconds <= 0 {
		return ScoredCandidate{}, false
	}
	d := ScoreDetails{
		ETA:      math.Min(r.etaSeconds/cfg.ETAMaxSeconds, 1),
		Deadhead: math.Min(r.distanceKm/deadheadMaxKm, 1),
		Reject:   clamp01(1 - r.stats.AcceptanceRate),
		Cancel:   clamp01(r.stats.CancelRate),
		Fairness: math.Min(math.Abs(float64(r.stats.OrdersLast60Min)-median)/fairnessSpread, 1),
		Zone:     0,
		Quality:  math.Max(0, (qualityTarget-r.driver.Rating)/qualitySpan),
	}
	w := cfg.Weights
	cost := w.ETA*d.ETA + w.Deadhead*d.Deadhead + w.Reject*d.Reject + w.Cancel*d.Cancel +
		w.Fairness*d.Fairness + w.Zone*d.Zone + w.Quality*d.Quality
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return ScoredCandidate{}, false
	}
	return ScoredCandidate{
		DriverID:   r.driver.ID,
		ETASeconds: r.etaSeconds,
		DistanceKm: r.distanceKm,
		Cost:       cost,
		Details:    d,
		Reason:     reasonFor(d, w),
	}, true
}

// scoreAll scores the ranked candidates and sorts them by cost. The sort is
// stable so equal costs keep ranking order and the first seen wins.
func scoreAll(rs []ranked, median float64, cfg models.DispatchConfig) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(rs))
	for _, r := range rs {
		if sc, ok := score(r, median, cfg); ok {
			out = append(out, sc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	return out
}

type reasonPart struct {
	label string
	gain  float64
}

// reasonFor names the two components that helped the candidate most.
func reasonFor(d ScoreDetails, w models.Weights) string {
	parts := []struct {
		label  string
		norm   float64
		weight float64
		limit  float64
	}{
		{"fast ETA", d.ETA, w.ETA, 0.34},
		{"short deadhead", d.Deadhead, w.Deadhead, 0.25},
		{"high acceptance rate", d.Reject, w.Reject, 0.2},
		{"reliable", d.Cancel, w.Cancel, 0.05},
		{"fair distribution", d.Fairness, w.Fairness, 0.2},
		{"top rated", d.Quality, w.Quality, 0},
	}
	var good []reasonPart
	for _, p := range parts {
		if p.weight > 0 && p.norm <= p.limit {
			good = append(good, reasonPart{label: p.label, gain: p.weight * (1 - p.norm)})
		}
	}
	if len(good) == 0 {
		return "best available"
	}
	sort.SliceStable(good, func(i, j int) bool { return good[i].gain > good[j].gain })
	if len(good) > 2 {
		good = good[:2]
	}
	labels := make([]string, len(good))
	for i, g := range good {
		labels[i] = g.label
	}
	return strings.Join(labels, ", ")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

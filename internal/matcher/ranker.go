package matcher

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/observability"
)

type ranked struct {
	candidate
	etaSeconds float64
	distanceKm float64
}

// routeCandidates asks the router for every candidate concurrently. A failed
// or timed out call drops that candidate only. The result is sorted by ETA.
func (s *Service) routeCandidates(ctx context.Context, o *models.Order, cands []candidate) []ranked {
	results := make([]*ranked, len(cands))
	var g errgroup.Group
	g.SetLimit(s.routeConcurrency())
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			if c.driver.Position == nil {
				observability.RouteLookups.WithLabelValues("missing_position").Inc()
				return nil
			}
			rctx, cancel := context.WithTimeout(ctx, s.routeTimeout())
			defer cancel()
			start := time.Now()
			r, err := s.Router.Route(rctx, c.driver.Position.Coord, o.Pickup)
			observability.RouteLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				observability.RouteLookups.WithLabelValues("error").Inc()
				s.log().Warn("route lookup failed, candidate dropped", "order_id", o.ID, "driver_id", c.driver.ID, "error", err)
				return nil
			}
			observability.RouteLookups.WithLabelValues("ok").Inc()
			results[i] = &ranked{candidate: c, etaSeconds: r.DurationSeconds, distanceKm: r.DistanceKm}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ranked, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].etaSeconds < out[j].etaSeconds })
	return out
}

// topK keeps candidates within the ETA bound, at most k of them. routed must
// already be sorted by ETA.
func topK(routed []ranked, etaMax float64, k int) []ranked {
	out := make([]ranked, 0, k)
	for _, r := range routed {
		if r.etaSeconds > etaMax {
			break
		}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out
}

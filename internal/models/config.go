package models

import (
	"errors"
	"fmt"
	"time"
)

// Weights are relative importances of the cost components; they need not sum
// to one.
type Weights struct {
	ETA      float64 `json:"eta" mapstructure:"eta"`
	Deadhead float64 `json:"deadhead" mapstructure:"deadhead"`
	Reject   float64 `json:"reject" mapstructure:"reject"`
	Cancel   float64 `json:"cancel" mapstructure:"cancel"`
	Fairness float64 `json:"fairness" mapstructure:"fairness"`
	Zone     float64 `json:"zone" mapstructure:"zone"`
	Quality  float64 `json:"quality" mapstructure:"quality"`
}

// DispatchConfig holds the tunables of the matching engine. Exactly one is
// active at a time.
type DispatchConfig struct {
	ETAMaxSeconds       float64 `json:"eta_max_seconds" mapstructure:"eta_max_seconds"`
	KCandidates         int     `json:"k_candidates" mapstructure:"k_candidates"`
	OfferTimeoutSeconds int     `json:"offer_timeout_seconds" mapstructure:"offer_timeout_seconds"`
	Weights             Weights `json:"weights" mapstructure:"weights"`
	MinRating           float64 `json:"min_rating" mapstructure:"min_rating"`
	MaxOffersPerHour    int     `json:"max_offers_per_hour" mapstructure:"max_offers_per_hour"`
	ExpandAfterSeconds  int     `json:"expand_after_seconds" mapstructure:"expand_after_seconds"`
	ExpandETAMultiplier float64 `json:"expand_eta_multiplier" mapstructure:"expand_eta_multiplier"`
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ETAMaxSeconds:       900,
		KCandidates:         5,
		OfferTimeoutSeconds: 30,
		Weights: Weights{
			ETA:      0.4,
			Deadhead: 0.1,
			Reject:   0.2,
			Cancel:   0.1,
			Fairness: 0.1,
			Zone:     0,
			Quality:  0.1,
		},
		MinRating:           3.5,
		MaxOffersPerHour:    20,
		ExpandAfterSeconds:  300,
		ExpandETAMultiplier: 1.5,
	}
}

func (c DispatchConfig) OfferTimeout() time.Duration {
	return time.Duration(c.OfferTimeoutSeconds) * time.Second
}

func (c DispatchConfig) ExpandAfter() time.Duration {
	return time.Duration(c.ExpandAfterSeconds) * time.Second
}

func (c DispatchConfig) Validate() error {
	var errs []error
	if c.ETAMaxSeconds <= 0 {
		errs = append(errs, fmt.Errorf("eta_max_seconds must be > 0"))
	}
	if c.KCandidates <= 0 {
		errs = append(errs, fmt.Errorf("k_candidates must be > 0"))
	}
	if c.OfferTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("offer_timeout_seconds must be > 0"))
	}
	if c.MaxOffersPerHour <= 0 {
		errs = append(errs, fmt.Errorf("max_offers_per_hour must be > 0"))
	}
	if c.MinRating < 0 || c.MinRating > 5 {
		errs = append(errs, fmt.Errorf("min_rating must be within [0,5]"))
	}
	if c.ExpandETAMultiplier < 1 {
		errs = append(errs, fmt.Errorf("expand_eta_multiplier must be >= 1"))
	}
	w := c.Weights
	for name, v := range map[string]float64{"eta": w.ETA, "deadhead": w.Deadhead, "reject": w.Reject, "cancel": w.Cancel, "fairness": w.Fairness, "zone": w.Zone, "quality": w.Quality} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("weight %s must be >= 0", name))
		}
	}
	return errors.Join(errs...)
}

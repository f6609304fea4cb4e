package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/example/accessible-dispatch/internal/models"
)

// LoadDispatchConfig reads the matching tunables. Defaults come from
// models.DefaultDispatchConfig, an optional YAML/JSON file overrides them and
// DISPATCH_* env vars (e.g. DISPATCH_WEIGHTS_ETA) override both.
func LoadDispatchConfig(path string) (models.DispatchConfig, error) {
	v := viper.New()
	setDispatchDefaults(v, models.DefaultDispatchConfig())

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return models.DispatchConfig{}, fmt.Errorf("read dispatch config %s: %w", path, err)
		}
	}

	var cfg models.DispatchConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return models.DispatchConfig{}, fmt.Errorf("decode dispatch config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return models.DispatchConfig{}, err
	}
	return cfg, nil
}

func setDispatchDefaults(v *viper.Viper, d models.DispatchConfig) {
	v.SetDefault("eta_max_seconds", d.ETAMaxSeconds)
	v.SetDefault("k_candidates", d.KCandidates)
	v.SetDefault("offer_timeout_seconds", d.OfferTimeoutSeconds)
	v.SetDefault("min_rating", d.MinRating)
	v.SetDefault("max_offers_per_hour", d.MaxOffersPerHour)
	v.SetDefault("expand_after_seconds", d.ExpandAfterSeconds)
	v.SetDefault("expand_eta_multiplier", d.ExpandETAMultiplier)
	v.SetDefault("weights.eta", d.Weights.ETA)
	v.SetDefault("weights.deadhead", d.Weights.Deadhead)
	v.SetDefault("weights.reject", d.Weights.Reject)
	v.SetDefault("weights.cancel", d.Weights.Cancel)
	v.SetDefault("weights.fairness", d.Weights.Fairness)
	v.SetDefault("weights.zone", d.Weights.Zone)
	v.SetDefault("weights.quality", d.Weights.Quality)
}

// Region is one service-area polygon as stored in the regions file.
type Region struct {
	ID      string         `mapstructure:"id"`
	Polygon []models.Coord `mapstructure:"polygon"`
}

// LoadRegions reads service-area polygons from a YAML/JSON file of the form
// {"regions": [{"id": "...", "polygon": [{"lat": .., "lon": ..}, ...]}]}.
func LoadRegions(path string) ([]Region, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read regions %s: %w", path, err)
	}
	var out struct {
		Regions []Region `mapstructure:"regions"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	for _, r := range out.Regions {
		if r.ID == "" || len(r.Polygon) < 3 {
			return nil, fmt.Errorf("region %q needs an id and at least 3 vertices", r.ID)
		}
	}
	return out.Regions, nil
}

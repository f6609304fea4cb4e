package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch processes.
// Values are primarily loaded from environment variables with sane defaults
// so the binaries can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaLocationsTopic string
	KafkaGroup          string

	PGDSN string

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	DefaultSpeedMps  float64
	ETACacheTTL      time.Duration
	RouteTimeout     time.Duration
	RouteConcurrency int

	PushEndpoint string
	PushKey      string

	OfferSweepInterval  time.Duration
	NoShowSweepInterval time.Duration
	RematchWorkers      int
	RematchBuffer       int
	MaxRematchAttempts  int

	LocationThrottle time.Duration
	DispatchAPIURL   string

	DispatchConfigFile string
	RegionsFile        string
	SeedFile           string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		KafkaEventsTopic:    "dispatch-events",
		KafkaLocationsTopic: "driver-locations",
		KafkaGroup:          "dispatch-location-consumer",
		DefaultSpeedMps:     8,
		ETACacheTTL:         2 * time.Minute,
		RouteTimeout:        2 * time.Second,
		RouteConcurrency:    8,
		OfferSweepInterval:  2 * time.Second,
		NoShowSweepInterval: 30 * time.Second,
		RematchWorkers:      4,
		RematchBuffer:       256,
		MaxRematchAttempts:  10,
		LocationThrottle:    2 * time.Second,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ROUTE_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.RouteTimeout, "ROUTE_TIMEOUT", &errs)
	setIntFromEnv(&cfg.RouteConcurrency, "ROUTE_CONCURRENCY", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setDurationFromEnv(&cfg.OfferSweepInterval, "OFFER_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.NoShowSweepInterval, "NO_SHOW_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.RematchWorkers, "REMATCH_WORKERS", &errs)
	setIntFromEnv(&cfg.RematchBuffer, "REMATCH_BUFFER", &errs)
	setIntFromEnv(&cfg.MaxRematchAttempts, "MAX_REMATCH_ATTEMPTS", &errs)

	setDurationFromEnv(&cfg.LocationThrottle, "LOCATION_THROTTLE", &errs)
	setStringFromEnv(&cfg.DispatchAPIURL, "DISPATCH_API_URL")

	setStringFromEnv(&cfg.DispatchConfigFile, "DISPATCH_CONFIG_FILE")
	setStringFromEnv(&cfg.RegionsFile, "REGIONS_FILE")
	setStringFromEnv(&cfg.SeedFile, "SEED_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_SWEEP_INTERVAL must be > 0"))
	}
	if cfg.NoShowSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("NO_SHOW_SWEEP_INTERVAL must be > 0"))
	}
	if cfg.RouteConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_CONCURRENCY must be > 0"))
	}
	if cfg.MaxRematchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_REMATCH_ATTEMPTS must be > 0"))
	}
	if cfg.RematchWorkers < 0 {
		errs = append(errs, fmt.Errorf("REMATCH_WORKERS must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

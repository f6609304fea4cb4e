package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/accessible-dispatch/internal/config"
	"github.com/example/accessible-dispatch/internal/ingest"
	"github.com/example/accessible-dispatch/internal/logging"
	"github.com/example/accessible-dispatch/internal/matcher"
	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsByOutcome = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_processed_total",
		Help: "Driver location messages by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsByOutcome)
}

// errPermanent marks update failures that retrying cannot fix.
var errPermanent = errors.New("permanent update failure")

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")
	slog.SetDefault(logger)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	updater, closeUpdater, err := newUpdater(cfg, logger)
	if err != nil {
		logger.Error("no location updater", "error", err)
		os.Exit(1)
	}
	defer closeUpdater()

	handler := &ingest.LocationHandler{
		Updater:   updater,
		Attempts:  3,
		Backoff:   200 * time.Millisecond,
		Retryable: retryable,
	}
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		handler.Throttle = ingest.NewRedisThrottle(rc, cfg.LocationThrottle)
	} else {
		handler.Throttle = ingest.NewMemoryThrottle(cfg.LocationThrottle, nil)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if rc != nil {
				if err := rc.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaLocationsTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationsTopic, "brokers", brokers, "group", cfg.KafkaGroup)
	consume(ctx, r, handler, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, h *ingest.LocationHandler, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		outcome, err := h.Handle(ctx, m.Value)
		msgsByOutcome.WithLabelValues(string(outcome)).Inc()
		if err != nil {
			logger.Warn("location not applied", "outcome", outcome, "key", string(m.Key), "error", err)
		}
	}
}

// newUpdater writes fixes straight to Postgres through the engine when a DSN
// is configured, otherwise through the dispatch API.
func newUpdater(cfg config.ServerConfig, logger *slog.Logger) (ingest.LocationUpdater, func(), error) {
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return &matcher.Service{Store: pg, Logger: logger}, func() { _ = pg.Close() }, nil
	}
	if cfg.DispatchAPIURL != "" {
		return newAPIUpdater(cfg.DispatchAPIURL), func() {}, nil
	}
	return nil, nil, errors.New("set PG_DSN or DISPATCH_API_URL")
}

func retryable(err error) bool {
	return !errors.Is(err, errPermanent) &&
		!errors.Is(err, matcher.ErrNotFound) &&
		!errors.Is(err, matcher.ErrInvalidInput)
}

// apiUpdater posts fixes to the dispatch HTTP API.
type apiUpdater struct {
	base   string
	client *http.Client
}

func newAPIUpdater(base string) *apiUpdater {
	return &apiUpdater{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: 3 * time.Second}}
}

func (a *apiUpdater) UpdateLocation(ctx context.Context, driverID string, fix models.Fix) (models.Driver, error) {
	b, err := json.Marshal(map[string]any{"lat": fix.Lat, "lon": fix.Lon, "at": fix.At})
	if err != nil {
		return models.Driver{}, err
	}
	url := a.base + "/api/v1/drivers/" + driverID + "/location"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return models.Driver{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return models.Driver{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return models.Driver{}, fmt.Errorf("dispatch api status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return models.Driver{}, fmt.Errorf("%w: dispatch api status %d", errPermanent, resp.StatusCode)
	}
	var d models.Driver
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return models.Driver{}, err
	}
	return d, nil
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisGeoPrefix string

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaAlertsTopic    string

	AlertWebhookURL string

	PGDSN string

	Tracking TrackingConfig

	LogLevel      string
	RunMigrations bool
}

// TrackingConfig holds the geofence and ingestion parameters.
type TrackingConfig struct {
	AssumedSpeedMph   float64
	ArrivalMiles      float64
	FarMiles          float64
	NearMiles         float64
	FinalMiles        float64
	RetroactiveAlerts bool
	ArriveOnFinalTier bool
	SampleQueue       int
	HighAccuracy      bool
	SampleTimeout     time.Duration
	SampleMaxAge      time.Duration
}

// ConsumerConfig is the configuration of the location consumer process.
type ConsumerConfig struct {
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroupID   string
	RedisAddr      string
	RedisPassword  string
	RedisGeoPrefix string
	MaxRetries     int
	RetryBackoff   time.Duration
	LogLevel       string
}

func defaultTrackingConfig() TrackingConfig {
	return TrackingConfig{
		AssumedSpeedMph:   30,
		ArrivalMiles:      0.03,
		FarMiles:          30,
		NearMiles:         15,
		FinalMiles:        5,
		RetroactiveAlerts: true,
		ArriveOnFinalTier: true,
		SampleQueue:       16,
		HighAccuracy:      true,
		SampleTimeout:     30 * time.Second,
		SampleMaxAge:      time.Minute,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoPrefix:      "tickets_geo",
		KafkaLocationsTopic: "ticket-locations",
		KafkaAlertsTopic:    "delivery-alerts",
		Tracking:            defaultTrackingConfig(),
		LogLevel:            "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaTopic:     "ticket-locations",
		KafkaGroupID:   "geo-indexer",
		RedisAddr:      "localhost:6379",
		RedisGeoPrefix: "tickets_geo",
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		LogLevel:       "info",
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
	setStringFromEnv(&cfg.RedisGeoPrefix, "REDIS_GEO_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaAlertsTopic, "KAFKA_ALERTS_TOPIC")

	cfg.AlertWebhookURL = strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL"))

	cfg.PGDSN = os.Getenv("PG_DSN")

	loadTracking(&cfg.Tracking, &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.AlertWebhookURL != "" {
		if u, err := url.Parse(cfg.AlertWebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("ALERT_WEBHOOK_URL must be an absolute http(s) URL"))
		}
	}
	errs = append(errs, cfg.Tracking.validate()...)

	return cfg, errors.Join(errs...)
}

func loadTracking(t *TrackingConfig, errs *[]error) {
	setFloatFromEnv(&t.AssumedSpeedMph, "TRACK_ASSUMED_SPEED_MPH", errs)
	setFloatFromEnv(&t.ArrivalMiles, "TRACK_ARRIVAL_MILES", errs)
	setFloatFromEnv(&t.FarMiles, "TRACK_FAR_MILES", errs)
	setFloatFromEnv(&t.NearMiles, "TRACK_NEAR_MILES", errs)
	setFloatFromEnv(&t.FinalMiles, "TRACK_FINAL_MILES", errs)
	setBoolFromEnv(&t.RetroactiveAlerts, "TRACK_RETROACTIVE_ALERTS", errs)
	setBoolFromEnv(&t.ArriveOnFinalTier, "TRACK_ARRIVE_ON_FINAL_TIER", errs)
	setIntFromEnv(&t.SampleQueue, "TRACK_SAMPLE_QUEUE", errs)
	setBoolFromEnv(&t.HighAccuracy, "TRACK_HIGH_ACCURACY", errs)
	setDurationFromEnv(&t.SampleTimeout, "TRACK_SAMPLE_TIMEOUT", errs)
	setDurationFromEnv(&t.SampleMaxAge, "TRACK_SAMPLE_MAX_AGE", errs)
}

func (t TrackingConfig) validate() []error {
	var errs []error
	if t.AssumedSpeedMph <= 0 {
		errs = append(errs, fmt.Errorf("TRACK_ASSUMED_SPEED_MPH must be > 0"))
	}
	if t.ArrivalMiles <= 0 {
		errs = append(errs, fmt.Errorf("TRACK_ARRIVAL_MILES must be > 0"))
	}
	if !(t.FinalMiles > 0 && t.FinalMiles < t.NearMiles && t.NearMiles < t.FarMiles) {
		errs = append(errs, fmt.Errorf("tier thresholds must satisfy 0 < final < near < far"))
	}
	if t.SampleQueue <= 0 {
		errs = append(errs, fmt.Errorf("TRACK_SAMPLE_QUEUE must be > 0"))
	}
	if t.SampleTimeout < 0 || t.SampleMaxAge < 0 {
		errs = append(errs, fmt.Errorf("TRACK_SAMPLE_TIMEOUT and TRACK_SAMPLE_MAX_AGE must not be negative"))
	}
	return errs
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoPrefix, "REDIS_GEO_PREFIX")
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_RETRIES must be > 0"))
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
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

package config

import (
	"errors"
	"fmt"
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

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaTopic      string
	KafkaEventTopic string

	PGDSN string

	Dispatch DispatchConfig

	DefaultSpeedMps float64

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds every broadcast/auction constant. The source
// system scattered these as inline literals with drifting values; here
// each one exists exactly once.
type DispatchConfig struct {
	BaseRadiusM     float64       // round 0 search radius
	CandidateCap    int           // max offers per round
	RoundWindow     time.Duration // live broadcast window
	ScheduledWindow time.Duration // initial window for scheduled trips
	AcceptGrace     time.Duration // extra time an offer stays acceptable past the deadline
	MaxRounds       int           // retries before UNFULFILLED
	LockTTL         time.Duration // driver lock lease
	CancelFeePct    float64       // percent of estimate charged after assignment
	SweepInterval   time.Duration // expiry/retry scheduler tick
	OfferRetention  time.Duration // stale offer cleanup horizon
	CodeTTL         time.Duration // trip-start verification code lifetime
	ScheduleLead    time.Duration // how early a scheduled trip enters broadcast
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		KafkaEventTopic: "dispatch-events",
		DefaultSpeedMps: 10,
		LogLevel:        "info",
		Dispatch: DispatchConfig{
			BaseRadiusM:     2000,
			CandidateCap:    20,
			RoundWindow:     30 * time.Second,
			ScheduledWindow: 2 * time.Minute,
			AcceptGrace:     5 * time.Second,
			MaxRounds:       3,
			LockTTL:         30 * time.Minute,
			CancelFeePct:    10,
			SweepInterval:   30 * time.Second,
			OfferRetention:  24 * time.Hour,
			CodeTTL:         30 * time.Minute,
			ScheduleLead:    15 * time.Minute,
		},
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
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	d := &cfg.Dispatch
	setFloatFromEnv(&d.BaseRadiusM, "DISPATCH_BASE_RADIUS_M", &errs)
	setIntFromEnv(&d.CandidateCap, "DISPATCH_CANDIDATE_CAP", &errs)
	setDurationFromEnv(&d.RoundWindow, "DISPATCH_ROUND_WINDOW", &errs)
	setDurationFromEnv(&d.ScheduledWindow, "DISPATCH_SCHEDULED_WINDOW", &errs)
	setDurationFromEnv(&d.AcceptGrace, "DISPATCH_ACCEPT_GRACE", &errs)
	setIntFromEnv(&d.MaxRounds, "DISPATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&d.LockTTL, "DISPATCH_LOCK_TTL", &errs)
	setFloatFromEnv(&d.CancelFeePct, "DISPATCH_CANCEL_FEE_PCT", &errs)
	setDurationFromEnv(&d.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&d.OfferRetention, "DISPATCH_OFFER_RETENTION", &errs)
	setDurationFromEnv(&d.CodeTTL, "DISPATCH_CODE_TTL", &errs)
	setDurationFromEnv(&d.ScheduleLead, "DISPATCH_SCHEDULE_LEAD", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if d.CandidateCap <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_CAP must be > 0"))
	}
	if d.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ROUNDS must be > 0"))
	}
	if d.BaseRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BASE_RADIUS_M must be > 0"))
	}
	if d.CancelFeePct < 0 || d.CancelFeePct > 100 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANCEL_FEE_PCT must be within [0,100]"))
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

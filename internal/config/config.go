package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the presence service.
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

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeAPIKey    string
	StripeReturnURL string

	IdleLeaseTTL time.Duration
	RideLeaseTTL time.Duration
	StoreTimeout time.Duration

	ReaperInterval time.Duration

	// NearbyDefaultLimit bounds a nearby search when the caller does not
	// pass an explicit limit.
	NearbyDefaultLimit int

	// ExpiryTimeZone scopes the daily presence expiry; records live until
	// local midnight in this zone.
	ExpiryTimeZone string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		KafkaTopic:         "driver-presence-events",
		IdleLeaseTTL:       120 * time.Second,
		RideLeaseTTL:       300 * time.Second,
		StoreTimeout:       2 * time.Second,
		ReaperInterval:     30 * time.Second,
		NearbyDefaultLimit: 20,
		ExpiryTimeZone:     "Local",
		LogLevel:           "info",
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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeReturnURL, "STRIPE_RETURN_URL")

	setDurationFromEnv(&cfg.IdleLeaseTTL, "IDLE_LEASE_TTL", &errs)
	setDurationFromEnv(&cfg.RideLeaseTTL, "RIDE_LEASE_TTL", &errs)
	setDurationFromEnv(&cfg.StoreTimeout, "STORE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReaperInterval, "REAPER_INTERVAL", &errs)
	setIntFromEnv(&cfg.NearbyDefaultLimit, "NEARBY_DEFAULT_LIMIT", &errs)

	setStringFromEnv(&cfg.ExpiryTimeZone, "EXPIRY_TIMEZONE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.IdleLeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("IDLE_LEASE_TTL must be > 0"))
	}
	if cfg.RideLeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_LEASE_TTL must be > 0"))
	}
	if cfg.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be > 0"))
	}
	if cfg.NearbyDefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_DEFAULT_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ExpiryLocation resolves the configured expiry time zone.
func (c ServerConfig) ExpiryLocation() (*time.Location, error) {
	if c.ExpiryTimeZone == "" || strings.EqualFold(c.ExpiryTimeZone, "Local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ExpiryTimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid EXPIRY_TIMEZONE: %w", err)
	}
	return loc, nil
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

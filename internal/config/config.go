// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/courier/internal/auth"
	"github.com/dukerupert/courier/internal/delivery"
)

type Config struct {
	Addr           string
	DB             string
	JWTSecret      []byte
	JWTAlg         string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string

	AuthTimeout  time.Duration
	WriteTimeout time.Duration

	PushPolicy    delivery.Policy
	PushBatchSize int
	PushTimeout   time.Duration
	PushWorkers   int
	// PushJobTimeout caps one user's whole push job. Zero leaves each batch
	// bounded only by PushTimeout.
	PushJobTimeout time.Duration

	FCMCredentials string
	FCMProjectID   string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

func Load() (Config, error) {
	return LoadFromEnv(os.Getenv)
}

func LoadFromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Addr:            getenv("COURIER_ADDR"),
		DB:              getenv("COURIER_DB"),
		JWTSecret:       []byte(getenv("COURIER_JWT_SECRET")),
		JWTAlg:          strings.ToUpper(strings.TrimSpace(getenv("COURIER_JWT_ALG"))),
		LogLevel:        getenv("COURIER_LOG_LEVEL"),
		LogFormat:       strings.ToLower(strings.TrimSpace(getenv("COURIER_LOG_FORMAT"))),
		AllowedOrigins:  parseCSV(getenv("COURIER_ALLOWED_ORIGINS")),
		FCMCredentials:  getenv("COURIER_FCM_CREDENTIALS"),
		FCMProjectID:    getenv("COURIER_FCM_PROJECT_ID"),
		VAPIDPublicKey:  getenv("COURIER_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: getenv("COURIER_VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getenv("COURIER_VAPID_SUBJECT"),
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DB == "" {
		cfg.DB = "courier.db"
	}
	if cfg.JWTAlg == "" {
		cfg.JWTAlg = "HS256"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	if len(cfg.JWTSecret) == 0 {
		return Config{}, errors.New("COURIER_JWT_SECRET: required")
	}
	if len(cfg.JWTSecret) < 16 {
		return Config{}, errors.New("COURIER_JWT_SECRET: must be at least 16 bytes")
	}
	if _, err := auth.SigningMethod(cfg.JWTAlg); err != nil {
		return Config{}, fmt.Errorf("COURIER_JWT_ALG: %w", err)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, errors.New("COURIER_LOG_FORMAT: must be text or json")
	}

	policy, err := delivery.ParsePolicy(getenv("COURIER_PUSH_POLICY"))
	if err != nil {
		return Config{}, fmt.Errorf("COURIER_PUSH_POLICY: %w", err)
	}
	cfg.PushPolicy = policy

	if cfg.PushBatchSize, err = intVar(getenv, "COURIER_PUSH_BATCH_SIZE", 100); err != nil {
		return Config{}, err
	}
	if cfg.PushBatchSize < 1 || cfg.PushBatchSize > 500 {
		return Config{}, errors.New("COURIER_PUSH_BATCH_SIZE: must be between 1 and 500")
	}
	if cfg.PushWorkers, err = intVar(getenv, "COURIER_PUSH_WORKERS", 8); err != nil {
		return Config{}, err
	}
	if cfg.PushWorkers < 1 {
		return Config{}, errors.New("COURIER_PUSH_WORKERS: must be > 0")
	}

	if cfg.PushTimeout, err = durationVar(getenv, "COURIER_PUSH_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PushJobTimeout, err = durationVar(getenv, "COURIER_PUSH_JOB_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.PushJobTimeout != 0 && cfg.PushJobTimeout < cfg.PushTimeout {
		return Config{}, errors.New("COURIER_PUSH_JOB_TIMEOUT: must not be shorter than COURIER_PUSH_TIMEOUT")
	}
	if cfg.AuthTimeout, err = durationVar(getenv, "COURIER_AUTH_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = durationVar(getenv, "COURIER_WRITE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}

	if (cfg.FCMCredentials == "") != (cfg.FCMProjectID == "") {
		return Config{}, errors.New("COURIER_FCM_CREDENTIALS and COURIER_FCM_PROJECT_ID must be set together")
	}
	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		return Config{}, errors.New("COURIER_VAPID_PUBLIC_KEY and COURIER_VAPID_PRIVATE_KEY must be set together")
	}

	return cfg, nil
}

// UsesPostgres reports whether DB selects the pgx backend.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DB, "postgres://") || strings.HasPrefix(c.DB, "postgresql://")
}

func (c Config) FCMEnabled() bool { return c.FCMCredentials != "" }

func (c Config) WebPushEnabled() bool { return c.VAPIDPublicKey != "" }

func intVar(getenv func(string) string, key string, def int) (int, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationVar(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be > 0", key)
	}
	return d, nil
}

func parseCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

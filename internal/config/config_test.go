package config

import (
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/courier/internal/delivery"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromEnv(env(map[string]string{
		"COURIER_JWT_SECRET": "0123456789abcdef",
	}))
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.DB != "courier.db" || cfg.JWTAlg != "HS256" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.PushPolicy != delivery.PolicyAlways || cfg.PushBatchSize != 100 || cfg.PushWorkers != 8 {
		t.Errorf("push defaults = %v %d %d", cfg.PushPolicy, cfg.PushBatchSize, cfg.PushWorkers)
	}
	if cfg.PushTimeout != 10*time.Second || cfg.AuthTimeout != 10*time.Second || cfg.WriteTimeout != 5*time.Second {
		t.Errorf("timeouts = %v %v %v", cfg.PushTimeout, cfg.AuthTimeout, cfg.WriteTimeout)
	}
	if cfg.UsesPostgres() || cfg.FCMEnabled() || cfg.WebPushEnabled() {
		t.Error("optional backends should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFromEnv(env(map[string]string{
		"COURIER_JWT_SECRET":       "0123456789abcdef",
		"COURIER_JWT_ALG":          "hs512",
		"COURIER_DB":               "postgres://u:p@localhost/courier",
		"COURIER_PUSH_POLICY":      "absent",
		"COURIER_PUSH_BATCH_SIZE":  "500",
		"COURIER_PUSH_TIMEOUT":     "3s",
		"COURIER_PUSH_JOB_TIMEOUT": "1m",
		"COURIER_ALLOWED_ORIGINS":  "app.example.com, *.example.org,",
		"COURIER_LOG_FORMAT":       "JSON",
	}))
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.JWTAlg != "HS512" || !cfg.UsesPostgres() || cfg.PushPolicy != delivery.PolicyAbsent {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.PushBatchSize != 500 || cfg.PushTimeout != 3*time.Second || cfg.PushJobTimeout != time.Minute || cfg.LogFormat != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "*.example.org" {
		t.Errorf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{}, "COURIER_JWT_SECRET"},
		{"short secret", map[string]string{"COURIER_JWT_SECRET": "short"}, "at least 16"},
		{"bad alg", map[string]string{"COURIER_JWT_ALG": "RS256"}, "COURIER_JWT_ALG"},
		{"bad policy", map[string]string{"COURIER_PUSH_POLICY": "sometimes"}, "COURIER_PUSH_POLICY"},
		{"batch too big", map[string]string{"COURIER_PUSH_BATCH_SIZE": "501"}, "between 1 and 500"},
		{"batch zero", map[string]string{"COURIER_PUSH_BATCH_SIZE": "0"}, "between 1 and 500"},
		{"batch not a number", map[string]string{"COURIER_PUSH_BATCH_SIZE": "lots"}, "COURIER_PUSH_BATCH_SIZE"},
		{"bad duration", map[string]string{"COURIER_PUSH_TIMEOUT": "soon"}, "COURIER_PUSH_TIMEOUT"},
		{"job shorter than batch", map[string]string{"COURIER_PUSH_JOB_TIMEOUT": "5s"}, "COURIER_PUSH_JOB_TIMEOUT"},
		{"negative duration", map[string]string{"COURIER_AUTH_TIMEOUT": "-1s"}, "COURIER_AUTH_TIMEOUT"},
		{"bad log format", map[string]string{"COURIER_LOG_FORMAT": "xml"}, "COURIER_LOG_FORMAT"},
		{"half fcm", map[string]string{"COURIER_FCM_PROJECT_ID": "p"}, "COURIER_FCM"},
		{"half vapid", map[string]string{"COURIER_VAPID_PUBLIC_KEY": "k"}, "COURIER_VAPID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]string{"COURIER_JWT_SECRET": "0123456789abcdef"}
			if tt.name == "missing secret" {
				delete(m, "COURIER_JWT_SECRET")
			}
			for k, v := range tt.env {
				m[k] = v
			}
			_, err := LoadFromEnv(env(m))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseConfig(env string) Config {
	return Config{
		App:       AppConfig{Env: env, Port: 8080},
		DB:        DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "voice"},
		Auth:      AuthConfig{JWTSecret: "secret"},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "DB_HOST", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestValidate_ProductionRequirements(t *testing.T) {
	c := baseConfig("production")
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected production errors")
	}
	for _, want := range []string{"DB_SSLMODE", "PUBLIC_BASE_URL", "TWILIO_ACCOUNT_SID", "JWT_ISSUER"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := baseConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute || c.Redis.Enabled() || c.Twilio.Enabled() {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestValidate_TwilioPairing(t *testing.T) {
	c := baseConfig("local")
	c.Twilio.AccountSID = "AC1"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "must be set together") {
		t.Fatalf("expected pairing error, got %v", err)
	}
}

func TestLoad_FromEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DB_NAME=from-dotenv\nAPP_PORT=9999\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8081")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "voice")
	// Registers restore, then clears so .env can supply the value.
	t.Setenv("DB_NAME", "")
	os.Unsetenv("DB_NAME")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("PUBLIC_BASE_URL", "https://voice.example/")
	t.Setenv("CALL_CLEANUP_THRESHOLD", "45m")
	t.Setenv("REALTIME_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	LoadDotEnv(path)
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 8081 {
		t.Fatalf("existing env must win over .env, got %d", c.App.Port)
	}
	if c.DB.Name != "from-dotenv" {
		t.Fatalf("expected DB_NAME from .env, got %q", c.DB.Name)
	}
	if c.Scheduler.StaleAfter != 45*time.Minute || c.Scheduler.BatchLimit != 50 || c.Scheduler.MaxAttempts != 5 || c.Scheduler.RetryBase != 15*time.Minute {
		t.Fatalf("unexpected scheduler config: %+v", c.Scheduler)
	}
	if c.StatusCallbackURL() != "https://voice.example/webhooks/telephony/status" {
		t.Fatalf("unexpected callback url %q", c.StatusCallbackURL())
	}
	if c.LLM.Timeout != 30*time.Second {
		t.Fatalf("unexpected llm timeout %s", c.LLM.Timeout)
	}
	if len(c.Realtime.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins %v", c.Realtime.AllowedOrigins)
	}

	t.Setenv("CALL_CLEANUP_THRESHOLD", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

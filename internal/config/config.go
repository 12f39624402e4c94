package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the api and worker processes read from the environment.
// No business logic should depend on raw environment variables.
type Config struct {
	App           AppConfig
	DB            DBConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Twilio        TwilioConfig
	Transcription TranscriptionConfig
	LLM           LLMConfig
	Storage       StorageConfig
	Scheduler     SchedulerConfig
	Webhooks      WebhookConfig
	Realtime      RealtimeConfig
}

type AppConfig struct {
	Env  string
	Port int
	// PublicBaseURL is how providers reach the api, e.g. https://voice.example.com.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts disable, require, verify-ca, verify-full.
	SSLMode string

	MaxOpenConns int
}

// RedisConfig is optional. Without a host the realtime bridge, webhook dedupe and the
// scheduler lease are disabled.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// AnswerURL, when set, replaces the built-in answer TwiML.
	AnswerURL         string
	Record            bool
	ValidateSignature bool
}

type TranscriptionConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// CallbackToken is checked on the transcription webhook.
	CallbackToken string
}

type LLMConfig struct {
	GeminiAPIKey   string
	Model          string
	EmbeddingModel string
	// Timeout bounds each model request.
	Timeout time.Duration
}

type StorageConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	Endpoint             string
	PresignExpireMinutes int
}

type SchedulerConfig struct {
	Timezone    string
	TaskTimeout time.Duration
	StaleAfter  time.Duration
	BatchLimit  int
	Concurrency int
	// MaxAttempts caps provider retries per call and pipeline stage.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration

	SweepSchedule      string
	RecordingSchedule  string
	TranscriptSchedule string
	AnalyticsSchedule  string
}

type WebhookConfig struct {
	DedupeTTL time.Duration
}

type RealtimeConfig struct {
	Channel        string
	OutboxSize     int
	ObserverBuffer int
	AllowedOrigins []string
}

// LoadDotEnv reads .env files into the process environment without overriding variables
// that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error
	intVar := func(dst *int, key string, def int, required bool) {
		n, err := envInt(key, def, required)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = n
	}
	durVar := func(dst *time.Duration, key string, def time.Duration) {
		d, err := envDuration(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}
	boolVar := func(dst *bool, key string, def bool) {
		b, err := envBool(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = b
	}

	c.App.Env = env("APP_ENV")
	intVar(&c.App.Port, "APP_PORT", 0, true)
	c.App.PublicBaseURL = strings.TrimRight(env("PUBLIC_BASE_URL"), "/")

	c.DB.Host = env("DB_HOST")
	intVar(&c.DB.Port, "DB_PORT", 0, true)
	c.DB.User = env("DB_USER")
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = env("DB_NAME")
	c.DB.SSLMode = env("DB_SSLMODE")
	intVar(&c.DB.MaxOpenConns, "DB_MAX_OPEN_CONNS", 25, false)

	c.Redis.Host = env("REDIS_HOST")
	intVar(&c.Redis.Port, "REDIS_PORT", 6379, false)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	intVar(&c.Redis.DB, "REDIS_DB", 0, false)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = env("JWT_ISSUER")
	c.Auth.JWTAudience = env("JWT_AUDIENCE")
	durVar(&c.Auth.AccessTokenTTL, "JWT_ACCESS_TTL", 0)
	durVar(&c.Auth.RefreshTokenTTL, "JWT_REFRESH_TTL", 0)

	c.Twilio.AccountSID = env("TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = env("TWILIO_FROM_NUMBER")
	c.Twilio.AnswerURL = env("TWILIO_ANSWER_URL")
	boolVar(&c.Twilio.Record, "TWILIO_RECORD_CALLS", true)
	boolVar(&c.Twilio.ValidateSignature, "TWILIO_VALIDATE_SIGNATURE", true)

	c.Transcription.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	c.Transcription.BaseURL = env("DEEPGRAM_BASE_URL")
	c.Transcription.Model = env("DEEPGRAM_MODEL")
	c.Transcription.CallbackToken = os.Getenv("TRANSCRIPTION_CALLBACK_TOKEN")

	c.LLM.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.LLM.Model = env("GEMINI_MODEL")
	c.LLM.EmbeddingModel = env("GEMINI_EMBEDDING_MODEL")
	durVar(&c.LLM.Timeout, "GEMINI_TIMEOUT", 30*time.Second)

	c.Storage.Region = env("AWS_REGION")
	c.Storage.AccessKeyID = env("AWS_ACCESS_KEY_ID")
	c.Storage.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	c.Storage.RecordingsBucket = env("S3_RECORDINGS_BUCKET")
	c.Storage.Endpoint = env("S3_ENDPOINT")
	intVar(&c.Storage.PresignExpireMinutes, "S3_PRESIGN_EXPIRE_MINUTES", 60, false)

	c.Scheduler.Timezone = envOr("SCHEDULER_TIMEZONE", "UTC")
	durVar(&c.Scheduler.TaskTimeout, "SCHEDULER_TASK_TIMEOUT", 10*time.Minute)
	durVar(&c.Scheduler.StaleAfter, "CALL_CLEANUP_THRESHOLD", time.Hour)
	intVar(&c.Scheduler.BatchLimit, "SCHEDULER_BATCH_LIMIT", 50, false)
	intVar(&c.Scheduler.Concurrency, "SCHEDULER_CONCURRENCY", 4, false)
	intVar(&c.Scheduler.MaxAttempts, "PIPELINE_MAX_ATTEMPTS", 5, false)
	durVar(&c.Scheduler.RetryBase, "PIPELINE_RETRY_BASE", 15*time.Minute)
	durVar(&c.Scheduler.RetryMax, "PIPELINE_RETRY_MAX", 24*time.Hour)
	c.Scheduler.SweepSchedule = envOr("SWEEP_SCHEDULE", "@every 30m")
	c.Scheduler.RecordingSchedule = envOr("RECORDING_SCHEDULE", "@every 15m")
	c.Scheduler.TranscriptSchedule = envOr("TRANSCRIPT_SCHEDULE", "@every 1h")
	c.Scheduler.AnalyticsSchedule = envOr("ANALYTICS_SCHEDULE", "@every 1h")

	durVar(&c.Webhooks.DedupeTTL, "WEBHOOK_DEDUPE_TTL", 24*time.Hour)

	c.Realtime.Channel = envOr("REALTIME_CHANNEL", "voice:realtime")
	intVar(&c.Realtime.OutboxSize, "REALTIME_OUTBOX_SIZE", 1024, false)
	intVar(&c.Realtime.ObserverBuffer, "REALTIME_OBSERVER_BUFFER", 64, false)
	c.Realtime.AllowedOrigins = splitList(env("REALTIME_ALLOWED_ORIGINS"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Enabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if (c.Twilio.AccountSID == "") != (c.Twilio.AuthToken == "") {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together"))
	}
	if c.IsProduction() && !c.Twilio.Enabled() {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
	}
	if c.Twilio.Enabled() && c.Twilio.FromNumber == "" {
		errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required when Twilio is configured"))
	}

	if c.Storage.RecordingsBucket != "" && c.Storage.Region == "" {
		errs = append(errs, errors.New("AWS_REGION is required when S3_RECORDINGS_BUCKET is set"))
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); c.Scheduler.Timezone != "" && err != nil {
		errs = append(errs, fmt.Errorf("SCHEDULER_TIMEZONE: %v", err))
	}
	if c.Scheduler.StaleAfter < 0 {
		errs = append(errs, errors.New("CALL_CLEANUP_THRESHOLD must not be negative"))
	}
	if c.Scheduler.BatchLimit < 0 || c.Scheduler.Concurrency < 0 {
		errs = append(errs, errors.New("SCHEDULER_BATCH_LIMIT and SCHEDULER_CONCURRENCY must not be negative"))
	}
	if c.Scheduler.RetryMax > 0 && c.Scheduler.RetryBase > c.Scheduler.RetryMax {
		errs = append(errs, errors.New("PIPELINE_RETRY_BASE must not exceed PIPELINE_RETRY_MAX"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) IsLocal() bool {
	return c.App.Env == "local" || c.App.Env == "dev"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// PostgresDSN contains the password; never log it.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (t TwilioConfig) Enabled() bool { return t.AccountSID != "" && t.AuthToken != "" }

func (c Config) StatusCallbackURL() string {
	if c.App.PublicBaseURL == "" {
		return ""
	}
	return c.App.PublicBaseURL + "/webhooks/telephony/status"
}

func (c Config) RecordingCallbackURL() string {
	if c.App.PublicBaseURL == "" {
		return ""
	}
	return c.App.PublicBaseURL + "/webhooks/telephony/recording"
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func envOr(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, required bool) (int, error) {
	v := env(key)
	if v == "" {
		if required {
			return 0, fmt.Errorf("%s is required", key)
		}
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	out := make([]string, 0)
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}

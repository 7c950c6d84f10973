// Package config provides the process-wide configuration for the minutes service.
// Configuration is assembled once at startup from defaults, an optional YAML
// file and environment variables, then passed by pointer into every component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
)

// Default configuration values.
const (
	DefaultHTTPAddr           = ":8080"
	DefaultEnvironment        = "development"
	DefaultLLMBaseURL         = "https://api.openai.com/v1"
	DefaultLLMModel           = "gpt-4o-mini"
	DefaultTranscriptionModel = "whisper-1"
	DefaultMailBaseURL        = "https://api.resend.com"
	DefaultProviderTimeout    = 5 * time.Minute
	DefaultChunkSize          = 12000
	DefaultMaxChunks          = 10
	DefaultRetryAttempts      = 3
	DefaultRetryDelay         = 2 * time.Second
	DefaultSignedURLTTL       = 30 * 24 * time.Hour
	DefaultPipelineWorkers    = 2
	DefaultFinalizeWorkers    = 2
	DefaultProcessingLease    = 20 * time.Minute
	DefaultNATSStream         = "MINUTES"
	DefaultNATSSubject        = "minutes.sessions.changed"
	DefaultConfigEnv          = "MINUTES_CONFIG"
)

// Environment variable names for required settings.
const (
	EnvDatabaseURL      = "DATABASE_URL"
	EnvOpenAIKey        = "OPENAI_API_KEY"
	EnvResendKey        = "RESEND_API_KEY"
	EnvMailFrom         = "MAIL_FROM"
	EnvRecordingsBucket = "RECORDINGS_BUCKET"
	EnvPDFBucket        = "MINUTES_PDF_BUCKET"
	EnvSigningSecret    = "SIGNING_SECRET"
	EnvAppBaseURL       = "APP_BASE_URL"
)

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LLMConfig holds chat-completion and speech-to-text provider settings.
type LLMConfig struct {
	APIKey             string        `yaml:"-"`
	BaseURL            string        `yaml:"base_url"`
	Model              string        `yaml:"model"`
	TranscriptionModel string        `yaml:"transcription_model"`
	Timeout            time.Duration `yaml:"-"`
}

// MailConfig holds mail-delivery provider settings.
type MailConfig struct {
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url"`
	From    string `yaml:"from"`
}

// StorageConfig holds blob storage and signed-link settings.
type StorageConfig struct {
	RecordingsBucket string        `yaml:"recordings_bucket"`
	PDFBucket        string        `yaml:"pdf_bucket"`
	Region           string        `yaml:"region"`
	Endpoint         string        `yaml:"endpoint"`
	UsePathStyle     bool          `yaml:"use_path_style"`
	AccessKeyID      string        `yaml:"-"`
	SecretAccessKey  string        `yaml:"-"`
	SigningSecret    string        `yaml:"-"`
	SignedURLTTL     time.Duration `yaml:"-"`
}

// PipelineConfig holds the tunables of the minutes pipeline.
type PipelineConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	MaxChunks       int           `yaml:"max_chunks"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"-"`
	PipelineWorkers int           `yaml:"pipeline_workers"`
	FinalizeWorkers int           `yaml:"finalize_workers"`
	// ProcessingLease bounds how long a processing claim blocks another run.
	ProcessingLease time.Duration `yaml:"-"`
}

// NATSConfig configures the optional change-event subscriber.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

// Config is the full service configuration.
type Config struct {
	Environment   string         `yaml:"environment"`
	HTTPAddr      string         `yaml:"http_addr"`
	AppBaseURL    string         `yaml:"app_base_url"`
	DatabaseURL   string         `yaml:"-"`
	RedisURL      string         `yaml:"redis_url"`
	WebhookSecret string         `yaml:"-"`
	Log           LogConfig      `yaml:"log"`
	LLM           LLMConfig      `yaml:"llm"`
	Mail          MailConfig     `yaml:"mail"`
	Storage       StorageConfig  `yaml:"storage"`
	Pipeline      PipelineConfig `yaml:"pipeline"`
	NATS          NATSConfig     `yaml:"nats"`
}

// DefaultConfig returns a Config with defaults for every optional setting.
func DefaultConfig() *Config {
	return &Config{
		Environment: DefaultEnvironment,
		HTTPAddr:    DefaultHTTPAddr,
		Log:         LogConfig{Level: "info"},
		LLM: LLMConfig{
			BaseURL:            DefaultLLMBaseURL,
			Model:              DefaultLLMModel,
			TranscriptionModel: DefaultTranscriptionModel,
			Timeout:            DefaultProviderTimeout,
		},
		Mail: MailConfig{BaseURL: DefaultMailBaseURL},
		Storage: StorageConfig{
			Region:       "us-east-1",
			SignedURLTTL: DefaultSignedURLTTL,
		},
		Pipeline: PipelineConfig{
			ChunkSize:       DefaultChunkSize,
			MaxChunks:       DefaultMaxChunks,
			RetryAttempts:   DefaultRetryAttempts,
			RetryDelay:      DefaultRetryDelay,
			PipelineWorkers: DefaultPipelineWorkers,
			FinalizeWorkers: DefaultFinalizeWorkers,
			ProcessingLease: DefaultProcessingLease,
		},
		NATS: NATSConfig{Stream: DefaultNATSStream, Subject: DefaultNATSSubject},
	}
}

// Load builds the configuration in this order (later sources override earlier):
// 1. Default values
// 2. YAML file named by $MINUTES_CONFIG, when set
// 3. Environment variables
//
// A missing required variable yields a "Missing <NAME>" error before any
// component is constructed.
func Load() (*Config, error) {
	return LoadWith(os.Getenv)
}

// LoadWith is Load with an injectable environment lookup.
func LoadWith(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if path := getenv(DefaultConfigEnv); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	// Durations are written as strings in the file.
	type durations struct {
		LLMTimeout      string `yaml:"llm_timeout"`
		RetryDelay      string `yaml:"retry_delay"`
		SignedURLTTL    string `yaml:"signed_url_ttl"`
		ProcessingLease string `yaml:"processing_lease"`
	}
	var fileCfg struct {
		Config    `yaml:",inline"`
		Durations durations `yaml:"durations"`
	}
	fileCfg.Config = *cfg

	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	*cfg = fileCfg.Config

	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fileCfg.Durations.LLMTimeout, &cfg.LLM.Timeout, "llm_timeout"},
		{fileCfg.Durations.RetryDelay, &cfg.Pipeline.RetryDelay, "retry_delay"},
		{fileCfg.Durations.SignedURLTTL, &cfg.Storage.SignedURLTTL, "signed_url_ttl"},
		{fileCfg.Durations.ProcessingLease, &cfg.Pipeline.ProcessingLease, "processing_lease"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func loadFromEnv(cfg *Config, getenv func(string) string) error {
	setString := func(dst *string, name string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}

	setString(&cfg.DatabaseURL, EnvDatabaseURL)
	setString(&cfg.LLM.APIKey, EnvOpenAIKey)
	setString(&cfg.Mail.APIKey, EnvResendKey)
	setString(&cfg.Mail.From, EnvMailFrom)
	setString(&cfg.Storage.RecordingsBucket, EnvRecordingsBucket)
	setString(&cfg.Storage.PDFBucket, EnvPDFBucket)
	setString(&cfg.Storage.SigningSecret, EnvSigningSecret)
	setString(&cfg.AppBaseURL, EnvAppBaseURL)

	setString(&cfg.Environment, "ENVIRONMENT")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.TranscriptionModel, "STT_MODEL")
	setString(&cfg.Mail.BaseURL, "MAIL_BASE_URL")
	setString(&cfg.Storage.Region, "AWS_REGION")
	setString(&cfg.Storage.Endpoint, "S3_ENDPOINT")
	setString(&cfg.Storage.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&cfg.Storage.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Subject, "NATS_SUBJECT")

	if v := getenv("LOG_JSON"); v != "" {
		cfg.Log.JSON = parseBool(v)
	}
	if v := getenv("S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.UsePathStyle = parseBool(v)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MINUTES_CHUNK_SIZE", &cfg.Pipeline.ChunkSize},
		{"MINUTES_MAX_CHUNKS", &cfg.Pipeline.MaxChunks},
		{"MINUTES_RETRY_ATTEMPTS", &cfg.Pipeline.RetryAttempts},
		{"MINUTES_PIPELINE_WORKERS", &cfg.Pipeline.PipelineWorkers},
		{"MINUTES_FINALIZE_WORKERS", &cfg.Pipeline.FinalizeWorkers},
	}
	for _, i := range ints {
		v := getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", i.name, err)
		}
		*i.dst = n
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"MINUTES_RETRY_DELAY", &cfg.Pipeline.RetryDelay},
		{"MINUTES_PROCESSING_LEASE", &cfg.Pipeline.ProcessingLease},
	} {
		v := getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks that every required setting is present and tunables are sane.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{EnvDatabaseURL, c.DatabaseURL},
		{EnvOpenAIKey, c.LLM.APIKey},
		{EnvResendKey, c.Mail.APIKey},
		{EnvMailFrom, c.Mail.From},
		{EnvRecordingsBucket, c.Storage.RecordingsBucket},
		{EnvPDFBucket, c.Storage.PDFBucket},
		{EnvSigningSecret, c.Storage.SigningSecret},
		{EnvAppBaseURL, c.AppBaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			return merrors.Missing(r.name)
		}
	}

	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Pipeline.MaxChunks <= 0 {
		return fmt.Errorf("max_chunks must be positive")
	}
	if c.Pipeline.RetryAttempts <= 0 {
		return fmt.Errorf("retry_attempts must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// MeetingURL returns the admin-panel link for a meeting.
func (c *Config) MeetingURL(meetingID string) string {
	return strings.TrimRight(c.AppBaseURL, "/") + "/meetings/" + meetingID
}

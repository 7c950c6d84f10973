package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
)

func fullEnv() map[string]string {
	return map[string]string{
		EnvDatabaseURL:      "postgres://minutes@localhost/minutes",
		EnvOpenAIKey:        "sk-test",
		EnvResendKey:        "re-test",
		EnvMailFrom:         "minutes@example.com",
		EnvRecordingsBucket: "recordings",
		EnvPDFBucket:        "minutes-pdfs",
		EnvSigningSecret:    "s3cret",
		EnvAppBaseURL:       "https://admin.example.com/",
	}
}

func lookup(env map[string]string) func(string) string {
	return func(k string) string { return env[k] }
}

// TestDefaultConfig verifies default configuration values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %v, want %v", cfg.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Pipeline.ChunkSize != 12000 {
		t.Errorf("ChunkSize = %v, want 12000", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.MaxChunks != 10 {
		t.Errorf("MaxChunks = %v, want 10", cfg.Pipeline.MaxChunks)
	}
	if cfg.Pipeline.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %v, want 3", cfg.Pipeline.RetryAttempts)
	}
	if cfg.Storage.SignedURLTTL != 30*24*time.Hour {
		t.Errorf("SignedURLTTL = %v, want 720h", cfg.Storage.SignedURLTTL)
	}
}

func TestLoadWith_AllRequired(t *testing.T) {
	cfg, err := LoadWith(lookup(fullEnv()))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q", cfg.LLM.APIKey)
	}
	if cfg.Storage.PDFBucket != "minutes-pdfs" {
		t.Errorf("Storage.PDFBucket = %q", cfg.Storage.PDFBucket)
	}
	if got := cfg.MeetingURL("m-1"); got != "https://admin.example.com/meetings/m-1" {
		t.Errorf("MeetingURL() = %q", got)
	}
}

// TestLoadWith_MissingRequired checks every required variable fails fast by name.
func TestLoadWith_MissingRequired(t *testing.T) {
	names := []string{
		EnvDatabaseURL, EnvOpenAIKey, EnvResendKey, EnvMailFrom,
		EnvRecordingsBucket, EnvPDFBucket, EnvSigningSecret, EnvAppBaseURL,
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			env := fullEnv()
			delete(env, name)

			_, err := LoadWith(lookup(env))
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != "Missing "+name {
				t.Errorf("error = %q, want %q", err.Error(), "Missing "+name)
			}
			if !merrors.IsConfigError(err) {
				t.Error("expected ConfigError")
			}
		})
	}
}

func TestLoadWith_WhitespaceIsMissing(t *testing.T) {
	env := fullEnv()
	env[EnvOpenAIKey] = "   "
	if _, err := LoadWith(lookup(env)); err == nil || err.Error() != "Missing OPENAI_API_KEY" {
		t.Errorf("expected Missing OPENAI_API_KEY, got %v", err)
	}
}

func TestLoadWith_OptionalOverrides(t *testing.T) {
	env := fullEnv()
	env["REDIS_URL"] = "redis://localhost:6379/0"
	env["WEBHOOK_SECRET"] = "hook"
	env["LOG_JSON"] = "true"
	env["MINUTES_CHUNK_SIZE"] = "500"
	env["MINUTES_RETRY_DELAY"] = "250ms"
	env["MINUTES_PROCESSING_LEASE"] = "45m"
	env["S3_USE_PATH_STYLE"] = "1"

	cfg, err := LoadWith(lookup(env))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.WebhookSecret != "hook" {
		t.Errorf("WebhookSecret = %q", cfg.WebhookSecret)
	}
	if !cfg.Log.JSON {
		t.Error("Log.JSON should be true")
	}
	if cfg.Pipeline.ChunkSize != 500 {
		t.Errorf("ChunkSize = %d", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v", cfg.Pipeline.RetryDelay)
	}
	if cfg.Pipeline.ProcessingLease != 45*time.Minute {
		t.Errorf("ProcessingLease = %v", cfg.Pipeline.ProcessingLease)
	}
	if !cfg.Storage.UsePathStyle {
		t.Error("UsePathStyle should be true")
	}
}

func TestLoadWith_InvalidInt(t *testing.T) {
	env := fullEnv()
	env["MINUTES_MAX_CHUNKS"] = "lots"
	if _, err := LoadWith(lookup(env)); err == nil {
		t.Error("expected error for non-numeric MINUTES_MAX_CHUNKS")
	}
}

func TestLoadWith_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minutes.yaml")
	content := `
http_addr: ":9090"
llm:
  model: gpt-4.1
pipeline:
  chunk_size: 8000
  max_chunks: 4
durations:
  retry_delay: 5s
  signed_url_ttl: 48h
  processing_lease: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	env := fullEnv()
	env[DefaultConfigEnv] = path
	env["LLM_MODEL"] = "gpt-4o"

	cfg, err := LoadWith(lookup(env))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Pipeline.ChunkSize != 8000 || cfg.Pipeline.MaxChunks != 4 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	// file values the YAML leaves alone keep their defaults
	if cfg.Pipeline.RetryAttempts != DefaultRetryAttempts {
		t.Errorf("RetryAttempts = %d", cfg.Pipeline.RetryAttempts)
	}
	if cfg.Pipeline.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v", cfg.Pipeline.RetryDelay)
	}
	if cfg.Storage.SignedURLTTL != 48*time.Hour {
		t.Errorf("SignedURLTTL = %v", cfg.Storage.SignedURLTTL)
	}
	if cfg.Pipeline.ProcessingLease != 10*time.Minute {
		t.Errorf("ProcessingLease = %v", cfg.Pipeline.ProcessingLease)
	}
	// env wins over file
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
}

func TestLoadWith_BadYAMLPath(t *testing.T) {
	env := fullEnv()
	env[DefaultConfigEnv] = filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := LoadWith(lookup(env)); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate_Tunables(t *testing.T) {
	cfg, err := LoadWith(lookup(fullEnv()))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Pipeline.ChunkSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero chunk size")
	}
}

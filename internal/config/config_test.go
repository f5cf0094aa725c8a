package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Invite.TTL != 24*time.Hour {
		t.Errorf("expected invite TTL 24h, got %v", cfg.Invite.TTL)
	}
	if cfg.Mediator.Backend != BackendScripted {
		t.Errorf("expected scripted backend, got %q", cfg.Mediator.Backend)
	}
	if cfg.Retry.DatabaseMaxRetries != 3 {
		t.Errorf("expected 3 db retries, got %d", cfg.Retry.DatabaseMaxRetries)
	}
}

func TestLoadTrimsPublicURL(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("PUBLIC_URL", "https://mediate.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PublicURL != "https://mediate.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.PublicURL)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("MEDIATOR_BACKEND", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestValidateRequiresOpenAIKey(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("MEDIATOR_BACKEND", BackendOpenAI)

	if _, err := Load(); err == nil {
		t.Fatal("expected error when OPENAI_API_KEY is missing")
	}
}

func TestValidateRequiresSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when AUTH_JWT_SECRET is missing in production")
	}

	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	if _, err := Load(); err != nil {
		t.Fatalf("expected success with secret set, got %v", err)
	}
}

func TestDevIdentityRequiresExplicitAppEnv(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("FRONTEND_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when AUTH_JWT_SECRET is missing and APP_ENV is unset")
	}

	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected empty FRONTEND_URL to relax origin checks")
	}
	if cfg.DevIdentity() {
		t.Error("expected header identity disabled without APP_ENV=development")
	}

	t.Setenv("FRONTEND_URL", "http://localhost:3000")
	if cfg, err = Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DevIdentity() {
		t.Error("expected a localhost frontend not to enable header identity")
	}

	t.Setenv("APP_ENV", "development")
	if cfg, err = Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.DevIdentity() {
		t.Error("expected header identity with APP_ENV=development")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		c := &Config{LogLevel: in}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

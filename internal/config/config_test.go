package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("StoreDriver = %q, want memory", cfg.StoreDriver)
	}
	if cfg.JournalBackend != "inprocess" {
		t.Errorf("JournalBackend = %q, want inprocess", cfg.JournalBackend)
	}
	if cfg.TypingTTL != 10*time.Second {
		t.Errorf("TypingTTL = %v, want 10s", cfg.TypingTTL)
	}
	if cfg.WSAllowedOrigins != nil {
		t.Errorf("WSAllowedOrigins = %v, want nil", cfg.WSAllowedOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "mysql")
	t.Setenv("JOURNAL_BACKEND", "nats")
	t.Setenv("TYPING_TTL", "0")
	t.Setenv("WS_SEND_BUFFER", "8")
	t.Setenv("WS_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("WS_ALLOWED_ORIGINS", "app.example.com, *.example.org ,")

	cfg := Load()

	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if cfg.StoreDriver != "mysql" || cfg.JournalBackend != "nats" {
		t.Errorf("drivers = %q/%q", cfg.StoreDriver, cfg.JournalBackend)
	}
	if cfg.TypingTTL != 0 {
		t.Errorf("TypingTTL = %v, want 0", cfg.TypingTTL)
	}
	if cfg.WSSendBuffer != 8 || !cfg.WSInsecureSkipVerify {
		t.Errorf("ws settings = %d/%v", cfg.WSSendBuffer, cfg.WSInsecureSkipVerify)
	}
	want := []string{"app.example.com", "*.example.org"}
	if !reflect.DeepEqual(cfg.WSAllowedOrigins, want) {
		t.Errorf("WSAllowedOrigins = %v, want %v", cfg.WSAllowedOrigins, want)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS", "many")
	t.Setenv("EVENT_TIMEOUT", "soon")

	cfg := Load()

	if cfg.RateLimitRequests != 120 {
		t.Errorf("RateLimitRequests = %d, want 120", cfg.RateLimitRequests)
	}
	if cfg.EventTimeout != 10*time.Second {
		t.Errorf("EventTimeout = %v, want 10s", cfg.EventTimeout)
	}
}

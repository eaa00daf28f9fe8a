package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	if cfg.Token.MaxTTL != 300*time.Second {
		t.Fatalf("expected default max ttl 300s, got %v", cfg.Token.MaxTTL)
	}
	if cfg.Orchestrator.EnableDemoFallback {
		t.Fatal("expected demo fallback disabled by default")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("ANUMATE_LISTEN_ADDR", ":9090")
	t.Setenv("ANUMATE_TOKEN_MAX_TTL", "120s")
	t.Setenv("ANUMATE_ORCHESTRATOR_ENABLE_DEMO_FALLBACK", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected listen addr override, got %q", cfg.ListenAddr)
	}
	if cfg.Token.MaxTTL != 120*time.Second {
		t.Fatalf("expected max ttl override, got %v", cfg.Token.MaxTTL)
	}
	if !cfg.Orchestrator.EnableDemoFallback {
		t.Fatal("expected demo fallback enabled via env")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.ListenAddr = ":1234"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != ":1234" {
		t.Fatalf("expected round-tripped listen addr, got %q", loaded.ListenAddr)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}
}

func TestHasDatabaseAndTLS(t *testing.T) {
	cfg := Default()
	if cfg.HasDatabase() {
		t.Fatal("expected no database configured by default")
	}
	if cfg.HasTLS() {
		t.Fatal("expected no TLS configured by default")
	}

	cfg.DatabaseURL = "postgres://localhost/anumate"
	cfg.TLSCert = "cert.pem"
	cfg.TLSKey = "key.pem"
	if !cfg.HasDatabase() || !cfg.HasTLS() {
		t.Fatal("expected database and TLS detected once configured")
	}
}

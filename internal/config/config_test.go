package config

import (
	"testing"
	"time"
)

func TestResolveEnvironment(t *testing.T) {
	tests := []struct {
		host string
		want Environment
	}{
		{"localhost", Local},
		{"localhost:8080", Local},
		{"pprd.imageinf-service.tacc.utexas.edu", Pprd},
		{"prod.imageinf-service.tacc.utexas.edu", Prod},
		{"PROD.imageinf-service.tacc.utexas.edu:443", Prod},
		{"example.org", Prod},
		{"", Prod},
	}
	for _, tt := range tests {
		if got := ResolveEnvironment(tt.host); got != tt.want {
			t.Errorf("ResolveEnvironment(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestForHost(t *testing.T) {
	c := ForHost("localhost")
	if c.ClientID != "imageinf.localdev" || c.APIBasePath != "http://localhost:8080/api" {
		t.Errorf("unexpected local config: %+v", c)
	}
	c = ForHost("pprd.imageinf-service.tacc.utexas.edu")
	if c.ClientID != "imageinf.pprd" || c.Host != "https://pprd.imageinf-service.tacc.utexas.edu" {
		t.Errorf("unexpected pprd config: %+v", c)
	}
	c = ForHost("somewhere.else")
	if c.ClientID != "imageinf.prod" || c.APIBasePath != "https://prod.imageinf-service.tacc.utexas.edu/api" {
		t.Errorf("unexpected fallback config: %+v", c)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "")
	t.Setenv("IMAGEINF_ENV", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdentityHost != "https://designsafe.tapis.io" {
		t.Errorf("IdentityHost = %q", cfg.IdentityHost)
	}
	if cfg.TokenStaleTime != 5*time.Minute || cfg.CacheTTL != 5*time.Minute {
		t.Errorf("unexpected durations: stale=%v cache=%v", cfg.TokenStaleTime, cfg.CacheTTL)
	}
	if cfg.SessionBackend != "memory" {
		t.Errorf("SessionBackend = %q", cfg.SessionBackend)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "redis")
	t.Setenv("SESSION_URL", "")
	if _, err := Load(); err == nil {
		t.Error("expected error for redis backend without URL")
	}

	t.Setenv("SESSION_BACKEND", "memcached")
	if _, err := Load(); err == nil {
		t.Error("expected error for unknown backend")
	}

	t.Setenv("SESSION_BACKEND", "memory")
	t.Setenv("IMAGEINF_ENV", "staging")
	if _, err := Load(); err == nil {
		t.Error("expected error for unknown environment")
	}
}

func TestEnvForForced(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "memory")
	t.Setenv("IMAGEINF_ENV", "pprd")
	t.Setenv("TOKEN_STALE_TIME", "30s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.EnvFor("localhost").ClientID; got != "imageinf.pprd" {
		t.Errorf("forced env ignored, got %q", got)
	}
	if cfg.TokenStaleTime != 30*time.Second {
		t.Errorf("TokenStaleTime = %v", cfg.TokenStaleTime)
	}
}

package config

import "testing"

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := ParseFlags(nil, []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:38080" {
		t.Errorf("expected default addr, got %s", cfg.Addr)
	}
	if cfg.ExcerptLimit != 4096 {
		t.Fatalf("expected default excerpt limit 4096, got %d", cfg.ExcerptLimit)
	}
	if cfg.CADir != "mitm-ca" {
		t.Fatalf("expected default ca dir, got %s", cfg.CADir)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug logging on by default, matching PROXY_DEBUG's default-emitting behaviour")
	}
}

func TestParseFlagsAllowHosts(t *testing.T) {
	cfg, err := ParseFlags(nil, []string{"--allow-hosts", "example.com , api.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := len(cfg.AllowHosts), 2; got != want {
		t.Fatalf("expected %d hosts, got %d", want, got)
	}
	if cfg.AllowHosts[0] != "example.com" || cfg.AllowHosts[1] != "api.example.com" {
		t.Fatalf("unexpected allow hosts: %#v", cfg.AllowHosts)
	}
}

func TestParseFlagsExcerptLimitAndMitmSkip(t *testing.T) {
	cfg, err := ParseFlags(nil, []string{"--excerpt-limit", "1024", "--mitm-disable-hosts", "api.openai.com, example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExcerptLimit != 1024 {
		t.Fatalf("expected excerpt limit 1024, got %d", cfg.ExcerptLimit)
	}
	if got := len(cfg.MITMDisableHosts); got != 2 {
		t.Fatalf("expected two mitm disable hosts, got %d", got)
	}
}

func TestValidateExcerptLimit(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:38080", CADir: "mitm-ca", ExcerptLimit: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative excerpt limit")
	}
}

func TestValidateRequiresCADir(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:38080"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing ca-dir")
	}
}

func TestApplyEnvTogglesOverridesFlags(t *testing.T) {
	t.Setenv("FORCE_MITM", "1")
	t.Setenv("PROXY_H2_IDLE_SECS", "30")
	cfg := Config{ForceMITM: false, H2IdleSecs: 0}
	merged := cfg.ApplyEnvToggles()
	if !merged.ForceMITM {
		t.Fatalf("expected FORCE_MITM env to enable force mitm")
	}
	if merged.H2IdleSecs != 30 {
		t.Fatalf("expected PROXY_H2_IDLE_SECS to override, got %d", merged.H2IdleSecs)
	}
}

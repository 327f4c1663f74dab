package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileYAMLAndMerge(t *testing.T) {
	path := writeTempFile(t, "config.yaml", `addr: 0.0.0.0:9000
event_log_file: logs/custom.jsonl
force_mitm: true
ca_dir: custom-ca
excerpt_limit: 1024
mitm_disable_hosts: [api.openai.com]
`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	base := Config{Addr: "127.0.0.1:38080", AllowHosts: []string{"*"}, ExcerptLimit: 4096, CADir: "mitm-ca"}
	merged := Merge(base, fc)
	if merged.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr merge failed")
	}
	if merged.ExcerptLimit != 1024 {
		t.Fatalf("excerpt merge failed")
	}
	if !merged.ForceMITM {
		t.Fatalf("force_mitm merge failed")
	}
	if merged.CADir != "custom-ca" {
		t.Fatalf("ca_dir merge failed")
	}
	if len(merged.MITMDisableHosts) != 1 {
		t.Fatalf("disable hosts merge failed")
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeTempFile(t, "config.json", `{"addr":"127.0.0.1:7000"}`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if fc.Addr != "127.0.0.1:7000" {
		t.Fatalf("addr mismatch")
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

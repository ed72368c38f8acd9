package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8787" || cfg.DBPath != "data/casedesk.db" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SessionTTLMinutes != 480 {
		t.Fatalf("session ttl default = %d, want 480", cfg.SessionTTLMinutes)
	}
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "casedesk.yaml")
	raw := "listen_addr: 0.0.0.0:9090\ndb_path: /srv/casedesk/db.sqlite\nsession_ttl_minutes: 60\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9090" || cfg.DBPath != "/srv/casedesk/db.sqlite" || cfg.SessionTTLMinutes != 60 {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	// 未覆盖字段保持默认。
	if cfg.EvidenceRoot != "data/evidence" {
		t.Fatalf("evidence_root = %s, want default", cfg.EvidenceRoot)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("listen_addr: nocolon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatalf("listen_addr without port must be rejected")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing explicit config file must be an error")
	}

	garbled := filepath.Join(dir, "garbled.yaml")
	if err := os.WriteFile(garbled, []byte("{{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(garbled); err == nil {
		t.Fatalf("unparsable yaml must be rejected")
	}
}

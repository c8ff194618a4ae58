package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":9190" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Market.FeeBps != 250 {
		t.Errorf("FeeBps = %d, want 250", cfg.Market.FeeBps)
	}
	if cfg.Market.VaultAccount == "" || cfg.Market.PlatformAccount == "" {
		t.Error("custody accounts unset")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bountyd.yaml")
	data := `
server:
  addr: ":8080"
auth:
  jwt_secret: shhh
  arbiter_user: judge
market:
  fee_bps: 100
  require_payment_proof: true
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Auth.JWTSecret != "shhh" || cfg.Auth.ArbiterUser != "judge" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Market.FeeBps != 100 || !cfg.Market.RequirePaymentProof {
		t.Errorf("market = %+v", cfg.Market)
	}
	// Unset fields keep their defaults.
	if cfg.Market.VaultAccount != DefaultConfig().Market.VaultAccount {
		t.Errorf("VaultAccount = %q, default not applied", cfg.Market.VaultAccount)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/bountyd.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template should parse: %v", err)
	}
	if cfg.Fees.ProtocolBps != 200 || cfg.Fees.OperatorBps != 500 {
		t.Fatalf("unexpected fee defaults: %+v", cfg.Fees)
	}
	if cfg.Epoch.Duration.Std() != time.Hour {
		t.Fatalf("epoch duration = %s, want 1h", cfg.Epoch.Duration.Std())
	}
	if cfg.MaxSinglePayout().String() != "100" {
		t.Fatalf("max single payout = %s", cfg.MaxSinglePayout())
	}
}

func TestPartialYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("fees:\n  protocol_bps: 150\n"))
	if err != nil {
		t.Fatalf("partial yaml should parse: %v", err)
	}
	if cfg.Fees.ProtocolBps != 150 {
		t.Fatalf("override lost: %d", cfg.Fees.ProtocolBps)
	}
	if cfg.Fees.OperatorBps != 500 {
		t.Fatalf("default lost: %d", cfg.Fees.OperatorBps)
	}
}

func TestValidateRejectsBadAmounts(t *testing.T) {
	cfg := Default()
	cfg.Vault.MaxSinglePayout = "0.1234567"
	if err := cfg.Validate(); err == nil {
		t.Fatal("7 decimal places should fail validation")
	}
	cfg = Default()
	cfg.Vault.MinReserve = "not-a-number"
	if err := cfg.Validate(); err == nil {
		t.Fatal("non-numeric amount should fail validation")
	}
}

func TestValidateRejectsFeeOvershoot(t *testing.T) {
	cfg := Default()
	cfg.Fees.ProtocolBps = 6000
	cfg.Fees.OperatorBps = 4000
	if err := cfg.Validate(); err == nil {
		t.Fatal("fees consuming all revenue should fail validation")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("missing config should fall back: %v", err)
	}
	if cfg.Pools.WorkBps != 7000 {
		t.Fatalf("unexpected defaults: %+v", cfg.Pools)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := "epoch:\n  duration: 30m\n"
	if err := os.WriteFile(filepath.Join(dir, "hiveledger.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Epoch.Duration.Std() != 30*time.Minute {
		t.Fatalf("epoch duration = %s, want 30m", cfg.Epoch.Duration.Std())
	}
}

package billing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kie-forge/genorchestrator/internal/billing"
)

func TestLoadAllowlist_ParsesFreeSKUs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.yaml")
	if err := os.WriteFile(path, []byte("free_skus:\n  - sku-basic-image\n  - sku-basic-audio\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg, err := billing.LoadAllowlist(path)
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if len(cfg.FreeSKUs) != 2 || cfg.FreeSKUs[0] != "sku-basic-image" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadAllowlist_MissingFileReturnsEmpty(t *testing.T) {
	cfg, err := billing.LoadAllowlist(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if len(cfg.FreeSKUs) != 0 {
		t.Fatalf("expected empty allowlist, got %+v", cfg)
	}
}

func TestLoadAllowlist_EmptyPathReturnsEmpty(t *testing.T) {
	cfg, err := billing.LoadAllowlist("")
	if err != nil || len(cfg.FreeSKUs) != 0 {
		t.Fatalf("unexpected result: %+v err=%v", cfg, err)
	}
}

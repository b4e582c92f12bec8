package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kie-forge/genorchestrator/internal/catalog"
	"github.com/kie-forge/genorchestrator/internal/domain"
)

const fixture = `
models:
  - model_id: flux-2/pro-text-to-image
    kie_model: flux-2-pro
    output_media_type: image
    input_schema:
      - name: prompt
        type: string
        required: true
    skus:
      - sku_id: flux-2/pro-text-to-image
        price_rub: 15
        free_eligible: true
`

func TestLoad_ParsesModelsAndSKUs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	c, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	spec, err := c.GetModelSpec(context.Background(), "flux-2/pro-text-to-image")
	if err != nil {
		t.Fatalf("GetModelSpec: %v", err)
	}
	if spec.OutputMediaType != domain.MediaImage || len(spec.InputSchema) != 1 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	sku, ok := spec.FindSKU("flux-2/pro-text-to-image")
	if !ok || sku.PriceRUB != 15 || !sku.FreeEligible {
		t.Fatalf("unexpected sku: %+v ok=%v", sku, ok)
	}
}

func TestLoad_MissingFileReturnsEmptyCatalog(t *testing.T) {
	c, err := catalog.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := c.GetModelSpec(context.Background(), "anything"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetModelSpec_UnknownModelReturnsNotFound(t *testing.T) {
	c, err := catalog.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := c.GetModelSpec(context.Background(), "missing-model"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Package catalog provides the minimal, read-only Catalog implementation
// the Job Engine and Billing Gate consume. Authoring the catalog's
// contents (pricing, field schemas) is explicitly out of scope (spec §1);
// this package only loads a YAML file into the domain.ModelSpec shape,
// the same load-not-author split SPEC_FULL.md draws for the Billing
// Gate's free allowlist.
package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

type yamlField struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	Required      bool   `yaml:"required"`
	Default       any    `yaml:"default"`
	Enum          []string `yaml:"enum"`
	ProviderField string `yaml:"provider_field"`
}

type yamlSKU struct {
	SKUID        string  `yaml:"sku_id"`
	PriceRUB     float64 `yaml:"price_rub"`
	FreeEligible bool    `yaml:"free_eligible"`
}

type yamlModel struct {
	ModelID         string      `yaml:"model_id"`
	KIEModel        string      `yaml:"kie_model"`
	OutputMediaType string      `yaml:"output_media_type"`
	InputSchema     []yamlField `yaml:"input_schema"`
	SKUs            []yamlSKU   `yaml:"skus"`
}

type yamlDoc struct {
	Models []yamlModel `yaml:"models"`
}

// StaticCatalog implements domain.Catalog over an in-memory map loaded
// once from a YAML file.
type StaticCatalog struct {
	mu     sync.RWMutex
	models map[string]domain.ModelSpec
}

// Load reads and parses path into a StaticCatalog. A missing file yields
// an empty catalog rather than an error, so a fresh deployment without
// the optional config still starts (every GetModelSpec call then returns
// domain.ErrNotFound, which the engine surfaces as a validation error).
func Load(path string) (*StaticCatalog, error) {
	c := &StaticCatalog{models: map[string]domain.ModelSpec{}}
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("op=catalog.load.read: %w", err)
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("op=catalog.load.parse: %w", err)
	}
	for _, m := range doc.Models {
		c.models[m.ModelID] = toModelSpec(m)
	}
	return c, nil
}

func toModelSpec(m yamlModel) domain.ModelSpec {
	fields := make([]domain.FieldSpec, 0, len(m.InputSchema))
	for _, f := range m.InputSchema {
		fields = append(fields, domain.FieldSpec{
			Name: f.Name, Type: f.Type, Required: f.Required,
			Default: f.Default, Enum: f.Enum, ProviderField: f.ProviderField,
		})
	}
	skus := make([]domain.SKUPrice, 0, len(m.SKUs))
	for _, s := range m.SKUs {
		skus = append(skus, domain.SKUPrice{SKUID: s.SKUID, PriceRUB: s.PriceRUB, FreeEligible: s.FreeEligible})
	}
	return domain.ModelSpec{
		ModelID: m.ModelID, KIEModel: m.KIEModel,
		OutputMediaType: domain.MediaKind(m.OutputMediaType),
		InputSchema:     fields, SKUs: skus,
	}
}

// GetModelSpec implements domain.Catalog.
func (c *StaticCatalog) GetModelSpec(_ domain.Context, modelID string) (domain.ModelSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.models[modelID]
	if !ok {
		return domain.ModelSpec{}, fmt.Errorf("op=catalog.get_model_spec: %w", domain.ErrNotFound)
	}
	return spec, nil
}

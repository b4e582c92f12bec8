package billing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AllowlistConfig is the on-disk shape of the free-tier SKU allowlist: a
// flat list of SKU ids that count against the hourly free window rather
// than the paid balance.
type AllowlistConfig struct {
	FreeSKUs []string `yaml:"free_skus"`
}

// LoadAllowlist reads and parses an AllowlistConfig from path. A missing
// file is not an error: it returns an empty allowlist so a fresh
// deployment without the optional config file still starts, with every
// SKU treated as paid-only.
func LoadAllowlist(path string) (AllowlistConfig, error) {
	if path == "" {
		return AllowlistConfig{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AllowlistConfig{}, nil
		}
		return AllowlistConfig{}, fmt.Errorf("op=billing.load_allowlist.read: %w", err)
	}
	var cfg AllowlistConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return AllowlistConfig{}, fmt.Errorf("op=billing.load_allowlist.parse: %w", err)
	}
	return cfg, nil
}

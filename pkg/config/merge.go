package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/helios-ops/helios/core/pkg/canonicalize"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// MergePolicyPack deep-merges a policy pack document onto a base config file
// and returns the merged, validated config plus its canonical hash. Mappings
// merge recursively; scalar leaves and lists from the pack replace the base
// values outright.
func MergePolicyPack(basePath, packPath string) (*Config, string, error) {
	base, err := loadTree(basePath)
	if err != nil {
		return nil, "", err
	}
	pack, err := loadTree(packPath)
	if err != nil {
		return nil, "", err
	}

	merged := deepMerge(base, pack)

	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, "", contracts.NewError(contracts.CategoryConfig, packPath, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, "", contracts.NewError(contracts.CategoryConfig, packPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	hash, err := canonicalize.CanonicalHash(merged)
	if err != nil {
		return nil, "", contracts.NewError(contracts.CategoryConfig, packPath, err)
	}
	return &cfg, hash, nil
}

// Hash returns the canonical hash of a loaded config file, recorded in the
// run_start audit entry when no policy pack is merged.
func Hash(path string) (string, error) {
	tree, err := loadTree(path)
	if err != nil {
		return "", err
	}
	hash, err := canonicalize.CanonicalHash(tree)
	if err != nil {
		return "", contracts.NewError(contracts.CategoryConfig, path, err)
	}
	return hash, nil
}

func loadTree(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.NewError(contracts.CategoryConfig, path, err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, contracts.NewError(contracts.CategoryConfig, path, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		ov, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		bv, ok := out[k].(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		out[k] = deepMerge(bv, ov)
	}
	return out
}

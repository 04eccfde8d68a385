package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// policyOverlay mirrors the subset of PolicyDefaults/RetrievalDefaults an
// operator may want to pin in a checked-in file rather than scattered env
// vars, the way the teacher's own config.yaml overlays its env-first
// defaults for values that are awkward to set per-process (tuning knobs
// shared across every deployment of this core).
type policyOverlay struct {
	Policy struct {
		Modalities      []string `yaml:"modalities"`
		DedupThreshold  float64  `yaml:"dedupThreshold"`
		RerankEnabled   *bool    `yaml:"rerankEnabled"`
		RerankProvider  string   `yaml:"rerankProvider"`
		RerankModel     string   `yaml:"rerankModel"`
		RerankTopN      int      `yaml:"rerankTopN"`
		RerankTopKIn    int      `yaml:"rerankTopKIn"`
		RerankTimeoutMS int      `yaml:"rerankTimeoutMs"`
		FreshnessLambda float64  `yaml:"freshnessLambda"`
		GraphEnabled    *bool    `yaml:"graphEnabled"`
		GraphMaxHops    int      `yaml:"graphMaxHops"`
	} `yaml:"policy"`
	Retrieval struct {
		K     int     `yaml:"k"`
		Alpha float64 `yaml:"alpha"`
		RRFK  int     `yaml:"rrfK"`
	} `yaml:"retrieval"`
}

// applyYAMLOverlay reads an optional YAML file (path from CONFIG_YAML_PATH,
// defaulting to "config.yaml") and layers its values on top of the
// env-derived Policy/Retrieval defaults. A missing file is not an error —
// the overlay is opt-in, matching the teacher's own optional config.yaml.
func applyYAMLOverlay(cfg *Config) error {
	path := firstNonEmpty(env("CONFIG_YAML_PATH"), "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var ov policyOverlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if len(ov.Policy.Modalities) > 0 {
		cfg.Policy.Modalities = ov.Policy.Modalities
	}
	if ov.Policy.DedupThreshold > 0 {
		cfg.Policy.DedupThreshold = ov.Policy.DedupThreshold
	}
	if ov.Policy.RerankEnabled != nil {
		cfg.Policy.RerankEnabled = *ov.Policy.RerankEnabled
	}
	if ov.Policy.RerankProvider != "" {
		cfg.Policy.RerankProvider = ov.Policy.RerankProvider
	}
	if ov.Policy.RerankModel != "" {
		cfg.Policy.RerankModel = ov.Policy.RerankModel
	}
	if ov.Policy.RerankTopN > 0 {
		cfg.Policy.RerankTopN = ov.Policy.RerankTopN
	}
	if ov.Policy.RerankTopKIn > 0 {
		cfg.Policy.RerankTopKIn = ov.Policy.RerankTopKIn
	}
	if ov.Policy.RerankTimeoutMS > 0 {
		cfg.Policy.RerankTimeoutMS = ov.Policy.RerankTimeoutMS
	}
	if ov.Policy.FreshnessLambda > 0 {
		cfg.Policy.FreshnessLambda = ov.Policy.FreshnessLambda
	}
	if ov.Policy.GraphEnabled != nil {
		cfg.Policy.GraphEnabled = *ov.Policy.GraphEnabled
	}
	if ov.Policy.GraphMaxHops > 0 {
		cfg.Policy.GraphMaxHops = ov.Policy.GraphMaxHops
	}
	if ov.Retrieval.K > 0 {
		cfg.Retrieval.K = ov.Retrieval.K
	}
	if ov.Retrieval.Alpha > 0 {
		cfg.Retrieval.Alpha = ov.Retrieval.Alpha
	}
	if ov.Retrieval.RRFK > 0 {
		cfg.Retrieval.RRFK = ov.Retrieval.RRFK
	}
	return nil
}

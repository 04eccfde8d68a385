package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyYAMLOverlay_MissingFileIsNoop(t *testing.T) {
	cfg := Config{}
	cfg.Policy.RerankTopN = 20
	t.Setenv("CONFIG_YAML_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	if err := applyYAMLOverlay(&cfg); err != nil {
		t.Fatalf("expected no error for missing overlay file, got %v", err)
	}
	if cfg.Policy.RerankTopN != 20 {
		t.Fatalf("expected env-derived default to survive, got %d", cfg.Policy.RerankTopN)
	}
}

func TestApplyYAMLOverlay_OverridesPolicyAndRetrieval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "policy:\n  dedupThreshold: 0.9\n  rerankEnabled: true\nretrieval:\n  k: 25\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFIG_YAML_PATH", path)

	cfg := Config{}
	cfg.Policy.DedupThreshold = 0.5
	cfg.Retrieval.K = 10
	if err := applyYAMLOverlay(&cfg); err != nil {
		t.Fatalf("apply overlay: %v", err)
	}
	if cfg.Policy.DedupThreshold != 0.9 {
		t.Fatalf("expected dedup threshold override, got %v", cfg.Policy.DedupThreshold)
	}
	if !cfg.Policy.RerankEnabled {
		t.Fatalf("expected rerank enabled override")
	}
	if cfg.Retrieval.K != 25 {
		t.Fatalf("expected retrieval k override, got %d", cfg.Retrieval.K)
	}
}

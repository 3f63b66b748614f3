// Package config loads the lens engine's YAML configuration and applies
// environment variable overrides for the handful of values the core reads
// directly (§6 of the specification).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the lens engine and COEF store.
type Config struct {
	// Embedding provider configuration.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Vector index location and defaults.
	Index IndexConfig `yaml:"index"`

	// COEF content-addressable store location.
	Coef CoefConfig `yaml:"coef"`

	// Scanner thresholds, overridable per §9 ("no process-wide singletons").
	Scanner ScannerConfig `yaml:"scanner"`

	// Baker/calibration thresholds.
	Baker BakerConfig `yaml:"baker"`

	// Logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	// Provider: "deterministic" (hash-based, for tests/reproducibility),
	// "ollama" (local), or "genai" (Google Gemini embeddings).
	Provider string `yaml:"provider"`

	ModelID string `yaml:"model_id"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
	TaskType    string `yaml:"task_type"`

	Dimensions int `yaml:"dimensions"`
}

// IndexConfig configures the persistent vector index.
type IndexConfig struct {
	Dir string `yaml:"dir"`
}

// CoefConfig configures the content-addressable blob store.
type CoefConfig struct {
	Dir string `yaml:"dir"`
}

// ScannerConfig holds the Scanner's tunable thresholds (§4.5, §9).
type ScannerConfig struct {
	TopK              int     `yaml:"top_k"`
	ScoreFloor        float64 `yaml:"score_floor"`
	ConvergenceThresh float64 `yaml:"convergence_threshold"`
	TensionThresh     float64 `yaml:"tension_threshold"`
}

// BakerConfig holds the Baker's calibration parameters (§4.4, §9).
type BakerConfig struct {
	Epsilon         float64 `yaml:"epsilon"`
	MaxIterations   int     `yaml:"max_iterations"`
	MinStepFactor   float64 `yaml:"min_step_factor"`
	MaxStepFactor   float64 `yaml:"max_step_factor"`
	UnderpopulatedN int     `yaml:"underpopulated_threshold"`
	NegativeSample  int     `yaml:"negative_sample_size"`
}

// LoggingConfig mirrors logging.Config for YAML decoding.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration, matching the thresholds
// fixed by the specification (§4.4, §4.5).
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:       "deterministic",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
			Dimensions:     384,
		},
		Index: IndexConfig{Dir: "lensdata/index"},
		Coef:  CoefConfig{Dir: "lensdata/coef"},
		Scanner: ScannerConfig{
			TopK:              5,
			ScoreFloor:        0.03,
			ConvergenceThresh: 0.35,
			TensionThresh:     0.4,
		},
		Baker: BakerConfig{
			Epsilon:         0.01,
			MaxIterations:   20,
			MinStepFactor:   0.5,
			MaxStepFactor:   2.0,
			UnderpopulatedN: 5,
			NegativeSample:  50,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file at path, falling back to defaults for any
// field the file does not set, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies the environment variables the core reads
// directly, per §6: EMBEDDING_MODEL_ID, COEF_STORE_DIR, INDEX_DIR.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EMBEDDING_MODEL_ID"); v != "" {
		c.Embedding.ModelID = v
	}
	if v := os.Getenv("COEF_STORE_DIR"); v != "" {
		c.Coef.Dir = v
	}
	if v := os.Getenv("INDEX_DIR"); v != "" {
		c.Index.Dir = v
	}
}

// Validate checks the configuration for obvious misconfiguration before use.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "deterministic", "ollama", "genai":
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Index.Dir == "" {
		return fmt.Errorf("index.dir must be set")
	}
	if c.Coef.Dir == "" {
		return fmt.Errorf("coef.dir must be set")
	}
	if c.Baker.MaxIterations <= 0 {
		return fmt.Errorf("baker.max_iterations must be positive")
	}
	return nil
}

// ResolveDir joins a possibly-relative directory with the workspace root.
func ResolveDir(workspace, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}

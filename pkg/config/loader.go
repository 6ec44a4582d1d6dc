package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/maestro-run/maestro/pkg/models"
)

// maestroYAMLConfig mirrors the maestro.yaml file structure.
type maestroYAMLConfig struct {
	Executor   *ExecutorConfig   `yaml:"executor"`
	Router     *RouterConfig     `yaml:"router"`
	Cache      *CacheConfig      `yaml:"cache"`
	Pool       *PoolConfig       `yaml:"pool"`
	Reputation *ReputationConfig `yaml:"reputation"`
	Consensus  *ConsensusConfig  `yaml:"consensus"`
	Store      *StoreConfig      `yaml:"store"`
	Server     *ServerConfig     `yaml:"server"`
}

// modelsYAMLConfig mirrors the models.yaml file structure.
type modelsYAMLConfig struct {
	Models []models.ModelConfig `yaml:"models"`
}

// Initialize loads, merges, and validates configuration from configDir.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load maestro.yaml and models.yaml (both optional; defaults apply)
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"models", len(cfg.Models),
		"eviction_policy", cfg.Cache.EvictionPolicy,
		"max_workers", cfg.Executor.MaxWorkers)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var runtime maestroYAMLConfig
	if err := loader.loadYAML("maestro.yaml", &runtime); err != nil {
		// maestro.yaml is optional; defaults cover everything.
		if _, missing := err.(*notFoundError); !missing {
			return nil, NewLoadError("maestro.yaml", err)
		}
		slog.Info("maestro.yaml not found, using built-in defaults")
	}

	var modelRegistry modelsYAMLConfig
	if err := loader.loadYAML("models.yaml", &modelRegistry); err != nil {
		if _, missing := err.(*notFoundError); !missing {
			return nil, NewLoadError("models.yaml", err)
		}
		slog.Info("models.yaml not found, using built-in model registry")
	}

	cfg := &Config{
		configDir:  configDir,
		Executor:   DefaultExecutorConfig(),
		Router:     DefaultRouterConfig(),
		Cache:      DefaultCacheConfig(),
		Pool:       DefaultPoolConfig(),
		Reputation: DefaultReputationConfig(),
		Consensus:  DefaultConsensusConfig(),
		Store:      DefaultStoreConfig(),
		Server:     DefaultServerConfig(),
		Models:     builtinModels(),
	}

	// Merge user config over defaults; non-zero user values win.
	sections := []struct {
		name string
		dst  any
		src  any
	}{
		{"executor", cfg.Executor, runtime.Executor},
		{"router", cfg.Router, runtime.Router},
		{"cache", cfg.Cache, runtime.Cache},
		{"pool", cfg.Pool, runtime.Pool},
		{"reputation", cfg.Reputation, runtime.Reputation},
		{"consensus", cfg.Consensus, runtime.Consensus},
		{"store", cfg.Store, runtime.Store},
		{"server", cfg.Server, runtime.Server},
	}
	for _, s := range sections {
		if s.src == nil || isNilPtr(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}

	if len(modelRegistry.Models) > 0 {
		cfg.Models = modelRegistry.Models
	}

	return cfg, nil
}

// isNilPtr reports whether a section pointer inside the any interface is
// nil. Each section arrives as a typed nil when absent from YAML.
func isNilPtr(v any) bool {
	switch p := v.(type) {
	case *ExecutorConfig:
		return p == nil
	case *RouterConfig:
		return p == nil
	case *CacheConfig:
		return p == nil
	case *PoolConfig:
		return p == nil
	case *ReputationConfig:
		return p == nil
	case *ConsensusConfig:
		return p == nil
	case *StoreConfig:
		return p == nil
	case *ServerConfig:
		return p == nil
	}
	return false
}

type configLoader struct {
	configDir string
}

// notFoundError distinguishes a missing optional file from a parse failure.
type notFoundError struct {
	path string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConfigNotFound, e.path)
}

func (e *notFoundError) Unwrap() error {
	return ErrConfigNotFound
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &notFoundError{path: path}
		}
		return err
	}

	data = expandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// expandEnv substitutes {{.VAR}} references in raw YAML with environment
// values before parsing. Template syntax is used instead of $VAR so literal
// dollar signs in DSN passwords and pattern fields survive untouched.
// Content without template markers, and content that fails to render, passes
// through unchanged; required fields left empty are caught by validation.
func expandEnv(data []byte) []byte {
	if !bytes.Contains(data, []byte("{{")) {
		return data
	}
	tmpl, err := template.New("yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, env); err != nil {
		return data
	}
	return rendered.Bytes()
}

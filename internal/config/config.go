// Package config loads and hot-reloads binder configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envBindings maps viper keys to the environment variable names the service
// recognizes in deployment. AutomaticEnv with the BINDER prefix also applies.
var envBindings = map[string]string{
	"storage.documents_table":     "IEP_DOCUMENTS_TABLE",
	"storage.profiles_table":      "USER_PROFILES_TABLE",
	"storage.bucket":              "BUCKET",
	"llm.api_key":                 "OPENAI_API_KEY",
	"llm.api_key_parameter_name":  "OPENAI_API_KEY_PARAMETER_NAME",
	"ocr.api_key":                 "MISTRAL_API_KEY",
	"ocr.api_key_parameter_name":  "MISTRAL_API_KEY_PARAMETER_NAME",
	"pii.endpoint":                "PII_ENDPOINT",
	"pii.allowed_entity_types":    "ALLOWED_PII_ENTITY_TYPES",
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults, env bindings and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("storage", defaults.Storage)
	viper.SetDefault("ocr", defaults.OCR)
	viper.SetDefault("llm", defaults.LLM)
	viper.SetDefault("pii", defaults.PII)
	viper.SetDefault("pipeline", defaults.Pipeline)

	// Environment variables with BINDER_ prefix
	viper.SetEnvPrefix("BINDER")
	viper.AutomaticEnv()

	// Deployment env names (IEP_DOCUMENTS_TABLE etc.)
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	// Config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.binder")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Binder configuration
# API keys use ${ENV_VAR} syntax to reference environment variables,
# or set *_parameter_name to resolve them from the parameter store.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

package config

// Config holds binder configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Storage   StorageCfg     `mapstructure:"storage" yaml:"storage"`
	OCR       OCRProviderCfg `mapstructure:"ocr" yaml:"ocr"`
	LLM       LLMProviderCfg `mapstructure:"llm" yaml:"llm"`
	PII       PIIDetectorCfg `mapstructure:"pii" yaml:"pii"`
	Pipeline  PipelineCfg    `mapstructure:"pipeline" yaml:"pipeline"`
	SecretDir string         `mapstructure:"secret_dir" yaml:"secret_dir"` // Parameter-store directory for *_parameter_name lookups
}

// StorageCfg names the metadata tables and the blob-store bucket.
type StorageCfg struct {
	DocumentsTable string `mapstructure:"documents_table" yaml:"documents_table"` // IEP_DOCUMENTS_TABLE
	ProfilesTable  string `mapstructure:"profiles_table" yaml:"profiles_table"`   // USER_PROFILES_TABLE
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`                   // BUCKET
}

// OCRProviderCfg configures the OCR provider.
type OCRProviderCfg struct {
	BaseURL         string  `mapstructure:"base_url" yaml:"base_url"`
	Model           string  `mapstructure:"model" yaml:"model"`
	APIKey          string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	APIKeyParameter string  `mapstructure:"api_key_parameter_name" yaml:"api_key_parameter_name"`
	RateLimit       float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
	TimeoutSeconds  int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// LLMProviderCfg configures the chat-completions provider.
type LLMProviderCfg struct {
	BaseURL         string  `mapstructure:"base_url" yaml:"base_url"`
	Model           string  `mapstructure:"model" yaml:"model"`
	APIKey          string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	APIKeyParameter string  `mapstructure:"api_key_parameter_name" yaml:"api_key_parameter_name"`
	RateLimit       float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Workers         int     `mapstructure:"workers" yaml:"workers"` // concurrent requests per pool
}

// PIIDetectorCfg configures the entity-detection service.
type PIIDetectorCfg struct {
	Endpoint           string   `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey             string   `mapstructure:"api_key" yaml:"api_key"`
	RateLimit          float64  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Workers            int      `mapstructure:"workers" yaml:"workers"`
	AllowedEntityTypes []string `mapstructure:"allowed_entity_types" yaml:"allowed_entity_types"` // ALLOWED_PII_ENTITY_TYPES
}

// PipelineCfg tunes orchestrator behavior.
type PipelineCfg struct {
	MaxUnitRetries     int `mapstructure:"max_unit_retries" yaml:"max_unit_retries"`         // transient retries per work unit
	StepTimeoutSeconds int `mapstructure:"step_timeout_seconds" yaml:"step_timeout_seconds"` // wall-clock budget per step
	QueueSize          int `mapstructure:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageCfg{
			DocumentsTable: "iep_documents",
			ProfilesTable:  "user_profiles",
			Bucket:         "binder-documents",
		},
		OCR: OCRProviderCfg{
			BaseURL:        "https://api.mistral.ai/v1",
			Model:          "mistral-ocr-latest",
			APIKey:         "${MISTRAL_API_KEY}",
			RateLimit:      6.0,
			TimeoutSeconds: 300,
		},
		LLM: LLMProviderCfg{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o",
			APIKey:         "${OPENAI_API_KEY}",
			RateLimit:      5.0,
			TimeoutSeconds: 300,
			Workers:        8,
		},
		PII: PIIDetectorCfg{
			RateLimit:          20.0,
			Workers:            8,
			AllowedEntityTypes: []string{"NAME", "DATE_TIME"},
		},
		Pipeline: PipelineCfg{
			MaxUnitRetries:     3,
			StepTimeoutSeconds: 600,
			QueueSize:          1000,
		},
	}
}

package common

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Log      LogConfig
	Server   ServerConfig
	Render   RenderConfig
	OCR      OCRConfig
	LLM      LLMConfig
	Verify   VerifyConfig
	Store    StoreConfig
	Pipeline PipelineConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// ServerConfig holds daemon listen addresses
type ServerConfig struct {
	GRPCAddr    string
	MetricsAddr string
	InboxDir    string
	OutboxDir   string
	Workers     int
	QueueSize   int
	JobTimeout  time.Duration
}

type RenderConfig struct {
	DPI          int
	MaxPages     int
	MaxDimension int
	CacheEntries int
	Pdftoppm     string
}

// OCRConfig selects the optional OCR engine used by the rule-based provider
// and the OCR cross-check. Engine "" disables OCR.
type OCRConfig struct {
	Engine      string
	Tesseract   string
	Lang        string
	TessdataDir string
}

// LLMConfig holds fallback chain behaviour plus the provider descriptors.
type LLMConfig struct {
	ProbeTimeout     time.Duration
	CallTimeout      time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	ImageTokenCost   int
	ProvidersFile    string
	Providers        []ProviderConfig
}

// ProviderConfig describes one remote or local AI backend.
type ProviderConfig struct {
	ID           string   `yaml:"id"`
	Kind         string   `yaml:"kind"`
	Model        string   `yaml:"model"`
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	Project      string   `yaml:"project"`
	Location     string   `yaml:"location"`
	Priority     int      `yaml:"priority"`
	ContextLimit int      `yaml:"context_limit"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  float32  `yaml:"temperature"`
	Capabilities []string `yaml:"capabilities"`
	Disabled     bool     `yaml:"disabled"`
}

// Provider kinds understood by the provider factory.
const (
	KindOpenAI     = "openai"
	KindOpenAIHTTP = "openai_http"
	KindMistral    = "mistral"
	KindOllama     = "ollama"
	KindAnthropic  = "anthropic"
	KindVertex     = "vertex"
)

// VerifyConfig holds coverage thresholds. Percentages are 0..100, the fuzzy
// threshold is a similarity in (0, 1].
type VerifyConfig struct {
	HighThreshold   float64
	MediumThreshold float64
	FuzzyThreshold  float64
}

type StoreConfig struct {
	Backend    string
	SQLitePath string
	GCSBucket  string
	GCSPrefix  string
	Database   DatabaseConfig
}

// DatabaseConfig holds postgres pool settings
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

type PipelineConfig struct {
	DefaultDocumentType string
	DefaultPreference   string
}

// LoadConfig loads configuration from environment variables. When
// QMDOC_PROVIDERS_FILE is set, its descriptors replace the env-derived ones.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			GRPCAddr:    getEnv("GRPC_ADDR", ":8080"),
			MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
			InboxDir:    getEnv("QMDOC_INBOX_DIR", ""),
			OutboxDir:   getEnv("QMDOC_OUTBOX_DIR", "./reports"),
			Workers:     getEnvAsInt("QMDOC_WORKERS", 4),
			QueueSize:   getEnvAsInt("QMDOC_QUEUE_SIZE", 64),
			JobTimeout:  getEnvAsDuration("QMDOC_JOB_TIMEOUT", 10*time.Minute),
		},
		Render: RenderConfig{
			DPI:          getEnvAsInt("RENDER_DPI", 200),
			MaxPages:     getEnvAsInt("RENDER_MAX_PAGES", 20),
			MaxDimension: getEnvAsInt("RENDER_MAX_DIMENSION", 2048),
			CacheEntries: getEnvAsInt("RENDER_CACHE_ENTRIES", 32),
			Pdftoppm:     getEnv("RENDER_PDFTOPPM", "pdftoppm"),
		},
		OCR: OCRConfig{
			Engine:      getEnv("OCR_ENGINE", ""),
			Tesseract:   getEnv("OCR_TESSERACT", "tesseract"),
			Lang:        getEnv("OCR_LANG", "deu+eng"),
			TessdataDir: getEnv("TESSDATA_PREFIX", ""),
		},
		LLM: LLMConfig{
			ProbeTimeout:     getEnvAsDuration("LLM_PROBE_TIMEOUT", 3*time.Second),
			CallTimeout:      getEnvAsDuration("LLM_CALL_TIMEOUT", 120*time.Second),
			RetryMaxAttempts: getEnvAsInt("LLM_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:   getEnvAsDuration("LLM_RETRY_BASE_DELAY", 2*time.Second),
			RetryMaxDelay:    getEnvAsDuration("LLM_RETRY_MAX_DELAY", 30*time.Second),
			ImageTokenCost:   getEnvAsInt("LLM_IMAGE_TOKEN_COST", 1105),
			ProvidersFile:    getEnv("QMDOC_PROVIDERS_FILE", ""),
		},
		Verify: VerifyConfig{
			HighThreshold:   getEnvAsFloat64("VERIFY_HIGH_THRESHOLD", 90),
			MediumThreshold: getEnvAsFloat64("VERIFY_MEDIUM_THRESHOLD", 70),
			FuzzyThreshold:  getEnvAsFloat64("VERIFY_FUZZY_THRESHOLD", 0.85),
		},
		Store: StoreConfig{
			Backend:    getEnv("STORE_BACKEND", "memory"),
			SQLitePath: getEnv("STORE_SQLITE_PATH", "./qmdoc.db"),
			GCSBucket:  getEnv("GCS_BUCKET", ""),
			GCSPrefix:  getEnv("GCS_PREFIX", "stage-results"),
			Database: DatabaseConfig{
				DSN:              getEnv("DB_URL", ""),
				MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
				MinConns:         getEnvAsInt32("DB_MIN_CONNS", 1),
				MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
				MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
				DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
				StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
			},
		},
		Pipeline: PipelineConfig{
			DefaultDocumentType: getEnv("QMDOC_DOCUMENT_TYPE", "generic"),
			DefaultPreference:   getEnv("QMDOC_PROVIDER", "auto"),
		},
	}
	cfg.LLM.Providers = providersFromEnv()

	if cfg.LLM.ProvidersFile != "" {
		providers, err := LoadProvidersFile(cfg.LLM.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.LLM.Providers = providers
	}
	return cfg, nil
}

// providersFromEnv registers a descriptor for every backend whose credentials
// are present. Priorities rank cloud vision models above local ones.
func providersFromEnv() []ProviderConfig {
	var out []ProviderConfig
	if key := getEnv("OPENAI_API_KEY", ""); key != "" {
		out = append(out, ProviderConfig{
			ID:           "openai",
			Kind:         KindOpenAI,
			Model:        getEnv("OPENAI_MODEL", "gpt-4o"),
			APIKey:       key,
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
			Priority:     getEnvAsInt("OPENAI_PRIORITY", 100),
			ContextLimit: getEnvAsInt("OPENAI_CONTEXT_LIMIT", 128000),
			Temperature:  getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Capabilities: []string{"vision", "text"},
		})
	}
	if key := getEnv("ANTHROPIC_API_KEY", ""); key != "" {
		out = append(out, ProviderConfig{
			ID:           "anthropic",
			Kind:         KindAnthropic,
			Model:        getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			APIKey:       key,
			BaseURL:      getEnv("ANTHROPIC_BASE_URL", ""),
			Priority:     getEnvAsInt("ANTHROPIC_PRIORITY", 90),
			ContextLimit: getEnvAsInt("ANTHROPIC_CONTEXT_LIMIT", 200000),
			MaxTokens:    getEnvAsInt("ANTHROPIC_MAX_TOKENS", 8192),
			Capabilities: []string{"vision", "text"},
		})
	}
	if project := getEnv("VERTEX_PROJECT", ""); project != "" {
		out = append(out, ProviderConfig{
			ID:           "vertex",
			Kind:         KindVertex,
			Model:        getEnv("VERTEX_MODEL", "gemini-2.5-flash"),
			Project:      project,
			Location:     getEnv("VERTEX_LOCATION", "europe-west3"),
			Priority:     getEnvAsInt("VERTEX_PRIORITY", 80),
			ContextLimit: getEnvAsInt("VERTEX_CONTEXT_LIMIT", 1048576),
			Capabilities: []string{"vision", "text"},
		})
	}
	if key := getEnv("MISTRAL_API_KEY", ""); key != "" {
		out = append(out, ProviderConfig{
			ID:           "mistral",
			Kind:         KindMistral,
			Model:        getEnv("MISTRAL_MODEL", "pixtral-large-latest"),
			APIKey:       key,
			Priority:     getEnvAsInt("MISTRAL_PRIORITY", 70),
			ContextLimit: getEnvAsInt("MISTRAL_CONTEXT_LIMIT", 128000),
			Capabilities: []string{"vision", "text"},
		})
	}
	if url := getEnv("LOCAL_LLM_URL", ""); url != "" {
		out = append(out, ProviderConfig{
			ID:           "local",
			Kind:         KindOpenAIHTTP,
			Model:        getEnv("LOCAL_LLM_MODEL", "qwen2.5-vl-7b-instruct"),
			APIKey:       getEnv("LOCAL_LLM_API_KEY", ""),
			BaseURL:      url,
			Priority:     getEnvAsInt("LOCAL_LLM_PRIORITY", 40),
			ContextLimit: getEnvAsInt("LOCAL_LLM_CONTEXT_LIMIT", 32768),
			Capabilities: []string{"vision", "text"},
		})
	}
	if host := getEnv("OLLAMA_HOST", ""); host != "" {
		out = append(out, ProviderConfig{
			ID:           "ollama",
			Kind:         KindOllama,
			Model:        getEnv("OLLAMA_MODEL", "llama3.2-vision"),
			BaseURL:      host,
			Priority:     getEnvAsInt("OLLAMA_PRIORITY", 30),
			ContextLimit: getEnvAsInt("OLLAMA_CONTEXT_LIMIT", 8192),
			Capabilities: []string{"vision", "text"},
		})
	}
	return out
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProvidersFile reads provider descriptors from YAML. Values of the form
// ${NAME} are expanded from the environment so keys stay out of the file.
func LoadProvidersFile(path string) ([]ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewAppError("CONFIG_ERROR", "read providers file", err)
	}
	var pf providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &pf); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "parse providers file "+path, err)
	}
	out := make([]ProviderConfig, 0, len(pf.Providers))
	for _, p := range pf.Providers {
		if p.Disabled {
			continue
		}
		if len(p.Capabilities) == 0 {
			p.Capabilities = []string{"vision", "text"}
		}
		out = append(out, p)
	}
	return out, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	v := NewValidator()
	v.Field("LOG_FORMAT", c.Log.Format, OneOf("json", "text"))
	v.Field("STORE_BACKEND", c.Store.Backend, OneOf("memory", "sqlite", "postgres", "gcs"))
	v.Field("OCR_ENGINE", c.OCR.Engine, OneOf("", "tesseract", "gosseract"))
	v.Field("RENDER_DPI", c.Render.DPI, InRange(36, 1200))
	v.Field("LLM_RETRY_MAX_ATTEMPTS", c.LLM.RetryMaxAttempts, InRange(1, 10))
	v.Check(c.LLM.ProbeTimeout > 0, "LLM_PROBE_TIMEOUT", c.LLM.ProbeTimeout, "must be positive")
	v.Check(c.LLM.CallTimeout > 0, "LLM_CALL_TIMEOUT", c.LLM.CallTimeout, "must be positive")

	if err := c.Verify.Validate(); err != nil {
		return NewAppError("CONFIG_ERROR", "invalid verification thresholds", err)
	}

	switch c.Store.Backend {
	case "postgres":
		v.Field("DB_URL", c.Store.Database.DSN, Required)
	case "gcs":
		v.Field("GCS_BUCKET", c.Store.GCSBucket, Required)
	case "sqlite":
		v.Field("STORE_SQLITE_PATH", c.Store.SQLitePath, Required)
	}

	kinds := []string{KindOpenAI, KindOpenAIHTTP, KindMistral, KindOllama, KindAnthropic, KindVertex}
	seen := map[string]struct{}{}
	for _, p := range c.LLM.Providers {
		field := "providers[" + p.ID + "]"
		v.Field(field+".id", p.ID, Required)
		v.Field(field+".kind", p.Kind, OneOf(kinds...))
		v.Check(p.ContextLimit >= 0, field+".context_limit", p.ContextLimit, "must not be negative")
		if _, dup := seen[p.ID]; dup {
			v.Check(false, field+".id", p.ID, "is duplicated")
		}
		seen[p.ID] = struct{}{}
		if strings.EqualFold(p.ID, "rule_based") {
			v.Check(false, field+".id", p.ID, "is reserved for the terminal provider")
		}
	}

	if err := v.Error(); err != nil {
		return NewAppError("CONFIG_ERROR", "invalid configuration", err)
	}
	return nil
}

// Validate enforces 0 <= medium <= high <= 100 and 0 < fuzzy <= 1.
func (vc VerifyConfig) Validate() error {
	v := NewValidator()
	v.Field("VERIFY_HIGH_THRESHOLD", vc.HighThreshold, InRange(0, 100))
	v.Field("VERIFY_MEDIUM_THRESHOLD", vc.MediumThreshold, InRange(0, 100))
	v.Check(vc.MediumThreshold <= vc.HighThreshold, "VERIFY_MEDIUM_THRESHOLD", vc.MediumThreshold,
		fmt.Sprintf("must not exceed high threshold %g", vc.HighThreshold))
	v.Check(vc.FuzzyThreshold > 0 && vc.FuzzyThreshold <= 1, "VERIFY_FUZZY_THRESHOLD", vc.FuzzyThreshold,
		"must be in (0, 1]")
	return v.Error()
}

// HasCapability reports whether the provider declares capability c.
func (p ProviderConfig) HasCapability(c string) bool {
	return slices.Contains(p.Capabilities, c)
}

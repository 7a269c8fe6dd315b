package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration is returned for invalid or incomplete settings. It is never retried.
var ErrConfiguration = errors.New("configuration error")

// Provider and backend names accepted by the configuration.
const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderCloud = "cloud"

	EmbeddingOllama = "ollama"
	EmbeddingOpenAI = "openai"

	BackendFlat    = "flat"
	BackendChromem = "chromem"
)

// Config holds every tunable of the service. Keys match the YAML/TOML file and,
// upper-cased, the environment variables that override them.
type Config struct {
	DataDir        string `yaml:"data_dir" toml:"data_dir"`
	DBURL          string `yaml:"db_url" toml:"db_url"`
	DBDebug        bool   `yaml:"db_debug" toml:"db_debug"`
	FaissIndexPath string `yaml:"faiss_index_path" toml:"faiss_index_path"`

	VectorBackend        string `yaml:"vector_backend" toml:"vector_backend"`
	IndexCompression     string `yaml:"index_compression" toml:"index_compression"`
	ChromemEncryptionKey string `yaml:"chromem_encryption_key" toml:"chromem_encryption_key"`

	EmbeddingProvider  string `yaml:"embedding_provider" toml:"embedding_provider"`
	EmbeddingModel     string `yaml:"embedding_model" toml:"embedding_model"`
	EmbeddingDim       int    `yaml:"embedding_dim" toml:"embedding_dim"`
	EmbeddingBatchSize int    `yaml:"embedding_batch_size" toml:"embedding_batch_size"`

	TopK         int     `yaml:"top_k" toml:"top_k"`
	IDKThreshold float64 `yaml:"idk_threshold" toml:"idk_threshold"`
	MaxCitations int     `yaml:"max_citations" toml:"max_citations"`
	ChunkSize    int     `yaml:"chunk_size" toml:"chunk_size"`
	ChunkOverlap int     `yaml:"chunk_overlap" toml:"chunk_overlap"`

	LLMProvider       string `yaml:"llm_provider" toml:"llm_provider"`
	OllamaBaseURL     string `yaml:"ollama_base_url" toml:"ollama_base_url"`
	OllamaModel       string `yaml:"ollama_model" toml:"ollama_model"`
	OpenAIAPIKey      string `yaml:"openai_api_key" toml:"openai_api_key"`
	OpenAIModel       string `yaml:"openai_model" toml:"openai_model"`
	OpenAIBaseURL     string `yaml:"openai_base_url" toml:"openai_base_url"`
	LLMTimeoutSeconds int    `yaml:"llm_timeout_seconds" toml:"llm_timeout_seconds"`

	HTTPAddr       string  `yaml:"http_addr" toml:"http_addr"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" toml:"rate_limit_burst"`

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	BlobEndpoint  string `yaml:"blob_endpoint" toml:"blob_endpoint"`
	BlobBucket    string `yaml:"blob_bucket" toml:"blob_bucket"`
	BlobPrefix    string `yaml:"blob_prefix" toml:"blob_prefix"`
	BlobAccessKey string `yaml:"blob_access_key" toml:"blob_access_key"`
	BlobSecretKey string `yaml:"blob_secret_key" toml:"blob_secret_key"`
	BlobUseSSL    bool   `yaml:"blob_use_ssl" toml:"blob_use_ssl"`
}

// Default returns the configuration used when neither file nor environment set a key.
func Default() *Config {
	return &Config{
		DataDir:            "./data",
		DBURL:              "sqlite:///./data/finrag.sqlite",
		FaissIndexPath:     "./data/faiss.index",
		VectorBackend:      BackendFlat,
		IndexCompression:   "zstd",
		EmbeddingProvider:  EmbeddingOllama,
		EmbeddingModel:     "nomic-embed-text",
		EmbeddingBatchSize: 32,
		TopK:               5,
		IDKThreshold:       0.28,
		MaxCitations:       5,
		ChunkSize:          900,
		ChunkOverlap:       150,
		LLMProvider:        ProviderNone,
		OllamaBaseURL:      "http://localhost:11434",
		OllamaModel:        "llama3.1:8b",
		OpenAIModel:        "gpt-4o-mini",
		OpenAIBaseURL:      "https://api.openai.com/v1",
		LLMTimeoutSeconds:  120,
		HTTPAddr:           ":8000",
		RateLimitBurst:     5,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// LoadConfig reads the file at path (YAML, or TOML for a .toml extension) over the
// defaults, applies environment overrides and validates the result. A missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrConfiguration, path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnv overrides fields from the environment. The variable name is the
// upper-cased yaml key, e.g. TOP_K or OPENAI_API_KEY.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		raw, ok := lookup(strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrConfiguration, strings.ToUpper(key), raw, err)
		}
	}
	return nil
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case reflect.Float64:
		x, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		f.SetBool(b)
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...))
	}

	if c.DataDir == "" {
		bad("data_dir is empty")
	}
	if c.DBURL == "" {
		bad("db_url is empty")
	}
	if c.FaissIndexPath == "" {
		bad("faiss_index_path is empty")
	}
	switch c.VectorBackend {
	case BackendFlat, BackendChromem:
	default:
		bad("unknown vector_backend %q", c.VectorBackend)
	}
	switch c.IndexCompression {
	case "none", "zstd", "lz4":
	default:
		bad("unknown index_compression %q", c.IndexCompression)
	}
	switch c.EmbeddingProvider {
	case EmbeddingOllama, EmbeddingOpenAI:
	default:
		bad("unknown embedding_provider %q", c.EmbeddingProvider)
	}
	if _, err := NormalizeProvider(c.LLMProvider); err != nil {
		errs = append(errs, err)
	}
	if c.TopK <= 0 {
		bad("top_k must be positive, got %d", c.TopK)
	}
	if c.MaxCitations <= 0 {
		bad("max_citations must be positive, got %d", c.MaxCitations)
	}
	if c.IDKThreshold < -1 || c.IDKThreshold > 1 {
		bad("idk_threshold must be within [-1, 1], got %g", c.IDKThreshold)
	}
	if c.ChunkSize <= 0 {
		bad("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		bad("chunk_overlap must not be negative, got %d", c.ChunkOverlap)
	}
	if c.EmbeddingDim < 0 {
		bad("embedding_dim must not be negative, got %d", c.EmbeddingDim)
	}
	if c.RateLimitRPS < 0 {
		bad("rate_limit_rps must not be negative, got %g", c.RateLimitRPS)
	}

	return errors.Join(errs...)
}

// NormalizeProvider maps llm_provider values, including the ollama/openai aliases,
// onto none, local or cloud.
func NormalizeProvider(p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", ProviderNone:
		return ProviderNone, nil
	case ProviderLocal, "ollama":
		return ProviderLocal, nil
	case ProviderCloud, "openai":
		return ProviderCloud, nil
	default:
		return "", fmt.Errorf("%w: unknown llm_provider %q", ErrConfiguration, p)
	}
}

// LLMTimeout is the HTTP timeout used by generator and embedder backends.
func (c *Config) LLMTimeout() time.Duration {
	if c.LLMTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// DocumentDir is the directory scanned by the ingestion entry point.
func (c *Config) DocumentDir() string {
	return filepath.Join(c.DataDir, "pdfs")
}

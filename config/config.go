package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type EmbeddingConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	Dimension     int    `yaml:"dimension"`
	MaxInputChars int    `yaml:"max_input_chars"`
	CacheSize     int    `yaml:"cache_size"`
	Retries       int    `yaml:"retries"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
}

type ChunkingConfig struct {
	Window   int `yaml:"window"`
	Overlap  int `yaml:"overlap"`
	Lookback int `yaml:"lookback"`
}

type ContextConfig struct {
	Budget          int     `yaml:"budget"`
	PassageFraction float64 `yaml:"passage_fraction"`
}

type SessionConfig struct {
	MaxTurns int           `yaml:"max_turns"`
	TTL      time.Duration `yaml:"ttl"`
}

type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Neo4jURI    string `yaml:"neo4j_uri"`
	Neo4jUser   string `yaml:"neo4j_user"`
	Neo4jPass   string `yaml:"neo4j_pass"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	DataDir      string `yaml:"data_dir"`
	ArtifactPath string `yaml:"artifact_path"`
	TopK         int    `yaml:"top_k"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	Workers        int           `yaml:"workers"`

	Embeddings EmbeddingConfig `yaml:"embeddings"`
	LLM        LLMConfig       `yaml:"llm"`
	Chunking   ChunkingConfig  `yaml:"chunking"`
	Context    ContextConfig   `yaml:"context"`
	Session    SessionConfig   `yaml:"session"`
}

// Load builds a Config from defaults, an optional YAML file pointed at by
// ISO_ASSISTANT_CONFIG, and environment variable overrides, in that order.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("ISO_ASSISTANT_CONFIG"); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFile reads a YAML config file layered over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		PostgresDSN: "postgres://localhost:5432/iso-assistant?sslmode=disable",
		Neo4jURI:    "neo4j://localhost:7687",
		Neo4jUser:   "neo4j",
		Neo4jPass:   "password",

		OllamaHost: "http://localhost:11434",

		DataDir:      "data/raw",
		ArtifactPath: "data/corpus.idx",
		TopK:         12,

		RequestTimeout: 90 * time.Second,
		Workers:        4,

		Embeddings: EmbeddingConfig{
			Provider:      ProviderOllama,
			Model:         "nomic-embed-text",
			Dimension:     768,
			MaxInputChars: 8000,
			CacheSize:     256,
			Retries:       2,
		},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			Model:       "llama-3.1-8b-instant",
			Temperature: 0.3,
			MaxTokens:   1500,
			Timeout:     45 * time.Second,
			Retries:     2,
		},
		Chunking: ChunkingConfig{
			Window:   1000,
			Overlap:  200,
			Lookback: 120,
		},
		Context: ContextConfig{
			Budget:          8000,
			PassageFraction: 0.7,
		},
		Session: SessionConfig{
			MaxTurns: 20,
			TTL:      30 * time.Minute,
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.Neo4jURI, "NEO4J_URI")
	setString(&cfg.Neo4jUser, "NEO4J_USERNAME")
	setString(&cfg.Neo4jPass, "NEO4J_PASSWORD")
	setString(&cfg.OllamaHost, "OLLAMA_HOST")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.ArtifactPath, "ARTIFACT_PATH")
	setInt(&cfg.TopK, "TOP_K")
	setInt(&cfg.Workers, "WORKERS")

	setString(&cfg.Embeddings.Provider, "EMBEDDINGS_PROVIDER")
	setString(&cfg.Embeddings.Model, "EMBEDDINGS_MODEL")
	setInt(&cfg.Embeddings.Dimension, "EMBEDDINGS_DIMENSION")
	setInt(&cfg.Embeddings.Retries, "EMBEDDINGS_RETRIES")

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setInt(&cfg.LLM.Retries, "LLM_RETRIES")

	setInt(&cfg.Chunking.Window, "CHUNK_WINDOW")
	setInt(&cfg.Chunking.Overlap, "CHUNK_OVERLAP")
	setInt(&cfg.Context.Budget, "CONTEXT_BUDGET")
	setInt(&cfg.Session.MaxTurns, "SESSION_MAX_TURNS")
}

func setString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*target = value
	}
}

func setInt(target *int, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Inference InferenceConfig `yaml:"inference"`
	Events    EventsConfig    `yaml:"events"`
	Cache     CacheConfig     `yaml:"cache"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type RegistryConfig struct {
	Path string `yaml:"path"`
}

type SwarmConfig struct {
	MaxDepth       int           `yaml:"max_collaboration_depth"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
}

type KnowledgeConfig struct {
	IndexPath string  `yaml:"index_path"`
	TopK      int     `yaml:"top_k"`
	MinScore  float64 `yaml:"min_score"`
}

type InferenceConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type EventsConfig struct {
	Capacity int `yaml:"capacity"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/conclave.db",
		},
		Registry: RegistryConfig{
			Path: "config/agents.yaml",
		},
		Swarm: SwarmConfig{
			MaxDepth:       3,
			DefaultTimeout: 30 * time.Second,
			HistoryLimit:   10000,
		},
		Knowledge: KnowledgeConfig{
			IndexPath: "data/index.bleve",
			TopK:      5,
			MinScore:  0.4,
		},
		Inference: InferenceConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 1024,
		},
		Events: EventsConfig{
			Capacity: 10000,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONCLAVE_CONFIG")
	if path == "" {
		path = "config/conclave.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file, run on defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONCLAVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONCLAVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONCLAVE_AGENTS_PATH"); v != "" {
		cfg.Registry.Path = v
	}
	if v := os.Getenv("CONCLAVE_INDEX_PATH"); v != "" {
		cfg.Knowledge.IndexPath = v
	}
	if v := os.Getenv("CONCLAVE_PROVIDER"); v != "" {
		cfg.Inference.Provider = v
	}
	if v := os.Getenv("CONCLAVE_MODEL"); v != "" {
		cfg.Inference.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Inference.Provider == "openai" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Inference.Provider == "anthropic" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("CONCLAVE_MAX_DEPTH"); v != "" {
		if depth, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxDepth = depth
		}
	}
}

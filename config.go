package main

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Configuration variables. Defaults match the original deployment; most can be
// overridden via environment variables or a council.yaml file.
var (
	// OpenRouterAPIKey is the API key for OpenRouter
	OpenRouterAPIKey string

	// CouncilModels is the list of models to query in parallel
	CouncilModels = []string{
		"openai/gpt-5.1-codex-mini",
		"openai/gpt-oss-20b:free",
		"kwaipilot/kat-coder-pro:free",
		"x-ai/grok-4.1-fast:free",
	}

	// ChairmanModel is the model used for final synthesis
	ChairmanModel = "tngtech/deepseek-r1t2-chimera:free"

	// TitleModel is the fast model used to name new conversations
	TitleModel = "google/gemini-2.5-flash"

	// OpenRouterAPIURL is the chat completions endpoint
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// OpenRouterModelsURL is the model catalog endpoint
	OpenRouterModelsURL = "https://openrouter.ai/api/v1/models"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// ServerPort is the listen port for the HTTP server
	ServerPort = 8001

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	TitleGenTimeout   = 30 * time.Second

	// RequestConcurrency caps in-flight model calls per dispatch. Kept small
	// on purpose so free-tier pacing stays ahead of provider-side throttling.
	RequestConcurrency = 2

	// FreeTierMinInterval is the minimum spacing between calls to the same
	// free-tier model across the whole process.
	FreeTierMinInterval = 5 * time.Second

	// Retry policy for model calls
	MaxRetries  = 5
	BackoffBase = 2.0

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// ModelCatalogTTL is the time-to-live for the model catalog cache
	ModelCatalogTTL = 5 * time.Minute

	// DefaultSystemPrompt optionally applies to every conversation
	DefaultSystemPrompt = ""

	// HistoryDefaults is the default history compaction policy
	HistoryDefaults = HistoryPolicy{
		MaxTurns:  6,
		MaxTokens: 4000,
		Strategy:  "trim",
	}
)

// councilFile is the YAML shape of an optional config file. Zero values mean
// "keep the default".
type councilFile struct {
	CouncilModels      []string `yaml:"council_models"`
	ChairmanModel      string   `yaml:"chairman_model"`
	TitleModel         string   `yaml:"title_model"`
	Concurrency        int      `yaml:"concurrency"`
	FreeTierIntervalMS int      `yaml:"free_tier_interval_ms"`
	MaxRetries         int      `yaml:"max_retries"`
	BackoffBase        float64  `yaml:"backoff_base"`
}

// ParseFlags reads command-line flags. Called from main only, so tests never
// touch the flag set.
func ParseFlags() {
	pflag.IntVar(&ServerPort, "port", ServerPort, "HTTP listen port")
	pflag.StringVar(&DataDir, "data-dir", DataDir, "conversation storage directory")
	configPath := pflag.String("config", "", "path to council.yaml")
	pflag.Parse()

	if *configPath != "" {
		os.Setenv("COUNCIL_CONFIG", *configPath)
	}
}

// LoadConfig loads configuration from environment variables and the optional
// YAML config file.
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Fatal("OPENROUTER_API_KEY environment variable is required")
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range filepath.SplitList(corsOrigins) {
			if origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	if prompt := os.Getenv("DEFAULT_SYSTEM_PROMPT"); prompt != "" {
		DefaultSystemPrompt = prompt
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		DataDir = dir
	}
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			ServerPort = n
		}
	}
	if v := os.Getenv("HISTORY_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			HistoryDefaults.MaxTurns = n
		}
	}
	if v := os.Getenv("HISTORY_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			HistoryDefaults.MaxTokens = n
		}
	}
	if v := os.Getenv("HISTORY_STRATEGY"); v != "" {
		HistoryDefaults.Strategy = v
	}

	if path := os.Getenv("COUNCIL_CONFIG"); path != "" {
		if err := loadCouncilFile(path); err != nil {
			log.Fatalf("Failed to load council config %s: %v", path, err)
		}
	}

	log.Println("Configuration loaded successfully")
}

// loadCouncilFile applies overrides from a YAML config file.
func loadCouncilFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg councilFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	if len(cfg.CouncilModels) > 0 {
		CouncilModels = cfg.CouncilModels
	}
	if cfg.ChairmanModel != "" {
		ChairmanModel = cfg.ChairmanModel
	}
	if cfg.TitleModel != "" {
		TitleModel = cfg.TitleModel
	}
	if cfg.Concurrency > 0 {
		RequestConcurrency = cfg.Concurrency
	}
	if cfg.FreeTierIntervalMS > 0 {
		FreeTierMinInterval = time.Duration(cfg.FreeTierIntervalMS) * time.Millisecond
	}
	if cfg.MaxRetries > 0 {
		MaxRetries = cfg.MaxRetries
	}
	if cfg.BackoffBase > 1 {
		BackoffBase = cfg.BackoffBase
	}

	log.Printf("Applied council config from %s", path)
	return nil
}

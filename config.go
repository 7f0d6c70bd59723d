package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackAppToken string `yaml:"slack_app_token"`

	JiraHost     string `yaml:"jira_host"`
	JiraUsername string `yaml:"jira_username"`
	JiraAPIToken string `yaml:"jira_api_token"`

	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	DBPath string `yaml:"db_path"`

	SimilarityThreshold   float64 `yaml:"similarity_threshold"`
	DuplicateWindowDays   int     `yaml:"duplicate_window_days"`
	DuplicateCacheHours   int     `yaml:"duplicate_cache_hours"`
	DuplicateCheckLenient bool    `yaml:"duplicate_check_lenient"`

	SessionMaxAgeDays int    `yaml:"session_max_age_days"`
	SweepSchedule     string `yaml:"sweep_schedule"`
	Timezone          string `yaml:"timezone"`

	Location *time.Location `yaml:"-"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAppToken, "SLACK_APP_TOKEN")
	envOverride(&cfg.JiraHost, "JIRA_HOST")
	envOverride(&cfg.JiraUsername, "JIRA_USERNAME")
	envOverride(&cfg.JiraAPIToken, "JIRA_API_TOKEN")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverrideFloat(&cfg.SimilarityThreshold, "DUPLICATE_SIMILARITY_THRESHOLD")
	envOverrideInt(&cfg.DuplicateWindowDays, "DUPLICATE_WINDOW_DAYS")
	envOverrideInt(&cfg.DuplicateCacheHours, "DUPLICATE_CACHE_HOURS")
	envOverrideInt(&cfg.SessionMaxAgeDays, "SESSION_MAX_AGE_DAYS")
	envOverride(&cfg.SweepSchedule, "SWEEP_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")

	// Defaults
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./feedbackbot.db"
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.5
	}
	if cfg.DuplicateWindowDays == 0 {
		cfg.DuplicateWindowDays = 30
	}
	if cfg.DuplicateCacheHours == 0 {
		cfg.DuplicateCacheHours = 24
	}
	if cfg.SessionMaxAgeDays == 0 {
		cfg.SessionMaxAgeDays = 14
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "0 3 * * *"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	// Validate required fields
	required := map[string]string{
		"slack_bot_token": cfg.SlackBotToken,
		"slack_app_token": cfg.SlackAppToken,
		"jira_host":       cfg.JiraHost,
		"jira_username":   cfg.JiraUsername,
		"jira_api_token":  cfg.JiraAPIToken,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}

	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		log.Fatalf("invalid similarity_threshold '%f': must be between 0 and 1", cfg.SimilarityThreshold)
	}
	if cfg.DuplicateWindowDays < 1 {
		log.Fatalf("invalid duplicate_window_days '%d': must be >= 1", cfg.DuplicateWindowDays)
	}
	if cfg.DuplicateCacheHours < 1 {
		log.Fatalf("invalid duplicate_cache_hours '%d': must be >= 1", cfg.DuplicateCacheHours)
	}
	if cfg.SessionMaxAgeDays < 1 {
		log.Fatalf("invalid session_max_age_days '%d': must be >= 1", cfg.SessionMaxAgeDays)
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	return cfg
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

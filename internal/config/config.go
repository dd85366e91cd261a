package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLM providers.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// Config holds the runtime configuration. It is read once in main.
type Config struct {
	Environment string
	LogLevel    string
	LogFormat   string

	StateTable     string
	ParamPrefix    string
	ArtifactBucket string

	LLMProvider    string
	OpenAIBaseURL  string
	BedrockModelID string

	FreeTierLimit      int
	MaxMessageLength   int
	RequestTimeout     time.Duration
	ExtractionAttempts int
	ExtractionBackoff  time.Duration
	DownloadURLTTL     time.Duration

	RedisURL       string
	ThrottleLimit  int
	ThrottleWindow time.Duration

	DevAddr string
}

// Load reads configuration from the environment, after loading a .env file
// when one exists. Missing required keys are reported together.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   strings.ToLower(getenv("LOG_FORMAT", "json")),

		StateTable:     strings.TrimSpace(os.Getenv("STATE_TABLE")),
		ParamPrefix:    strings.TrimSpace(os.Getenv("PARAM_PREFIX")),
		ArtifactBucket: strings.TrimSpace(os.Getenv("ARTIFACT_BUCKET")),

		LLMProvider:    strings.ToLower(getenv("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIBaseURL:  getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		BedrockModelID: strings.TrimSpace(os.Getenv("BEDROCK_MODEL_ID")),

		FreeTierLimit:      getenvInt("FREE_TIER_LIMIT", 5),
		MaxMessageLength:   getenvInt("MAX_MESSAGE_LENGTH", 2000),
		RequestTimeout:     getenvDuration("REQUEST_TIMEOUT", 25*time.Second),
		ExtractionAttempts: getenvInt("EXTRACTION_ATTEMPTS", 2),
		ExtractionBackoff:  getenvDuration("EXTRACTION_BACKOFF", 200*time.Millisecond),
		DownloadURLTTL:     getenvDuration("DOWNLOAD_URL_TTL", 15*time.Minute),

		RedisURL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		ThrottleLimit:  getenvInt("THROTTLE_LIMIT", 100),
		ThrottleWindow: getenvDuration("THROTTLE_WINDOW", time.Hour),

		DevAddr: getenv("DEV_ADDR", ":8080"),
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	for key, v := range map[string]string{
		"STATE_TABLE":     c.StateTable,
		"PARAM_PREFIX":    c.ParamPrefix,
		"ARTIFACT_BUCKET": c.ArtifactBucket,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("config: required environment variable %s is not set", key))
		}
	}
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderBedrock:
	default:
		errs = append(errs, fmt.Errorf("config: unknown LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.FreeTierLimit < 1 {
		errs = append(errs, errors.New("config: FREE_TIER_LIMIT must be positive"))
	}
	if c.ExtractionAttempts < 1 {
		errs = append(errs, errors.New("config: EXTRACTION_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

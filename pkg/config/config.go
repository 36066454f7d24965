// Package config holds the runtime knobs shared across the chorus packages.
// Values come from the environment (optionally seeded from a .env file);
// everything has a usable default so a bare `Load()` yields a working
// single-process setup backed by the local file store.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Settings is the resolved configuration for one MAS instance.
type Settings struct {
	AppName  string
	LogLevel string
	CacheDir string

	// Global LLM defaults merged into every request payload. Component
	// params and per-request arguments override these.
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMParams  map[string]any

	// Message bus behaviour.
	MessagePrefix   string
	MessageIsStored bool
	SendToolCall    bool
	SendObservation bool
	SendAnswer      bool
	SendThink       bool

	// Log verbosity for per-node entries.
	DetailedToolCall    bool
	DetailedObservation bool

	// Optional backends. Empty means the in-process / local-file variants.
	RedisAddr     string
	RedisPassword string
	SQLitePath    string

	// Optional vector retrieval for tool recall.
	RetrievalEnabled   bool
	EmbeddingBaseURL   string
	EmbeddingAPIKey    string
	EmbeddingModel     string
}

// Load reads the environment into a Settings value. A .env file next to the
// process is honoured but never overrides already-exported variables.
func Load() *Settings {
	_ = godotenv.Load()

	s := &Settings{
		AppName:  getEnv("CHORUS_APP_NAME", "chorus"),
		LogLevel: getEnv("CHORUS_LOG_LEVEL", "info"),
		CacheDir: getEnv("CHORUS_CACHE_DIR", defaultCacheDir()),

		LLMBaseURL: getEnv("CHORUS_LLM_BASE_URL", ""),
		LLMAPIKey:  getEnv("CHORUS_LLM_API_KEY", ""),
		LLMModel:   getEnv("CHORUS_LLM_MODEL", ""),
		LLMParams:  map[string]any{},

		MessagePrefix:   getEnv("CHORUS_MESSAGE_PREFIX", "chorus"),
		MessageIsStored: getBool("CHORUS_MESSAGE_IS_STORED", false),
		SendToolCall:    getBool("CHORUS_SEND_TOOL_CALL", true),
		SendObservation: getBool("CHORUS_SEND_OBSERVATION", true),
		SendAnswer:      getBool("CHORUS_SEND_ANSWER", true),
		SendThink:       getBool("CHORUS_SEND_THINK", true),

		DetailedToolCall:    getBool("CHORUS_LOG_DETAILED_TOOL_CALL", false),
		DetailedObservation: getBool("CHORUS_LOG_DETAILED_OBSERVATION", false),

		RedisAddr:     getEnv("CHORUS_REDIS_ADDR", ""),
		RedisPassword: getEnv("CHORUS_REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("CHORUS_SQLITE_PATH", ""),

		RetrievalEnabled: getBool("CHORUS_RETRIEVAL_ENABLED", false),
		EmbeddingBaseURL: getEnv("CHORUS_EMBEDDING_BASE_URL", ""),
		EmbeddingAPIKey:  getEnv("CHORUS_EMBEDDING_API_KEY", ""),
		EmbeddingModel:   getEnv("CHORUS_EMBEDDING_MODEL", "text-embedding-3-small"),
	}

	if temp := getEnv("CHORUS_LLM_TEMPERATURE", ""); temp != "" {
		if f, err := strconv.ParseFloat(temp, 64); err == nil {
			s.LLMParams["temperature"] = f
		}
	}
	return s
}

// Default returns settings with defaults only, ignoring the environment.
// Tests use this to avoid cross-test leakage through env vars.
func Default() *Settings {
	return &Settings{
		AppName:             "chorus",
		LogLevel:            "info",
		CacheDir:            defaultCacheDir(),
		LLMParams:           map[string]any{},
		MessagePrefix:       "chorus",
		SendToolCall:        true,
		SendObservation:     true,
		SendAnswer:          true,
		SendThink:           true,
		EmbeddingModel:      "text-embedding-3-small",
	}
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "chorus")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

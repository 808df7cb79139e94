package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvAPIKey is the environment variable holding the provider key in local mode.
const EnvAPIKey = "OPENAI_API_KEY"

// Config holds the process configuration. It is read once in cmd/*.
type Config struct {
	// ParamPrefix switches the API key lookup to SSM when set.
	ParamPrefix       string
	OpenAIBaseURL     string
	HistoryCacheTable string
	HistoryCacheTTL   time.Duration
	FetchConcurrency  int
	HTTPPort          string
	AllowedOrigins    []string

	// ChatAPIURL is where the terminal client reaches the chat API.
	ChatAPIURL string
}

// Load reads configuration from the environment, loading a .env file first
// when one is present. Nothing here is required: a missing API key surfaces
// on the first provider call, not at startup.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "err", err)
	}

	return Config{
		ParamPrefix:       strings.TrimSpace(os.Getenv("PARAM_PREFIX")),
		OpenAIBaseURL:     strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		HistoryCacheTable: strings.TrimSpace(os.Getenv("HISTORY_CACHE_TABLE")),
		HistoryCacheTTL:   time.Duration(EnvInt("HISTORY_CACHE_TTL_SECONDS", 300)) * time.Second,
		FetchConcurrency:  EnvInt("FETCH_CONCURRENCY", 8),
		HTTPPort:          EnvString("HTTP_PORT", "8080"),
		AllowedOrigins:    EnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		ChatAPIURL:        EnvString("CHAT_API_URL", "http://localhost:8080"),
	}
}

// UsesSSM reports whether the API key is read from the parameter store.
func (c Config) UsesSSM() bool {
	return c.ParamPrefix != ""
}

// NeedsAWS reports whether any AWS-backed component is configured.
func (c Config) NeedsAWS() bool {
	return c.UsesSSM() || c.HistoryCacheTable != ""
}

// EnvString returns the value of key, or def when unset or blank.
func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// EnvInt returns the integer value of key, or def when unset or malformed.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer setting", "key", key, "value", v)
		return def
	}
	return n
}

// EnvList splits a comma separated value, or returns def when unset.
func EnvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Env resolves secrets from process environment variables. It satisfies
// openai.Getter so the key is read at call time.
type Env struct{}

func (Env) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", name)
	}
	return v, nil
}

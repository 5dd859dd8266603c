// Package config loads the runtime's process configuration from environment
// variables with literal defaults, in the plain os.Getenv-with-fallback style
// used elsewhere in the retrieved example stack rather than a config
// framework — the knobs here are few and flat enough not to need one.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every runtime knob the VizQL agent graph and its gateway need.
type Config struct {
	// ListenAddr is the HTTP listen address for the Streaming Gateway.
	ListenAddr string
	// TableauServerURL is the BI server base URL.
	TableauServerURL string
	// LLMGatewayURL is the OpenAI-compatible chat-completions endpoint.
	LLMGatewayURL string
	// DefaultModel and DefaultProvider select the LLM used when a request
	// does not specify one.
	DefaultModel    string
	DefaultProvider string
	// MaxBuild and MaxExec are the two independent retry budgets from §4.11.
	MaxBuild int
	MaxExec  int
	// RequestTimeout bounds an entire graph run; StepTimeout bounds a single
	// LLM or BI call.
	RequestTimeout time.Duration
	StepTimeout    time.Duration
	// CacheTTL bounds how long a fingerprinted query result stays cached.
	CacheTTL time.Duration
	// QdrantURL, when non-empty, switches the Schema Enricher's field
	// matcher from Levenshtein-only to a qdrant-backed vector lookup.
	QdrantURL string
	// QdrantAPIKey authenticates against a Qdrant Cloud instance; empty for
	// a local/unauthenticated deployment.
	QdrantAPIKey string
	// QdrantCollection is the collection field captions are indexed into,
	// one point per caption, keyed by datasource.
	QdrantCollection string
	// EmbeddingModel selects the model used to embed captions and queries
	// when QdrantURL is set.
	EmbeddingModel string
}

// Load reads Config from the environment, applying the defaults below for
// anything unset.
func Load() *Config {
	return &Config{
		ListenAddr:       getEnv("VIZQL_LISTEN_ADDR", ":8080"),
		TableauServerURL: getEnv("TABLEAU_SERVER_URL", "https://tableau.example.com"),
		LLMGatewayURL:    getEnv("LLM_GATEWAY_URL", "https://api.openai.com/v1"),
		DefaultModel:     getEnv("VIZQL_DEFAULT_MODEL", "gpt-4"),
		DefaultProvider:  getEnv("VIZQL_DEFAULT_PROVIDER", "openai"),
		MaxBuild:         getEnvInt("VIZQL_MAX_BUILD", 3),
		MaxExec:          getEnvInt("VIZQL_MAX_EXEC", 2),
		RequestTimeout:   getEnvDuration("VIZQL_REQUEST_TIMEOUT", 60*time.Second),
		StepTimeout:      getEnvDuration("VIZQL_STEP_TIMEOUT", 20*time.Second),
		CacheTTL:         getEnvDuration("VIZQL_CACHE_TTL", 5*time.Minute),
		QdrantURL:        os.Getenv("QDRANT_URL"),
		QdrantAPIKey:     os.Getenv("QDRANT_API_KEY"),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "field-captions"),
		EmbeddingModel:   getEnv("VIZQL_EMBEDDING_MODEL", "text-embedding-3-small"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

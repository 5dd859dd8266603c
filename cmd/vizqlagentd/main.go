// Command vizqlagentd runs the Streaming Gateway's HTTP server: it wires the
// BI-Client Facade, the LLM Facade, the VizQL Graph Runtime, and the
// Multi-Agent Orchestrator into a single gin router.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qdrant/go-client/qdrant"

	"github.com/vdsquery/agent/internal/cache"
	"github.com/vdsquery/agent/internal/config"
	vdscontext "github.com/vdsquery/agent/internal/context"
	"github.com/vdsquery/agent/internal/gateway"
	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/graph/nodes"
	"github.com/vdsquery/agent/internal/llm"
	"github.com/vdsquery/agent/internal/orchestrator"
	"github.com/vdsquery/agent/internal/schema"
	"github.com/vdsquery/agent/internal/tableau"
)

// envTokenSource is the minimal tableau.TokenSource for a PAT-authenticated
// BI session: a single long-lived token from the environment. Per §3, PAT
// sessions cannot be silently refreshed — an expired token surfaces
// AuthExpired to the caller rather than retrying.
type envTokenSource struct {
	token string
}

func (s envTokenSource) Token(context.Context) (string, time.Time, bool, error) {
	return s.token, time.Now().Add(24 * time.Hour), false, nil
}

func main() {
	cfg := config.Load()
	gin.SetMode(getEnv("GIN_MODE", "release"))

	llmClient := llm.NewOpenAIClient(cfg.LLMGatewayURL, os.Getenv("LLM_API_KEY"))
	biClient := tableau.NewClient(cfg.TableauServerURL, envTokenSource{token: os.Getenv("TABLEAU_PAT_TOKEN")}, nil)

	enricher := schema.NewEnricher(biClient)
	tokenizer := llm.NewTokenizer()
	schemaCache := cache.New(cfg.CacheTTL)
	resultCache := cache.New(cfg.CacheTTL)

	var fieldMatcher schema.FieldMatcher = schema.NewLevenshteinMatcher(nil)
	if cfg.QdrantURL != "" {
		qdrantMatcher, err := newQdrantMatcher(cfg, llmClient)
		if err != nil {
			log.Fatalf("qdrant matcher setup failed: %v", err)
		}
		fieldMatcher = qdrantMatcher
	}

	queryCompressor := vdscontext.NewCompressor(fieldMatcher, tokenizer)
	queryCompressor.MaxTokens = 4000
	queryCompressor.Model = cfg.DefaultModel

	runtime := &graph.Runtime{
		SchemaEnrich: &nodes.SchemaEnrich{Enricher: enricher, Cache: schemaCache},
		QueryBuilder: &nodes.QueryBuilder{
			LLM: llmClient, Model: cfg.DefaultModel, Provider: cfg.DefaultProvider, Temperature: 0.1,
			Compressor: queryCompressor,
		},
		PreValidation: &nodes.PreValidationRewriter{},
		Validator:     &nodes.Validator{},
		Executor:      &nodes.Executor{Cache: resultCache},
		Summarizer:    &nodes.Summarizer{LLM: llmClient, Model: cfg.DefaultModel, Provider: cfg.DefaultProvider, Temperature: 0.2},
		ErrorHandler:  &nodes.ErrorHandler{MaxBuild: cfg.MaxBuild, MaxExec: cfg.MaxExec},
		MaxBuild:      cfg.MaxBuild,
		MaxExec:       cfg.MaxExec,
	}

	runner := &orchestrator.RuntimeRunner{
		Runtime: runtime,
		RunCtx: func(orchestrator.PlanStep) *graph.RunContext {
			return &graph.RunContext{BIClient: biClient, LLM: llmClient, Deadline: time.Now().Add(cfg.RequestTimeout)}
		},
	}

	orch := &orchestrator.Orchestrator{
		Runner: runner, LLM: llmClient, Model: cfg.DefaultModel, Provider: cfg.DefaultProvider, Temperature: 0,
	}

	gw := &gateway.Gateway{Orchestrator: orch, Runner: runner}

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})
	gw.RegisterRoutes(router, nil)

	log.Printf("vizqlagentd listening on %s", cfg.ListenAddr)
	if err := router.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newQdrantMatcher builds the optional vector-similarity field matcher,
// embedding via whatever Client backend is configured. Grounded on the
// teacher's qdrant vector store client construction (qdrant.NewClient with
// an explicit host/port/TLS config rather than a bare DSN).
func newQdrantMatcher(cfg *config.Config, llmClient llm.Client) (*schema.QdrantMatcher, error) {
	embedder, ok := llmClient.(llm.Embedder)
	if !ok {
		return nil, fmt.Errorf("configured LLM client %T does not support embeddings", llmClient)
	}

	host, port, useTLS, err := parseQdrantAddr(cfg.QdrantURL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s: %w", cfg.QdrantURL, err)
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, cfg.EmbeddingModel, text)
	}
	return schema.NewQdrantMatcher(client, cfg.QdrantCollection, embed), nil
}

// parseQdrantAddr accepts either a bare "host:port" address or a full
// "http(s)://host[:port]" URL, defaulting to qdrant's gRPC port 6334 and
// inferring TLS from the https scheme.
func parseQdrantAddr(raw string) (host string, port int, useTLS bool, err error) {
	if u, parseErr := url.Parse(raw); parseErr == nil && u.Host != "" {
		portStr := u.Port()
		if portStr == "" {
			portStr = "6334"
		}
		portNum, convErr := strconv.Atoi(portStr)
		if convErr != nil {
			return "", 0, false, fmt.Errorf("invalid qdrant port %q in %q", portStr, raw)
		}
		return u.Hostname(), portNum, u.Scheme == "https", nil
	}

	h, p, splitErr := net.SplitHostPort(raw)
	if splitErr != nil {
		return "", 0, false, fmt.Errorf("invalid QDRANT_URL %q: %w", raw, splitErr)
	}
	portNum, convErr := strconv.Atoi(p)
	if convErr != nil {
		return "", 0, false, fmt.Errorf("invalid qdrant port %q in %q", p, raw)
	}
	return h, portNum, false, nil
}

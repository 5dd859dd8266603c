package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vdsquery/agent/internal/orchestrator"
	"github.com/vdsquery/agent/sse"
)

// ChatMessageRequest is the `POST /chat/message` request body.
type ChatMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content" binding:"required"`
	Model          string   `json:"model"`
	Provider       string   `json:"provider"`
	AgentType      string   `json:"agent_type"`
	AgentVersion   string   `json:"agent_version"`
	Stream         bool     `json:"stream"`
	Datasources    []string `json:"datasources"`
}

// ChatMessageResponse is the non-streaming JSON envelope: the assistant
// message plus its metadata, used when the caller sets stream=false.
type ChatMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ExtraMetadata  any    `json:"extra_metadata"`
}

// extraMetadataPayload is what the core persists alongside an assistant
// turn, per "Conversation messages with extra_metadata carrying prior
// vizql_query and query_results (metadata-only: columns, row_count,
// dimension_values)".
type extraMetadataPayload struct {
	AgentType string                    `json:"agent_type,omitempty"`
	VDSQuery  any                       `json:"vizql_query,omitempty"`
	Steps     []*orchestrator.AgentResult `json:"steps,omitempty"`
}

// ConversationStore is the thin read surface the collaborator-facing
// `GET /chat/conversations/{id}/messages` endpoint needs: prior role,
// content, and extra_metadata per spec's consumption contract. The core
// owns persistence; this gateway only serves what it's handed.
type ConversationStore interface {
	Messages(conversationID string) ([]StoredMessage, error)
}

// StoredMessage is one persisted conversation turn.
type StoredMessage struct {
	Role          string `json:"role"`
	Content       string `json:"content"`
	ExtraMetadata any    `json:"extra_metadata,omitempty"`
}

// RegisterRoutes wires the Streaming Gateway's HTTP surface onto r.
func (g *Gateway) RegisterRoutes(r gin.IRouter, store ConversationStore) {
	r.POST("/chat/message", g.handleChatMessage)
	if store != nil {
		r.GET("/chat/conversations/:id/messages", handleConversationMessages(store))
	}
}

func (g *Gateway) handleChatMessage(c *gin.Context) {
	var req ChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	gwReq := Request{
		ConversationID: req.ConversationID,
		UserQuery:      req.Content,
		Datasources:    req.Datasources,
		Model:          req.Model,
		Provider:       req.Provider,
	}

	if !req.Stream {
		g.handleNonStreaming(c, gwReq, req.AgentType)
		return
	}

	writer, err := sse.NewWriter(&sse.WriterConfig{
		Context:        c.Request.Context(),
		ResponseWriter: c.Writer,
		HeartBeat:      15 * time.Second,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	_ = g.Stream(c.Request.Context(), writer, gwReq)
}

// handleNonStreaming drives the same orchestrator path as the streaming
// handler but discards intermediate reasoning chunks, returning only the
// final JSON envelope.
func (g *Gateway) handleNonStreaming(c *gin.Context, req Request, agentType string) {
	ctx := c.Request.Context()

	if g.Runner != nil {
		g.Runner.OnStep = nil
	}

	result, err := g.Orchestrator.Execute(ctx, req.UserQuery, req.Datasources)
	if err != nil {
		c.JSON(http.StatusOK, ChatMessageResponse{
			ConversationID: req.ConversationID,
			Content:        err.Error(),
		})
		return
	}

	var lastQuery any
	for _, r := range result.StepResults {
		for _, step := range r.ReasoningSteps {
			if step.QueryDraft != nil {
				lastQuery = step.QueryDraft
			}
		}
	}

	c.JSON(http.StatusOK, ChatMessageResponse{
		ConversationID: req.ConversationID,
		Content:        result.FinalAnswer,
		ExtraMetadata: extraMetadataPayload{
			AgentType: agentType,
			VDSQuery:  lastQuery,
			Steps:     result.StepResults,
		},
	})
}

func handleConversationMessages(store ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		messages, err := store.Messages(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

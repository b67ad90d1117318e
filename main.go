package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Shared process-wide instances: one rate limiter and client for all
// conversations, one council on top, one catalog cache for the UI.
var (
	council      *Council
	modelClient  *Client
	catalogCache *CatalogCache
)

func main() {
	ParseFlags()
	LoadConfig()

	limiter := NewRateLimiter(FreeTierMinInterval)
	modelClient = NewClient(limiter)
	council = NewCouncil(modelClient)
	catalogCache = NewCatalogCache(ModelCatalogTTL)

	router := NewRouter()

	log.Printf("Starting LLM Council backend on port %d...", ServerPort)
	if err := router.Run(fmt.Sprintf(":%d", ServerPort)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	router.GET("/", healthCheck)
	router.GET("/api/health", healthCheck)
	router.GET("/api/config", getConfigHandler)
	router.GET("/api/models", getModelsHandler)
	router.GET("/api/personas", listPersonasHandler)
	router.POST("/api/personas", savePersonaHandler)
	router.DELETE("/api/personas/:name", deletePersonaHandler)
	router.GET("/api/leaderboard", getLeaderboardHandler)
	router.GET("/api/conversations", listConversationsHandler)
	router.POST("/api/conversations", createConversationHandler)
	router.GET("/api/conversations/:id", getConversationHandler)
	router.DELETE("/api/conversations/:id", deleteConversationHandler)
	router.PATCH("/api/conversations/:id/settings", updateSettingsHandler)
	router.DELETE("/api/conversations/:id/messages/:index", deleteMessageHandler)
	router.GET("/api/conversations/:id/costs", getTurnCostsHandler)
	router.POST("/api/conversations/:id/message", sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", sendMessageStreamHandler)
	router.GET("/ws/conversations/:id", sendMessageWebSocketHandler)
	router.POST("/api/fetch-url", fetchURLHandler)

	return router
}

// healthCheck returns a simple health check response.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// getConfigHandler returns the effective council configuration.
// GET /api/config
func getConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"council_models":   CouncilModels,
		"chairman_model":   ChairmanModel,
		"history_defaults": HistoryDefaults,
	})
}

// getModelsHandler returns the model catalog with pricing.
// GET /api/models - Query params: ?q=<substring>, ?refresh=true
func getModelsHandler(c *gin.Context) {
	forceRefresh := c.Query("refresh") == "true"

	var models []CatalogModel
	if !forceRefresh {
		if cached, ok := catalogCache.Get(); ok {
			models = cached
		}
	}

	if models == nil {
		models = modelClient.ListModels(c.Request.Context(), "")
		catalogCache.Set(models)
	}

	c.JSON(http.StatusOK, FilterCatalog(models, c.Query("q")))
}

// listPersonasHandler lists all saved personas.
// GET /api/personas
func listPersonasHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ListPersonas())
}

// savePersonaHandler saves or updates a persona.
// POST /api/personas - Body: {"name": ..., "system_prompt": ...}
func savePersonaHandler(c *gin.Context) {
	var persona Persona
	if err := c.ShouldBindJSON(&persona); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	if persona.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Persona name is required"})
		return
	}

	saved, err := SavePersona(persona.Name, persona.SystemPrompt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to save persona: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, saved)
}

// deletePersonaHandler deletes a persona by name.
// DELETE /api/personas/:name
func deletePersonaHandler(c *gin.Context) {
	if err := DeletePersona(c.Param("name")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to delete persona: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getLeaderboardHandler returns model/persona standings.
// GET /api/leaderboard - Query params: ?model=..., ?persona=...
func getLeaderboardHandler(c *gin.Context) {
	c.JSON(http.StatusOK, GetLeaderboardStats(c.Query("model"), c.Query("persona")))
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations
func listConversationsHandler(c *gin.Context) {
	conversations, err := ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation with optional settings.
// POST /api/conversations
func createConversationHandler(c *gin.Context) {
	var request CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Invalid request: %v", err),
			})
			return
		}
	}

	conversationID := uuid.New().String()

	systemPrompt := ""
	if request.SystemPrompt != nil {
		systemPrompt = *request.SystemPrompt
	}

	conversation, err := CreateConversation(conversationID, systemPrompt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	if request.HistoryPolicy != nil || len(request.CouncilModels) > 0 || request.ChairmanModel != "" || request.PersonaMap != nil {
		conversation, err = UpdateConversationSettings(conversationID, UpdateSettingsRequest{
			HistoryPolicy: request.HistoryPolicy,
			CouncilModels: request.CouncilModels,
			ChairmanModel: request.ChairmanModel,
			PersonaMap:    request.PersonaMap,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": fmt.Sprintf("Failed to apply settings: %v", err),
			})
			return
		}
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id
func getConversationHandler(c *gin.Context) {
	conversation, err := GetConversation(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteConversationHandler deletes a conversation.
// DELETE /api/conversations/:id
func deleteConversationHandler(c *gin.Context) {
	if err := DeleteConversation(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("Failed to delete conversation: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// updateSettingsHandler updates per-conversation settings.
// PATCH /api/conversations/:id/settings
func updateSettingsHandler(c *gin.Context) {
	var request UpdateSettingsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := UpdateConversationSettings(c.Param("id"), request)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("Failed to update settings: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteMessageHandler deletes a message (and its paired analysis) by index.
// DELETE /api/conversations/:id/messages/:index
func deleteMessageHandler(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message index"})
		return
	}

	conversation, err := DeleteMessage(c.Param("id"), index)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("Failed to delete message: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getTurnCostsHandler computes the cost of a stored turn from catalog pricing.
// GET /api/conversations/:id/costs - Query params: ?turn=N (default: last)
func getTurnCostsHandler(c *gin.Context) {
	conversation, err := GetConversation(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if len(conversation.Analyses) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation has no council turns"})
		return
	}

	turn := len(conversation.Analyses) - 1
	if v := c.Query("turn"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n >= len(conversation.Analyses) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid turn index"})
			return
		}
		turn = n
	}

	models, ok := catalogCache.Get()
	if !ok {
		models = modelClient.ListModels(c.Request.Context(), "")
		catalogCache.Set(models)
	}

	costs := CalculateTurnCosts(conversation.Analyses[turn], PricingFromCatalog(models))
	c.JSON(http.StatusOK, gin.H{"turn": turn, "costs": costs})
}

// prepareTurn applies incoming per-turn overrides, records the user message,
// compacts history, and resolves the options and context for a council run.
func prepareTurn(conversationID string, request SendMessageRequest) (*Conversation, []ChatMessage, CouncilOptions, error) {
	if err := AddUserMessage(conversationID, request.Content); err != nil {
		return nil, nil, CouncilOptions{}, fmt.Errorf("failed to add user message: %w", err)
	}

	update := UpdateSettingsRequest{
		HistoryPolicy: request.HistoryPolicy,
		CouncilModels: request.CouncilModels,
		ChairmanModel: request.ChairmanModel,
		PersonaMap:    request.PersonaMap,
	}
	if update.HistoryPolicy != nil || len(update.CouncilModels) > 0 || update.ChairmanModel != "" || update.PersonaMap != nil {
		if _, err := UpdateConversationSettings(conversationID, update); err != nil {
			return nil, nil, CouncilOptions{}, fmt.Errorf("failed to apply settings: %w", err)
		}
	}

	conversation, err := CompactAndSave(conversationID, request.HistoryPolicy)
	if err != nil {
		return nil, nil, CouncilOptions{}, fmt.Errorf("failed to compact history: %w", err)
	}

	systemPrompt := conversation.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	opts := CouncilOptions{
		SystemPrompt:   systemPrompt,
		HistorySummary: conversation.Summary,
		PersonaMap:     conversation.PersonaMap,
	}
	if conversation.Models != nil {
		opts.CouncilModels = conversation.Models.Council
		opts.ChairmanModel = conversation.Models.Chairman
	}
	if len(opts.PersonaMap) == 0 {
		opts.PersonaMap = request.PersonaMap
	}

	// Context for the models: the running summary as a system note, then
	// the compacted message history including the new user turn.
	var history []ChatMessage
	if conversation.Summary != "" {
		history = append(history, ChatMessage{
			Role:    "system",
			Content: fmt.Sprintf("Conversation summary so far: %s", conversation.Summary),
		})
	}
	for _, m := range conversation.Messages {
		if m.Content == "" {
			continue
		}
		history = append(history, ChatMessage{Role: m.Role, Content: m.Content})
	}

	return conversation, history, opts, nil
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Returns all stages at once.
// Use sendMessageStreamHandler for the SSE streaming version.
func sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	isFirstMessage := len(conversation.Messages) == 0

	_, history, opts, err := prepareTurn(conversationID, request)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Generate title in the background on the first turn
	if isFirstMessage {
		go func() {
			title, err := council.GenerateConversationTitle(context.Background(), request.Content)
			if err != nil {
				log.Printf("Failed to generate title: %v", err)
				UpdateConversationTitle(conversationID, "New Conversation")
				return
			}
			UpdateConversationTitle(conversationID, title)
		}()
	}

	stage1, stage2, stage3, metadata := council.RunFullCouncil(c.Request.Context(), request.Content, history, opts)

	if err := AddAssistantMessage(conversationID, stage1, stage2, stage3, metadata); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add assistant message: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, SendMessageResponse{
		Stage1:   stage1,
		Stage2:   stage2,
		Stage3:   stage3,
		Metadata: metadata,
	})
}

// sendMessageStreamHandler streams the 3-stage council process via SSE.
// POST /api/conversations/:id/message/stream
// Events: stage1_start, stage1_complete, stage2_start, stage2_complete,
// stage3_start, stage3_complete, title_complete, complete (or error).
func sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	isFirstMessage := len(conversation.Messages) == 0

	_, history, opts, err := prepareTurn(conversationID, request)
	if err != nil {
		sendSSEEvent(c, CouncilEvent{Type: "error", Message: err.Error()})
		return
	}

	events := council.RunCouncilStream(c.Request.Context(), request.Content, history, opts, StreamHooks{
		GenerateTitle: isFirstMessage,
		OnTitle: func(title string) {
			if err := UpdateConversationTitle(conversationID, title); err != nil {
				log.Printf("Failed to update title: %v", err)
			}
		},
		Persist: func(stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response, metadata Metadata) error {
			return AddAssistantMessage(conversationID, stage1, stage2, stage3, metadata)
		},
	})

	// Drain every event even if the client went away: the producer's buffer
	// guarantees forward progress, and persistence happens producer-side.
	for event := range events {
		sendSSEEvent(c, event)
	}
}

// sendSSEEvent writes one event in SSE framing.
func sendSSEEvent(c *gin.Context, event CouncilEvent) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// fetchURLHandler fetches and extracts readable content from a URL so it can
// be attached to a question.
// POST /api/fetch-url - Body: {"url": "https://..."}
func fetchURLHandler(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"content": content})
}

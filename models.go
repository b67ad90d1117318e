package main

import "time"

// Message represents a single message in a conversation. Assistant messages
// carry only the chairman's final text; the full stage breakdown is stored
// separately in the conversation's Analyses so it never re-enters model context.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Analysis holds the full 3-stage output for one assistant turn.
type Analysis struct {
	Stage1    []Stage1Response `json:"stage1"`
	Stage2    []Stage2Ranking  `json:"stage2"`
	Stage3    Stage3Response   `json:"stage3"`
	Metadata  Metadata         `json:"metadata"`
	CreatedAt time.Time        `json:"created_at"`
}

// HistoryPolicy controls how much prior conversation is sent to the models.
type HistoryPolicy struct {
	MaxTurns  int    `json:"max_turns"`
	MaxTokens int    `json:"max_tokens"`
	Strategy  string `json:"strategy"`
}

// ModelSelection holds per-conversation model overrides.
type ModelSelection struct {
	Council  []string `json:"council,omitempty"`
	Chairman string   `json:"chairman,omitempty"`
}

// Conversation represents a full conversation with all messages and settings.
type Conversation struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"created_at"`
	Title         string            `json:"title"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	Messages      []Message         `json:"messages"`
	Analyses      []Analysis        `json:"analyses"`
	Summary       string            `json:"summary"`
	HistoryPolicy *HistoryPolicy    `json:"history_policy,omitempty"`
	Models        *ModelSelection   `json:"models,omitempty"`
	PersonaMap    map[string]string `json:"persona_map,omitempty"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// Persona is a saved, named system prompt.
type Persona struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// Stage1Response represents a single model's response in Stage 1
type Stage1Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Usage    *Usage `json:"usage,omitempty"`
}

// Stage2Ranking represents a model's ranking of other responses
type Stage2Ranking struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
}

// Stage3Response represents the chairman's final synthesis
type Stage3Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Usage    *Usage `json:"usage,omitempty"`
}

// AggregateRanking represents the aggregate ranking across all models
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata contains additional information about the council process
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// ChatMessage is a single chat turn sent to the OpenRouter API.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage holds token counters reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorKind classifies a failed model call.
type ErrorKind string

const (
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrServerUnavailable ErrorKind = "server_unavailable"
	ErrTimeout           ErrorKind = "timeout"
	ErrClientError       ErrorKind = "client_error"
	ErrRetryExhausted    ErrorKind = "retry_exhausted"
	ErrUnknown           ErrorKind = "unknown"
)

// ModelError is the failure half of a ModelResult.
type ModelError struct {
	Kind    ErrorKind `json:"kind"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message"`
	Model   string    `json:"model"`
}

func (e *ModelError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ModelResponse is the success half of a ModelResult.
type ModelResponse struct {
	Content          string      `json:"content"`
	ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
	Usage            Usage       `json:"usage"`
}

// ModelResult is the outcome of one model call: exactly one of Response or
// Err is set.
type ModelResult struct {
	Response *ModelResponse
	Err      *ModelError
}

// OK reports whether the call succeeded.
func (r ModelResult) OK() bool {
	return r.Response != nil
}

// openRouterRequest is the wire format for a chat completion request.
type openRouterRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// openRouterAPIResponse is the wire format for a chat completion response.
type openRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ModelPricing is the per-MTok price pair from the catalog. Prices arrive as
// strings like "0.0000005" or "$0.5" and are parsed leniently by the cost code.
type ModelPricing struct {
	Prompt     string `json:"prompt,omitempty"`
	Completion string `json:"completion,omitempty"`
}

// CatalogModel is one entry of the model catalog exposed to the UI.
type CatalogModel struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	ContextLength int          `json:"context_length,omitempty"`
	Pricing       ModelPricing `json:"pricing"`
	Description   string       `json:"description,omitempty"`
	Source        string       `json:"source"`
}

// CouncilEvent is one streamed progress event. Types: stage1_start,
// stage1_complete, stage2_start, stage2_complete, stage3_start,
// stage3_complete, title_complete, complete, error.
type CouncilEvent struct {
	Type     string      `json:"type"`
	Data     interface{} `json:"data,omitempty"`
	Metadata *Metadata   `json:"metadata,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// CreateConversationRequest represents a request to create a new conversation
type CreateConversationRequest struct {
	SystemPrompt  *string           `json:"system_prompt,omitempty"`
	HistoryPolicy *HistoryPolicy    `json:"history_policy,omitempty"`
	CouncilModels []string          `json:"council_models,omitempty"`
	ChairmanModel string            `json:"chairman_model,omitempty"`
	PersonaMap    map[string]string `json:"persona_map,omitempty"`
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content       string            `json:"content"`
	HistoryPolicy *HistoryPolicy    `json:"history_policy,omitempty"`
	CouncilModels []string          `json:"council_models,omitempty"`
	ChairmanModel string            `json:"chairman_model,omitempty"`
	PersonaMap    map[string]string `json:"persona_map,omitempty"`
}

// UpdateSettingsRequest updates per-conversation settings.
type UpdateSettingsRequest struct {
	HistoryPolicy *HistoryPolicy    `json:"history_policy,omitempty"`
	SystemPrompt  *string           `json:"system_prompt,omitempty"`
	CouncilModels []string          `json:"council_models,omitempty"`
	ChairmanModel string            `json:"chairman_model,omitempty"`
	PersonaMap    map[string]string `json:"persona_map,omitempty"`
}

// SendMessageResponse represents the response after sending a message
type SendMessageResponse struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}

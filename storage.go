package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PersonasFile holds saved personas inside the data directory.
const PersonasFile = "personas.json"

// EnsureDataDir ensures the data directory exists.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir, 0755)
}

// GetConversationPath returns the file path for a conversation.
func GetConversationPath(conversationID string) string {
	return filepath.Join(DataDir, conversationID+".json")
}

// CreateConversation creates a new conversation with the given ID and
// optional system prompt, seeded with the configured defaults.
func CreateConversation(conversationID string, systemPrompt string) (*Conversation, error) {
	if err := EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	policy := HistoryDefaults
	conversation := &Conversation{
		ID:            conversationID,
		CreatedAt:     time.Now().UTC(),
		Title:         "New Conversation",
		SystemPrompt:  systemPrompt,
		Messages:      []Message{},
		Analyses:      []Analysis{},
		HistoryPolicy: &policy,
		Models: &ModelSelection{
			Council:  append([]string{}, CouncilModels...),
			Chairman: ChairmanModel,
		},
		PersonaMap: map[string]string{},
	}

	if err := SaveConversation(conversation); err != nil {
		return nil, err
	}

	return conversation, nil
}

// GetConversation loads a conversation from storage by ID.
// Returns nil without error if the conversation doesn't exist.
func GetConversation(conversationID string) (*Conversation, error) {
	path := GetConversationPath(conversationID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}

	return &conversation, nil
}

// SaveConversation saves a conversation to storage as formatted JSON.
func SaveConversation(conversation *Conversation) error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	path := GetConversationPath(conversation.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}

	return nil
}

// DeleteConversation removes a conversation file.
func DeleteConversation(conversationID string) error {
	path := GetConversationPath(conversationID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	return os.Remove(path)
}

// ListConversations lists all conversations with metadata only, sorted by
// creation time (newest first). Unreadable or foreign JSON files are skipped.
func ListConversations() ([]ConversationMetadata, error) {
	if err := EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if entry.Name() == PersonasFile || entry.Name() == LeaderboardFile {
			continue
		}

		path := filepath.Join(DataDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}
		if conv.ID == "" {
			continue
		}

		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// AddUserMessage appends a user message to a conversation.
func AddUserMessage(conversationID string, content string) error {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Messages = append(conversation.Messages, Message{
		Role:      "user",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})

	return SaveConversation(conversation)
}

// AddAssistantMessage records a finished council turn: the chairman's answer
// goes into the message history, the full stage breakdown into Analyses, and
// the leaderboard is updated fire-and-forget.
func AddAssistantMessage(conversationID string, stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response, metadata Metadata) error {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	now := time.Now().UTC()
	conversation.Messages = append(conversation.Messages, Message{
		Role:      "assistant",
		Content:   stage3.Response,
		Model:     stage3.Model,
		CreatedAt: now,
	})

	conversation.Analyses = append(conversation.Analyses, Analysis{
		Stage1:    stage1,
		Stage2:    stage2,
		Stage3:    stage3,
		Metadata:  metadata,
		CreatedAt: now,
	})

	if err := SaveConversation(conversation); err != nil {
		return err
	}

	// Leaderboard failures must never abort message saving.
	if len(metadata.AggregateRankings) > 0 {
		if err := UpdateLeaderboardFromAggregateRankings(stage1, metadata.AggregateRankings, conversation.PersonaMap); err != nil {
			log.Printf("Warning: Failed to update leaderboard: %v", err)
		}
	}

	return nil
}

// UpdateConversationTitle updates the title of a conversation.
func UpdateConversationTitle(conversationID string, title string) error {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Title = title
	return SaveConversation(conversation)
}

// UpdateConversationSettings applies partial updates to per-conversation
// settings. Nil fields leave the current value untouched.
func UpdateConversationSettings(conversationID string, update UpdateSettingsRequest) (*Conversation, error) {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	if update.HistoryPolicy != nil {
		conversation.HistoryPolicy = update.HistoryPolicy
	}
	if update.SystemPrompt != nil {
		conversation.SystemPrompt = *update.SystemPrompt
	}
	if len(update.CouncilModels) > 0 || update.ChairmanModel != "" {
		if conversation.Models == nil {
			conversation.Models = &ModelSelection{}
		}
		if len(update.CouncilModels) > 0 {
			conversation.Models.Council = update.CouncilModels
		}
		if update.ChairmanModel != "" {
			conversation.Models.Chairman = update.ChairmanModel
		}
	}
	if update.PersonaMap != nil {
		conversation.PersonaMap = update.PersonaMap
	}

	if err := SaveConversation(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// DeleteMessage removes a message by index. Deleting an assistant message
// also removes its paired analysis entry.
func DeleteMessage(conversationID string, messageIndex int) (*Conversation, error) {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	if messageIndex < 0 || messageIndex >= len(conversation.Messages) {
		return nil, fmt.Errorf("message index %d out of range", messageIndex)
	}

	deleted := conversation.Messages[messageIndex]
	conversation.Messages = append(conversation.Messages[:messageIndex], conversation.Messages[messageIndex+1:]...)

	if deleted.Role == "assistant" {
		assistantIdx := 0
		for _, m := range conversation.Messages[:messageIndex] {
			if m.Role == "assistant" {
				assistantIdx++
			}
		}
		if assistantIdx < len(conversation.Analyses) {
			conversation.Analyses = append(conversation.Analyses[:assistantIdx], conversation.Analyses[assistantIdx+1:]...)
		}
	}

	if err := SaveConversation(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// EstimateTokens is a rough token estimate (4 chars per token).
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// summarySnippet folds a dropped message into the running summary.
func summarySnippet(m Message) string {
	content := m.Content
	if len(content) > 200 {
		content = content[:200]
	}
	return fmt.Sprintf("%s: %s", m.Role, content)
}

// CompactConversation trims old messages per the history policy, folding
// anything dropped into the running summary. The summary itself is capped so
// it cannot grow without bound.
func CompactConversation(conversation *Conversation, policy *HistoryPolicy) *Conversation {
	if policy == nil {
		if conversation.HistoryPolicy != nil {
			policy = conversation.HistoryPolicy
		} else {
			p := HistoryDefaults
			policy = &p
		}
	}

	messages := conversation.Messages
	summary := conversation.Summary

	// Trim by turn count (user+assistant pairs)
	if policy.MaxTurns > 0 {
		limit := policy.MaxTurns * 2
		if len(messages) > limit {
			dropped := messages[:len(messages)-limit]
			messages = messages[len(messages)-limit:]

			snippets := make([]string, 0, len(dropped))
			for _, m := range dropped {
				snippets = append(snippets, summarySnippet(m))
			}
			summary = strings.TrimSpace(summary + "\n" + strings.Join(snippets, "; "))
		}
	}

	// Trim by approximate token budget
	totalTokens := func(msgs []Message) int {
		total := 0
		for _, m := range msgs {
			total += EstimateTokens(m.Content)
		}
		return total
	}

	for policy.MaxTokens > 0 && totalTokens(messages) > policy.MaxTokens && len(messages) > 1 {
		removed := messages[0]
		messages = messages[1:]
		summary = strings.TrimSpace(summary + "\n" + summarySnippet(removed))
	}

	if len(summary) > 2000 {
		summary = summary[len(summary)-2000:]
	}

	conversation.Messages = messages
	conversation.Summary = summary
	conversation.HistoryPolicy = policy
	return conversation
}

// CompactAndSave loads, compacts, saves and returns the conversation.
func CompactAndSave(conversationID string, policy *HistoryPolicy) (*Conversation, error) {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	compacted := CompactConversation(conversation, policy)
	if err := SaveConversation(compacted); err != nil {
		return nil, err
	}
	return compacted, nil
}

// GetPersonasPath returns the file path for persona storage.
func GetPersonasPath() string {
	return filepath.Join(DataDir, PersonasFile)
}

// ListPersonas lists all saved personas. A missing or corrupt file yields an
// empty list rather than an error.
func ListPersonas() []Persona {
	if err := EnsureDataDir(); err != nil {
		return []Persona{}
	}

	data, err := os.ReadFile(GetPersonasPath())
	if err != nil {
		return []Persona{}
	}

	var personas []Persona
	if err := json.Unmarshal(data, &personas); err != nil {
		return []Persona{}
	}
	return personas
}

// SavePersona saves or updates a persona by name.
func SavePersona(name, systemPrompt string) (Persona, error) {
	if err := EnsureDataDir(); err != nil {
		return Persona{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	personas := ListPersonas()
	updated := false
	for i := range personas {
		if personas[i].Name == name {
			personas[i].SystemPrompt = systemPrompt
			updated = true
			break
		}
	}
	if !updated {
		personas = append(personas, Persona{Name: name, SystemPrompt: systemPrompt})
	}

	if err := writePersonas(personas); err != nil {
		return Persona{}, err
	}
	return Persona{Name: name, SystemPrompt: systemPrompt}, nil
}

// DeletePersona deletes a persona by name.
func DeletePersona(name string) error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	personas := ListPersonas()
	kept := personas[:0]
	for _, p := range personas {
		if p.Name != name {
			kept = append(kept, p)
		}
	}

	return writePersonas(kept)
}

func writePersonas(personas []Persona) error {
	data, err := json.MarshalIndent(personas, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal personas: %w", err)
	}
	if err := os.WriteFile(GetPersonasPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write personas file: %w", err)
	}
	return nil
}

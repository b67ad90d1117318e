package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Council drives the 3-stage deliberation: parallel collection, anonymized
// peer ranking, and chairman synthesis.
type Council struct {
	client        *Client
	councilModels []string
	chairmanModel string
	titleModel    string
}

// NewCouncil creates a council wired to the given client with the configured
// default models.
func NewCouncil(client *Client) *Council {
	return &Council{
		client:        client,
		councilModels: CouncilModels,
		chairmanModel: ChairmanModel,
		titleModel:    TitleModel,
	}
}

// CouncilOptions carries per-turn overrides resolved from conversation
// settings and the incoming request.
type CouncilOptions struct {
	SystemPrompt   string
	CouncilModels  []string
	ChairmanModel  string
	PersonaMap     map[string]string
	HistorySummary string
}

// baseModelName strips the provider prefix and any variant suffix from a
// model identifier: "nousresearch/hermes-4-405b:free" -> "hermes-4-405b".
func baseModelName(model string) string {
	name := model
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[:idx]
	}
	return name
}

// resolvePersonaPrompts maps each target model to its persona system prompt.
// Exact identifier match wins; otherwise models match persona keys sharing
// the same base name. Two provider-qualified models with the same base name
// collide on the fallback path; that ambiguity is inherited and documented,
// not resolved here.
func resolvePersonaPrompts(models []string, personaMap map[string]string) map[string]string {
	if len(personaMap) == 0 {
		return nil
	}

	prompts := make(map[string]string)
	for _, model := range models {
		if prompt, ok := personaMap[model]; ok {
			prompts[model] = prompt
			continue
		}

		modelName := baseModelName(model)
		for key, prompt := range personaMap {
			if baseModelName(key) == modelName {
				prompts[model] = prompt
				break
			}
		}
	}
	return prompts
}

// Stage1CollectResponses collects individual responses from all council
// models. Each model independently answers with the full conversation context
// plus its optional persona prompt. Failed models are dropped; the returned
// entries preserve dispatch order.
func (c *Council) Stage1CollectResponses(ctx context.Context, history []ChatMessage, opts CouncilOptions) []Stage1Response {
	var prepared []ChatMessage
	if opts.SystemPrompt != "" {
		prepared = append(prepared, ChatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	prepared = append(prepared, history...)

	targetModels := opts.CouncilModels
	if len(targetModels) == 0 {
		targetModels = c.councilModels
	}

	personaPrompts := resolvePersonaPrompts(targetModels, opts.PersonaMap)

	results := c.client.QueryModelsParallel(ctx, targetModels, func(model string) []ChatMessage {
		if persona, ok := personaPrompts[model]; ok {
			messages := make([]ChatMessage, 0, len(prepared)+1)
			messages = append(messages, ChatMessage{Role: "system", Content: persona})
			return append(messages, prepared...)
		}
		return prepared
	})

	// Iterate the target list, not the map, so label assignment later is
	// deterministic in dispatch order.
	var stage1Results []Stage1Response
	for _, model := range targetModels {
		result := results[model]
		if !result.OK() {
			continue
		}
		usage := result.Response.Usage
		stage1Results = append(stage1Results, Stage1Response{
			Model:    model,
			Response: result.Response.Content,
			Usage:    &usage,
		})
	}

	return stage1Results
}

// Stage2CollectRankings collects rankings from each Stage 1 survivor on the
// anonymized responses. Ranking models are exactly the models that produced a
// Stage 1 entry, so the anonymization stays consistent with what they are
// asked to evaluate. Returns rankings and the label-to-model mapping.
func (c *Council) Stage2CollectRankings(ctx context.Context, userQuery string, stage1Results []Stage1Response, opts CouncilOptions) ([]Stage2Ranking, map[string]string) {
	labelToModel := make(map[string]string, len(stage1Results))
	var responsesText strings.Builder

	for i, result := range stage1Results {
		label := string(rune('A' + i))
		labelToModel[fmt.Sprintf("Response %s", label)] = result.Model
		responsesText.WriteString(fmt.Sprintf("Response %s:\n%s\n\n", label, result.Response))
	}

	rankingPrompt := fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())

	var messages []ChatMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: rankingPrompt})

	rankingModels := make([]string, 0, len(stage1Results))
	for _, result := range stage1Results {
		rankingModels = append(rankingModels, result.Model)
	}

	results := c.client.QueryModelsParallel(ctx, rankingModels, func(string) []ChatMessage {
		return messages
	})

	var stage2Results []Stage2Ranking
	for _, model := range rankingModels {
		result := results[model]
		if !result.OK() {
			continue
		}
		fullText := result.Response.Content
		if fullText == "" {
			continue
		}
		stage2Results = append(stage2Results, Stage2Ranking{
			Model:         model,
			Ranking:       fullText,
			ParsedRanking: ParseRankingFromText(fullText),
		})
	}

	return stage2Results, labelToModel
}

// Stage3SynthesizeFinal synthesizes the final response using the chairman
// model. The pipeline's contract guarantees a Stage 3 result always exists:
// chairman failure degrades to a fixed error text instead of propagating.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, opts CouncilOptions) Stage3Response {
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse:\n%s\n\n", result.Model, result.Response))
	}

	var stage2Text strings.Builder
	for _, result := range stage2Results {
		stage2Text.WriteString(fmt.Sprintf("Model: %s\nRanking/Eval:\n%s\n\n", result.Model, result.Ranking))
	}

	contextNote := ""
	if opts.HistorySummary != "" {
		contextNote = fmt.Sprintf("\n\nConversation summary for context:\n%s", opts.HistorySummary)
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of the LLM Council.

User Question:
%s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`,
		userQuery, stage1Text.String(), stage2Text.String(), contextNote)

	var messages []ChatMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: chairmanPrompt})

	chairman := opts.ChairmanModel
	if chairman == "" {
		chairman = c.chairmanModel
	}

	result := c.client.Query(ctx, chairman, messages)
	if !result.OK() {
		log.Printf("Chairman model %s failed: %v", chairman, result.Err)
		return Stage3Response{
			Model:    chairman,
			Response: "Error: Unable to generate final synthesis.",
		}
	}

	usage := result.Response.Usage
	return Stage3Response{
		Model:    chairman,
		Response: result.Response.Content,
		Usage:    &usage,
	}
}

var (
	numberedRankingPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	responseLabelPattern   = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRankingFromText extracts the ordered response labels from a model's
// free-text ranking answer. Pure token extraction: duplicates are preserved
// and the result may be empty, but the function never fails.
func ParseRankingFromText(rankingText string) []string {
	if strings.Contains(rankingText, "FINAL RANKING:") {
		parts := strings.SplitN(rankingText, "FINAL RANKING:", 2)
		rankingSection := parts[1]

		// Preferred form: a numbered list like "1. Response A"
		numberedMatches := numberedRankingPattern.FindAllString(rankingSection, -1)
		if len(numberedMatches) > 0 {
			results := make([]string, 0, len(numberedMatches))
			for _, match := range numberedMatches {
				if resp := responseLabelPattern.FindString(match); resp != "" {
					results = append(results, resp)
				}
			}
			return results
		}

		if matches := responseLabelPattern.FindAllString(rankingSection, -1); len(matches) > 0 {
			return matches
		}
		return nil
	}

	// No marker at all: take any "Response X" mentions in textual order.
	return responseLabelPattern.FindAllString(rankingText, -1)
}

// CalculateAggregateRankings computes each model's mean rank position across
// all parsed rankings. Labels outside labelToModel (stale or malformed) are
// ignored; duplicate labels inside one ranking each contribute a position,
// matching the original behavior. Models with no collected positions are
// excluded. Sorted ascending: lower mean rank is better.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, labelToModel map[string]string) []AggregateRanking {
	modelPositions := make(map[string][]int)

	for _, ranking := range stage2Results {
		for position, label := range ranking.ParsedRanking {
			if modelName, ok := labelToModel[label]; ok {
				modelPositions[modelName] = append(modelPositions[modelName], position+1)
			}
		}
	}

	var aggregate []AggregateRanking
	for model, positions := range modelPositions {
		if len(positions) == 0 {
			continue
		}
		sum := 0
		for _, pos := range positions {
			sum += pos
		}
		avgRank := float64(sum) / float64(len(positions))

		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			AverageRank:   math.Round(avgRank*100) / 100,
			RankingsCount: len(positions),
		})
	}

	sort.Slice(aggregate, func(i, j int) bool {
		return aggregate[i].AverageRank < aggregate[j].AverageRank
	})

	return aggregate
}

// GenerateConversationTitle generates a short title for a conversation from
// the first user message using the configured fast model.
func (c *Council) GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []ChatMessage{{Role: "user", Content: titlePrompt}}

	result := c.client.QueryWithTimeout(ctx, c.titleModel, messages, TitleGenTimeout)
	if !result.OK() {
		return "", fmt.Errorf("title generation failed: %w", result.Err)
	}

	title := strings.TrimSpace(result.Response.Content)
	title = strings.Trim(title, "\"'")
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	return title, nil
}

// allFailedStage3 is the explicit payload returned when every Stage 1 model
// fails and the pipeline terminates early.
func allFailedStage3() Stage3Response {
	return Stage3Response{
		Model:    "error",
		Response: "All models failed to respond. Please try again.",
	}
}

// RunFullCouncil runs the complete 3-stage council process and returns all
// stage results plus metadata. Partial degradation is preferred over failure
// at every boundary: failed models drop out of their stage, a failed chairman
// yields fallback text, and only total Stage 1 failure short-circuits.
func (c *Council) RunFullCouncil(ctx context.Context, userQuery string, history []ChatMessage, opts CouncilOptions) ([]Stage1Response, []Stage2Ranking, Stage3Response, Metadata) {
	stage1Results := c.Stage1CollectResponses(ctx, history, opts)
	if len(stage1Results) == 0 {
		return nil, nil, allFailedStage3(), Metadata{}
	}

	stage2Results, labelToModel := c.Stage2CollectRankings(ctx, userQuery, stage1Results, opts)
	aggregateRankings := CalculateAggregateRankings(stage2Results, labelToModel)

	stage3Result := c.Stage3SynthesizeFinal(ctx, userQuery, stage1Results, stage2Results, opts)

	metadata := Metadata{
		LabelToModel:      labelToModel,
		AggregateRankings: aggregateRankings,
	}

	return stage1Results, stage2Results, stage3Result, metadata
}

// streamEventBuffer must hold every event one turn can emit so an abandoned
// consumer never blocks the pipeline (storage side effects still complete).
const streamEventBuffer = 16

// StreamHooks let the streaming pipeline trigger side effects that belong to
// the caller: persisting the finished turn and recording a generated title.
type StreamHooks struct {
	// GenerateTitle starts title generation concurrently with Stage 1 and
	// emits a title_complete event when it finishes.
	GenerateTitle bool
	// OnTitle is invoked with the generated title before the event is emitted.
	OnTitle func(title string)
	// Persist is invoked with the full turn output after Stage 3, before the
	// complete event.
	Persist func(stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response, metadata Metadata) error
}

// RunCouncilStream runs the same 3-stage pipeline but surfaces each stage's
// completion as a discrete event. The returned channel is closed after the
// terminal event (complete or error). The producer never blocks on the
// channel, so a caller that stops consuming does not stall persistence.
func (c *Council) RunCouncilStream(ctx context.Context, userQuery string, history []ChatMessage, opts CouncilOptions, hooks StreamHooks) <-chan CouncilEvent {
	events := make(chan CouncilEvent, streamEventBuffer)

	go func() {
		defer close(events)

		var titleChan chan string
		if hooks.GenerateTitle {
			titleChan = make(chan string, 1)
			go func() {
				defer close(titleChan)
				title, err := c.GenerateConversationTitle(ctx, userQuery)
				if err != nil {
					log.Printf("Failed to generate title: %v", err)
					if hooks.OnTitle != nil {
						hooks.OnTitle("New Conversation")
					}
					return
				}
				if hooks.OnTitle != nil {
					hooks.OnTitle(title)
				}
				titleChan <- title
			}()
		}

		// Stage 1
		events <- CouncilEvent{Type: "stage1_start"}
		stage1Results := c.Stage1CollectResponses(ctx, history, opts)
		if len(stage1Results) == 0 {
			events <- CouncilEvent{Type: "error", Message: "All models failed to respond. Please try again."}
			return
		}
		events <- CouncilEvent{Type: "stage1_complete", Data: stage1Results}

		// Stage 2: degrade to empty results rather than aborting, so the
		// caller always reaches Stage 3.
		events <- CouncilEvent{Type: "stage2_start"}
		stage2Results, labelToModel := c.Stage2CollectRankings(ctx, userQuery, stage1Results, opts)
		aggregateRankings := CalculateAggregateRankings(stage2Results, labelToModel)
		if stage2Results == nil {
			stage2Results = []Stage2Ranking{}
		}
		metadata := Metadata{LabelToModel: labelToModel, AggregateRankings: aggregateRankings}
		events <- CouncilEvent{Type: "stage2_complete", Data: stage2Results, Metadata: &metadata}

		// Stage 3
		events <- CouncilEvent{Type: "stage3_start"}
		stage3Result := c.Stage3SynthesizeFinal(ctx, userQuery, stage1Results, stage2Results, opts)
		events <- CouncilEvent{Type: "stage3_complete", Data: stage3Result}

		if titleChan != nil {
			if title, ok := <-titleChan; ok && title != "" {
				events <- CouncilEvent{Type: "title_complete", Data: map[string]string{"title": title}}
			}
		}

		if hooks.Persist != nil {
			if err := hooks.Persist(stage1Results, stage2Results, stage3Result, metadata); err != nil {
				events <- CouncilEvent{Type: "error", Message: fmt.Sprintf("Failed to save message: %v", err)}
				return
			}
		}

		events <- CouncilEvent{Type: "complete"}
	}()

	return events
}

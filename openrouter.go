package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Wait ceilings for the retry paths. Rate-limit waits may be long because the
// provider tells us when to come back; transient 5xx and timeouts get shorter
// caps so a dead model doesn't stall a whole stage.
const (
	rateLimitBackoffCap   = 60 * time.Second
	absoluteWaitCeiling   = 300 * time.Second
	unavailableBackoffCap = 30 * time.Second
	timeoutBackoffCap     = 10 * time.Second

	// timeoutBuffer pads the per-call HTTP timeout on top of throttle waits.
	timeoutBuffer = 5 * time.Second
)

// Client issues requests to the OpenRouter API. It owns retry/backoff policy,
// rate-limit header interpretation, and error classification. A single Client
// (and its RateLimiter) is shared across all conversations.
type Client struct {
	apiURL      string
	modelsURL   string
	apiKey      string
	limiter     *RateLimiter
	maxRetries  int
	backoffBase float64
	baseTimeout time.Duration
	concurrency int

	sleep func(time.Duration)
}

// NewClient creates an OpenRouter client from the loaded configuration.
func NewClient(limiter *RateLimiter) *Client {
	return &Client{
		apiURL:      OpenRouterAPIURL,
		modelsURL:   OpenRouterModelsURL,
		apiKey:      OpenRouterAPIKey,
		limiter:     limiter,
		maxRetries:  MaxRetries,
		backoffBase: BackoffBase,
		baseTimeout: ModelQueryTimeout,
		concurrency: RequestConcurrency,
		sleep:       time.Sleep,
	}
}

// Query sends one chat completion request to one model with the default
// timeout. The result is always populated: either Response or Err, never both.
func (c *Client) Query(ctx context.Context, model string, messages []ChatMessage) ModelResult {
	return c.QueryWithTimeout(ctx, model, messages, c.baseTimeout)
}

// QueryWithTimeout is Query with an explicit base network timeout. Always
// terminates: every retry path is bounded by maxRetries and the wait ceilings.
func (c *Client) QueryWithTimeout(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) ModelResult {
	payload, err := json.Marshal(openRouterRequest{Model: model, Messages: messages})
	if err != nil {
		return c.failure(model, ErrUnknown, 0, fmt.Sprintf("failed to marshal request: %v", err))
	}

	// Waits caused by our own pacing extend the network timeout so the
	// client doesn't time itself out; they never consume the retry budget.
	extraWait := c.limiter.Throttle(model)
	start := time.Now()

	attempt := 0
	for {
		resp, err := c.doRequest(ctx, payload, timeout+extraWait+timeoutBuffer)
		if err != nil {
			if isTimeoutErr(err) {
				if attempt >= c.maxRetries {
					elapsed := time.Since(start) + extraWait
					return c.failure(model, ErrTimeout, 0,
						fmt.Sprintf("request timed out after %d attempts (%.1fs total including rate-limit waits)", attempt+1, elapsed.Seconds()))
				}
				attempt++
				wait := c.backoffWait(attempt, timeoutBackoffCap)
				log.Printf("Timeout querying model %s, retrying in %s (attempt %d)", model, wait, attempt)
				c.sleep(wait)
				extraWait += wait
				continue
			}
			return c.failure(model, ErrUnknown, 0, fmt.Sprintf("request failed: %v", err))
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return c.failure(model, ErrUnknown, resp.StatusCode, fmt.Sprintf("failed to read response body: %v", readErr))
			}
			return c.parseSuccess(model, body)

		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt >= c.maxRetries {
				return c.failure(model, ErrRetryExhausted, resp.StatusCode,
					fmt.Sprintf("rate limited, retries exhausted after %d attempts", attempt+1))
			}
			attempt++
			wait := c.rateLimitWait(resp, attempt)
			log.Printf("Rate limited on model %s, waiting %s (attempt %d)", model, wait, attempt)
			c.sleep(wait)
			extraWait += wait
			continue

		case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
			if attempt >= c.maxRetries {
				return c.failure(model, ErrRetryExhausted, resp.StatusCode,
					fmt.Sprintf("server unavailable (status %d), retries exhausted after %d attempts", resp.StatusCode, attempt+1))
			}
			attempt++
			wait := c.backoffWait(attempt, unavailableBackoffCap)
			log.Printf("Status %d from model %s, retrying in %s (attempt %d)", resp.StatusCode, model, wait, attempt)
			c.sleep(wait)
			extraWait += wait
			continue

		default:
			kind, message := classifyStatus(resp.StatusCode)
			return c.failure(model, kind, resp.StatusCode, fmt.Sprintf("%s: %s", message, truncate(string(body), 200)))
		}
	}
}

// doRequest performs one HTTP attempt with its own timeout budget.
func (c *Client) doRequest(ctx context.Context, payload []byte, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	return client.Do(req)
}

// parseSuccess extracts content, reasoning trace and usage counters from a
// 200 response. A successful request also counts as a dispatch for free-tier
// pacing purposes.
func (c *Client) parseSuccess(model string, body []byte) ModelResult {
	var apiResponse openRouterAPIResponse
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return c.failure(model, ErrUnknown, http.StatusOK, fmt.Sprintf("failed to parse response: %v", err))
	}

	if len(apiResponse.Choices) == 0 {
		return c.failure(model, ErrUnknown, http.StatusOK, "no choices in response")
	}

	c.limiter.RecordDispatch(model)

	message := apiResponse.Choices[0].Message
	return ModelResult{Response: &ModelResponse{
		Content:          message.Content,
		ReasoningDetails: message.ReasoningDetails,
		Usage: Usage{
			PromptTokens:     apiResponse.Usage.PromptTokens,
			CompletionTokens: apiResponse.Usage.CompletionTokens,
			TotalTokens:      apiResponse.Usage.TotalTokens,
		},
	}}
}

func (c *Client) failure(model string, kind ErrorKind, status int, message string) ModelResult {
	return ModelResult{Err: &ModelError{Kind: kind, Status: status, Message: message, Model: model}}
}

// rateLimitWait picks the wait before retrying a 429. Header-declared waits
// win over exponential backoff; everything is clamped to the absolute ceiling.
func (c *Client) rateLimitWait(resp *http.Response, attempt int) time.Duration {
	if wait, ok := retryAfterWait(resp); ok {
		if wait > absoluteWaitCeiling {
			return absoluteWaitCeiling
		}
		if wait < 0 {
			return 0
		}
		return wait
	}

	wait := c.backoffWait(attempt, rateLimitBackoffCap)
	if wait > absoluteWaitCeiling {
		return absoluteWaitCeiling
	}
	return wait
}

// retryAfterWait interprets rate-limit response headers: Retry-After in
// seconds, or X-RateLimit-Reset as a millisecond epoch timestamp.
func retryAfterWait(resp *http.Response) (time.Duration, bool) {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
	}

	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			reset := time.UnixMilli(ms)
			return time.Until(reset), true
		}
	}

	return 0, false
}

// backoffWait computes min(base^attempt, limit) in seconds.
func (c *Client) backoffWait(attempt int, limit time.Duration) time.Duration {
	wait := time.Duration(math.Pow(c.backoffBase, float64(attempt)) * float64(time.Second))
	if wait > limit {
		return limit
	}
	return wait
}

// classifyStatus maps a permanent HTTP error status to an error kind and a
// short message.
func classifyStatus(status int) (ErrorKind, string) {
	switch {
	case status == http.StatusBadRequest:
		return ErrClientError, "bad request"
	case status == http.StatusNotFound:
		return ErrClientError, "not found"
	case status >= 400 && status < 500:
		return ErrClientError, fmt.Sprintf("client error (status %d)", status)
	default:
		return ErrUnknown, fmt.Sprintf("server error (status %d)", status)
	}
}

// isTimeoutErr reports whether a transport error was a timeout rather than
// some other network failure.
func isTimeoutErr(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// QueryModelsParallel queries multiple models concurrently under the
// configured concurrency ceiling. messagesFor builds the per-model prompt
// (Stage 1 personas make prompts differ between models). Every launched task
// completes before the map is returned; per-model failures stay in the map
// and never abort the dispatch.
func (c *Client) QueryModelsParallel(ctx context.Context, models []string, messagesFor func(model string) []ChatMessage) map[string]ModelResult {
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	results := make(map[string]ModelResult, len(models))
	var mu sync.Mutex

	for _, model := range models {
		model := model
		g.Go(func() error {
			result := c.Query(ctx, model, messagesFor(model))
			if !result.OK() {
				log.Printf("Error querying model %s: %v", model, result.Err)
			}

			mu.Lock()
			results[model] = result
			mu.Unlock()
			return nil
		})
	}

	g.Wait()
	return results
}

// modelsAPIResponse is the wire format of the catalog endpoint.
type modelsAPIResponse struct {
	Data []struct {
		ID            string       `json:"id"`
		Name          string       `json:"name"`
		ContextLength int          `json:"context_length"`
		Pricing       ModelPricing `json:"pricing"`
		Description   string       `json:"description"`
	} `json:"data"`
}

// ListModels fetches the available models with pricing from OpenRouter,
// optionally filtered by a case-insensitive substring query. It degrades to
// the configured models when the catalog is unreachable or no API key is set.
func (c *Client) ListModels(ctx context.Context, query string) []CatalogModel {
	models := c.fetchCatalog(ctx)
	if len(models) == 0 {
		models = fallbackModels()
	}

	return FilterCatalog(models, query)
}

// FilterCatalog filters catalog entries by a case-insensitive substring match
// on ID, name or description.
func FilterCatalog(models []CatalogModel, query string) []CatalogModel {
	if query == "" {
		return models
	}

	q := strings.ToLower(query)
	filtered := make([]CatalogModel, 0, len(models))
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), q) ||
			strings.Contains(strings.ToLower(m.Name), q) ||
			strings.Contains(strings.ToLower(m.Description), q) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func (c *Client) fetchCatalog(ctx context.Context) []CatalogModel {
	if c.apiKey == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.modelsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("Failed to fetch model catalog: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Model catalog returned status %d", resp.StatusCode)
		return nil
	}

	var parsed modelsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		log.Printf("Failed to parse model catalog: %v", err)
		return nil
	}

	models := make([]CatalogModel, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		name := item.Name
		if name == "" {
			name = item.ID
		}
		models = append(models, CatalogModel{
			ID:            item.ID,
			Name:          name,
			ContextLength: item.ContextLength,
			Pricing:       item.Pricing,
			Description:   item.Description,
			Source:        "openrouter",
		})
	}
	return models
}

// fallbackModels returns the configured models as a catalog substitute.
func fallbackModels() []CatalogModel {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(CouncilModels)+1)
	for _, id := range append(append([]string{}, CouncilModels...), ChairmanModel) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	models := make([]CatalogModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, CatalogModel{
			ID:          id,
			Name:        id,
			Description: "Configured model (fallback)",
			Source:      "config",
		})
	}
	return models
}

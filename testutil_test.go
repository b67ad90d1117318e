package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t          *testing.T
	oldDataDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// UseTempDataDir points conversation storage at a fresh temp directory for the
// duration of the test.
func (h *TestHelper) UseTempDataDir() string {
	tempDir, err := os.MkdirTemp("", "llm-council-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.oldDataDir = DataDir
	DataDir = tempDir
	return tempDir
}

// Cleanup restores the data directory and removes temp files.
func (h *TestHelper) Cleanup() {
	if h.oldDataDir != "" {
		os.RemoveAll(DataDir)
		DataDir = h.oldDataDir
		h.oldDataDir = ""
	}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, message string) {
	h.t.Helper()
	if got != want {
		h.t.Errorf("%s: got %v, want %v", message, got, want)
	}
}

// AssertNoError checks if an error is nil
func (h *TestHelper) AssertNoError(err error, message string) {
	h.t.Helper()
	if err != nil {
		h.t.Errorf("%s: unexpected error: %v", message, err)
	}
}

// AssertError checks if an error is not nil
func (h *TestHelper) AssertError(err error, message string) {
	h.t.Helper()
	if err == nil {
		h.t.Errorf("%s: expected error, got nil", message)
	}
}

// newTestClient creates a Client pointed at a mock server with instant sleeps
// and no free-tier throttling, so retry tests run fast.
func newTestClient(serverURL string) *Client {
	return &Client{
		apiURL:      serverURL,
		modelsURL:   serverURL,
		apiKey:      "test-key",
		limiter:     NewRateLimiter(0),
		maxRetries:  5,
		backoffBase: 2.0,
		baseTimeout: 10 * time.Second,
		concurrency: 2,
		sleep:       func(time.Duration) {},
	}
}

// newTestCouncil wires a Council to a test client with fixed models.
func newTestCouncil(client *Client, models []string, chairman string) *Council {
	return &Council{
		client:        client,
		councilModels: models,
		chairmanModel: chairman,
		titleModel:    "test/title-model",
	}
}

// completionBody builds a chat completion response body with usage counters.
func completionBody(content string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
		"usage": map[string]int{
			"prompt_tokens":     100,
			"completion_tokens": 50,
			"total_tokens":      150,
		},
	})
	return body
}

// mockCompletionHandler returns a handler that always answers with the given
// content and verifies request headers.
func mockCompletionHandler(t *testing.T, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(completionBody(content))
	}
}

// mockErrorHandler returns a handler that always fails with the given status.
func mockErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// requestedModel decodes the model field from a completion request body.
func requestedModel(r *http.Request) string {
	var req openRouterRequest
	json.NewDecoder(r.Body).Decode(&req)
	return req.Model
}

// MockOpenRouterServer creates a mock HTTP server for the OpenRouter API.
func MockOpenRouterServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role:    "assistant",
				Content: "Go is a programming language developed by Google.",
				Model:   "test/chairman",
			},
		},
		Analyses: []Analysis{
			{
				Stage1: []Stage1Response{
					{Model: "test/model1", Response: "Go is a programming language."},
					{Model: "test/model2", Response: "Go is developed by Google."},
				},
				Stage2: []Stage2Ranking{
					{
						Model:         "test/model1",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage3: Stage3Response{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
				CreatedAt: testTime(),
			},
		},
	}
}

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/advad-relay/internal/util"
)

// DefaultOpenRouterURL is the base URL for OpenRouter API.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// GetContent returns the content of the first choice, or empty string if none.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

type openRouterErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// OpenRouterClient is a client for the OpenRouter chat completions API.
type OpenRouterClient struct {
	apiKey            string
	baseURL           string
	model             string
	systemInstruction string
	timeout           time.Duration
	httpClient        *http.Client
	siteURL           string
	siteName          string
}

// NewOpenRouterClient creates a client. An empty apiKey yields a client whose
// Generate fails with ErrNotConfigured.
func NewOpenRouterClient(apiKey, model, systemInstruction string) *OpenRouterClient {
	if model == "" {
		model = "openrouter/auto"
	}
	return &OpenRouterClient{
		apiKey:            strings.TrimSpace(apiKey),
		baseURL:           DefaultOpenRouterURL,
		model:             model,
		systemInstruction: systemInstruction,
		timeout:           DefaultTimeout,
		httpClient:        newHTTPClient(),
		siteName:          "advad-relay",
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTimeout sets the per-call timeout.
func (c *OpenRouterClient) WithTimeout(timeout time.Duration) *OpenRouterClient {
	c.timeout = timeout
	return c
}

// WithSiteURL sets the HTTP-Referer OpenRouter uses for app attribution.
func (c *OpenRouterClient) WithSiteURL(url string) *OpenRouterClient {
	c.siteURL = url
	return c
}

func (c *OpenRouterClient) IsConfigured() bool { return c.apiKey != "" }
func (c *OpenRouterClient) Model() string      { return c.model }
func (c *OpenRouterClient) Provider() string   { return "openrouter" }

// KeyFingerprint returns a fingerprint of the configured key.
func (c *OpenRouterClient) KeyFingerprint() string { return Fingerprint(c.apiKey) }

func (c *OpenRouterClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// Generate sends the system instruction and prompt as a two-message chat.
func (c *OpenRouterClient) Generate(ctx context.Context, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", &Error{Provider: c.Provider(), Kind: KindNotConfigured, Err: ErrNotConfigured}
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]ChatMessage, 0, 2)
	if c.systemInstruction != "" {
		messages = append(messages, NewSystemMessage(c.systemInstruction))
	}
	messages = append(messages, NewUserMessage(prompt))

	bodyBytes, err := json.Marshal(ChatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(c.Provider(), err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return "", readError(c.Provider(), resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", &Error{Provider: c.Provider(), Kind: KindMalformed, Status: resp.StatusCode, Err: err}
	}
	if len(chatResp.Choices) == 0 {
		return "", &Error{Provider: c.Provider(), Kind: KindMalformed, Message: "no choices returned"}
	}
	if chatResp.Choices[0].FinishReason == "content_filter" {
		return "", &Error{Provider: c.Provider(), Kind: KindBlocked, Message: "finish reason content_filter"}
	}
	text := chatResp.GetContent()
	if text == "" {
		return "", &Error{Provider: c.Provider(), Kind: KindMalformed, Message: "choice has no content"}
	}
	return text, nil
}

func (c *OpenRouterClient) handleErrorResponse(status int, body []byte) error {
	e := &Error{Provider: c.Provider(), Kind: kindForStatus(status), Status: status}

	var apiErr openRouterErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		e.Message = apiErr.Error.Message
		return e
	}

	e.Message = util.TruncateRunes(strings.TrimSpace(string(body)), maxErrorMessageRunes)
	return e
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeranaias/advad-relay/internal/util"
)

// DefaultGeminiURL is the base URL of the Generative Language API.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// blockedFinishReasons end a candidate without usable text because of a
// safety or policy filter.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// text concatenates the parts of the first candidate.
func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// GeminiClient calls models/{model}:generateContent.
type GeminiClient struct {
	apiKey            string
	baseURL           string
	model             string
	systemInstruction string
	timeout           time.Duration
	httpClient        *http.Client
}

// NewGeminiClient creates a client. An empty apiKey yields a client whose
// Generate fails with ErrNotConfigured.
func NewGeminiClient(apiKey, model, systemInstruction string) *GeminiClient {
	return &GeminiClient{
		apiKey:            strings.TrimSpace(apiKey),
		baseURL:           DefaultGeminiURL,
		model:             strings.TrimPrefix(model, "models/"),
		systemInstruction: systemInstruction,
		timeout:           DefaultTimeout,
		httpClient:        newHTTPClient(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *GeminiClient) WithBaseURL(u string) *GeminiClient {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

// WithTimeout sets the per-call timeout.
func (c *GeminiClient) WithTimeout(timeout time.Duration) *GeminiClient {
	c.timeout = timeout
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *GeminiClient) WithHTTPClient(hc *http.Client) *GeminiClient {
	c.httpClient = hc
	return c
}

func (c *GeminiClient) IsConfigured() bool { return c.apiKey != "" }
func (c *GeminiClient) Model() string      { return c.model }
func (c *GeminiClient) Provider() string   { return "gemini" }

// KeyFingerprint returns a fingerprint of the configured key.
func (c *GeminiClient) KeyFingerprint() string { return Fingerprint(c.apiKey) }

func (c *GeminiClient) endpoint() string {
	return c.baseURL + "/models/" + url.PathEscape(c.model) + ":generateContent"
}

// Generate sends one user turn plus the system instruction.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", &Error{Provider: c.Provider(), Kind: KindNotConfigured, Err: ErrNotConfigured}
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	if c.systemInstruction != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: c.systemInstruction}}}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-goog-api-key", c.apiKey)

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

	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", &Error{Provider: c.Provider(), Kind: KindMalformed, Status: resp.StatusCode, Err: err}
	}

	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return "", &Error{
			Provider: c.Provider(),
			Kind:     KindBlocked,
			Message:  "prompt blocked: " + gr.PromptFeedback.BlockReason,
		}
	}
	if len(gr.Candidates) == 0 {
		return "", &Error{Provider: c.Provider(), Kind: KindBlocked, Message: "no candidates returned"}
	}

	text := gr.text()
	if text == "" {
		reason := gr.Candidates[0].FinishReason
		if blockedFinishReasons[reason] {
			return "", &Error{Provider: c.Provider(), Kind: KindBlocked, Message: "finish reason " + reason}
		}
		return "", &Error{Provider: c.Provider(), Kind: KindMalformed, Message: "candidate has no text"}
	}
	return text, nil
}

// handleErrorResponse converts a non-200 response into an *Error.
func (c *GeminiClient) handleErrorResponse(status int, body []byte) error {
	e := &Error{Provider: c.Provider(), Kind: kindForStatus(status), Status: status}

	var apiErr geminiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		e.Message = apiErr.Error.Message
		// Invalid keys come back as 400 INVALID_ARGUMENT.
		if status == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Error.Message), "api key") {
			e.Kind = KindAuth
		}
		if apiErr.Error.Status == "RESOURCE_EXHAUSTED" {
			e.Kind = KindQuota
		}
		return e
	}

	e.Message = util.TruncateRunes(strings.TrimSpace(string(body)), maxErrorMessageRunes)
	return e
}

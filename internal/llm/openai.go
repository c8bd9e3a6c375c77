package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// llmHTTPClient is shared by OpenAI-compatible providers. The chain's
// per-attempt context is the real deadline; this is a backstop.
var llmHTTPClient = &http.Client{Timeout: 5 * time.Minute}

// OpenAICompatProvider implements Provider for any OpenAI-compatible API:
// OpenAI itself, OpenRouter, Moonshot, local inference servers.
type OpenAICompatProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAI creates a provider for the OpenAI API.
func NewOpenAI(apiKey, model string) *OpenAICompatProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return NewOpenAICompat("openai", "https://api.openai.com/v1", apiKey, model)
}

// NewOpenRouter creates a provider for OpenRouter's aggregation API.
func NewOpenRouter(apiKey, model string) *OpenAICompatProvider {
	return NewOpenAICompat("openrouter", "https://openrouter.ai/api/v1", apiKey, model)
}

// NewOpenAICompat creates a provider for an OpenAI-compatible endpoint
// under a custom base URL.
func NewOpenAICompat(name, baseURL, apiKey, model string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var messages []map[string]string
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "alfred/0.1.0")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := llmHTTPClient.Do(httpReq)
	if err != nil {
		// no HTTP status: dial, DNS, or deadline
		return nil, &ProviderError{Message: fmt.Sprintf("http: %v", err), Provider: p.name}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("read response: %v", err), Provider: p.name}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody)),
			StatusCode: resp.StatusCode,
			Provider:   p.name,
		}
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		// a 200 we cannot parse will not get better on retry
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	return &CompletionResponse{
		Content:      oaiResp.Choices[0].Message.Content,
		Model:        oaiResp.Model,
		InputTokens:  oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
		StopReason:   oaiResp.Choices[0].FinishReason,
	}, nil
}

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/metrics"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client выполняет Chat Completions запросы и реализует domain.LLMClient.
// Ограничения провайдера (429, таймаут) приводятся к domain.ErrRateLimited.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewClient создаёт клиента OpenAI.
func NewClient(apiKey, baseURL, model string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: apiKey, model: model}
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate вызывает /chat/completions.
func (c *Client) Generate(ctx context.Context, req domain.LLMRequest) (domain.LLMResult, error) {
	if c.apiKey == "" {
		return domain.LLMResult{}, fmt.Errorf("openai: api key is empty")
	}
	body, err := json.Marshal(chatCompletionRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return domain.LLMResult{}, fmt.Errorf("openai: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.LLMResult{}, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", c.model, start, err)
		if isTimeout(err) {
			return domain.LLMResult{}, fmt.Errorf("openai: %v: %w", err, domain.ErrRateLimited)
		}
		return domain.LLMResult{}, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", c.model, start, err)
		return domain.LLMResult{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		err = fmt.Errorf("openai: status %d: %w", resp.StatusCode, domain.ErrRateLimited)
		metrics.ObserveNetworkRequest("openai", "chat_completions", c.model, start, err)
		return domain.LLMResult{}, err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiErrorResponse
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			err = fmt.Errorf("openai: %s", apiErr.Error.Message)
		} else {
			err = fmt.Errorf("openai: unexpected status %d", resp.StatusCode)
		}
		metrics.ObserveNetworkRequest("openai", "chat_completions", c.model, start, err)
		return domain.LLMResult{}, err
	}
	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", c.model, start, err)
		return domain.LLMResult{}, fmt.Errorf("openai: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("openai", "chat_completions", c.model, start, nil)
	if len(completion.Choices) == 0 {
		return domain.LLMResult{}, fmt.Errorf("openai: пустой ответ")
	}

	result := domain.LLMResult{
		Text:  strings.TrimSpace(completion.Choices[0].Message.Content),
		Model: c.model,
	}
	if completion.Usage != nil {
		result.TokensIn = completion.Usage.PromptTokens
		result.TokensOut = completion.Usage.CompletionTokens
		metrics.ObserveLLMGeneration(c.model, time.Since(start), result.TokensIn, result.TokensOut)
	}
	return result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

var _ domain.LLMClient = (*Client)(nil)

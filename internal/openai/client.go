// Package openai is the Chat Completions provider. The same client serves
// OpenAI, Azure OpenAI deployments and OpenAI-compatible servers such as vLLM.
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

	"github.com/MikeSquared-Agency/warden/internal/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Client is a focused OpenAI-compatible client for chat completions.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	// Azure deployments are addressed by path and authenticated with api-key.
	azureDeployment string
	azureAPIVersion string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAzureDeployment switches the client to the Azure OpenAI URL layout.
func WithAzureDeployment(deployment, apiVersion string) Option {
	return func(c *Client) {
		c.azureDeployment = deployment
		c.azureAPIVersion = apiVersion
	}
}

// NewClient creates a Client. apiKey may be empty for local vLLM servers.
func NewClient(apiKey, model string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.model == "" && c.azureDeployment == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	return c, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

func azureURL(baseURL, deployment, apiVersion string) string {
	base := strings.TrimRight(baseURL, "/")
	return base + "/openai/deployments/" + url.PathEscape(deployment) +
		"/chat/completions?api-version=" + url.QueryEscape(apiVersion)
}

func (c *Client) endpoint() string {
	if c.azureDeployment != "" {
		return azureURL(c.baseURL, c.azureDeployment, c.azureAPIVersion)
	}
	return chatURL(c.baseURL)
}

// Complete calls the Chat Completions endpoint. The system prompt is sent as
// the leading system message.
func (c *Client) Complete(ctx context.Context, in llm.Request) (*llm.Response, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	messages := make([]llm.Message, 0, len(in.Messages)+1)
	if in.System != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: in.System})
	}
	messages = append(messages, in.Messages...)

	body := chatRequest{
		Messages:    messages,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	}
	if c.azureDeployment == "" {
		body.Model = model
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	endpoint := c.endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.apiKey == "":
	case c.azureDeployment != "":
		req.Header.Set("api-key", c.apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	buf, err := c.doJSONRequest(ctx, req, endpoint)
	if err != nil {
		return nil, err
	}

	var payload chatResponse
	if err := json.Unmarshal(buf, &payload); err != nil {
		return nil, &llm.Error{Provider: providerName, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(payload.Choices) == 0 {
		return nil, &llm.Error{Provider: providerName, Err: errors.New("no choices in response")}
	}
	choice := payload.Choices[0]
	return &llm.Response{
		Text:         choice.Message.Content,
		Model:        payload.Model,
		StopReason:   choice.FinishReason,
		InputTokens:  payload.Usage.PromptTokens,
		OutputTokens: payload.Usage.CompletionTokens,
	}, nil
}

func (c *Client) doJSONRequest(ctx context.Context, req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, llm.Transport(ctx, providerName, fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, llm.Classify(providerName, res.StatusCode, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		})
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, llm.Transport(ctx, providerName, fmt.Errorf("read response body: %w", err))
	}
	return buf, nil
}

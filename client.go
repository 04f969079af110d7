// Package smebot is the Azure OpenAI chat completion client used by the bot.
package smebot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"smebot-go/internal/logging"
	"smebot-go/internal/metrics"
	"smebot-go/internal/tracing"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultAPIVersion  = "2024-06-01"
	defaultAuthority   = "https://login.microsoftonline.com"
	cognitiveScope     = "https://cognitiveservices.azure.com/.default"
	maxErrorBodyBytes  = 4096
	defaultHTTPTimeout = 25 * time.Second
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Config configures a Client. Either APIKey or the TenantID, ClientID and
// ClientSecret triple must be set.
type Config struct {
	Endpoint     string
	Deployment   string
	APIVersion   string
	APIKey       string
	TenantID     string
	ClientID     string
	ClientSecret string
	// AuthorityHost overrides the Azure AD login host.
	AuthorityHost string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	Retry         RetryPolicy
	// HTTPClient is the base transport client. Defaults to one with Timeout.
	HTTPClient *http.Client
}

// Client calls the Azure OpenAI chat completions API for one deployment.
type Client struct {
	endpoint    string
	deployment  string
	apiVersion  string
	apiKey      string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	retry       RetryPolicy
	budget      *RetryBudget
}

// NewClient creates a new Azure OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Deployment == "" {
		return nil, errors.New("azure openai endpoint and deployment are required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BackoffBase == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	httpClient := base
	switch {
	case cfg.APIKey != "":
	case cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "":
		authority := cfg.AuthorityHost
		if authority == "" {
			authority = defaultAuthority
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(authority, "/"), url.PathEscape(cfg.TenantID)),
			Scopes:       []string{cognitiveScope},
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = cc.Client(ctx)
		httpClient.Timeout = base.Timeout
	default:
		return nil, errors.New("azure openai api key or client credentials are required")
	}

	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		deployment:  cfg.Deployment,
		apiVersion:  cfg.APIVersion,
		apiKey:      cfg.APIKey,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  httpClient,
		retry:       cfg.Retry,
		budget:      DefaultRetryBudget(),
	}, nil
}

// Deployment returns the deployment name the client targets.
func (c *Client) Deployment() string {
	return c.deployment
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatMessage is a chat turn. Content is a string or []ContentPart.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// TextMessage builds a plain text turn.
func TextMessage(role, text string) ChatMessage {
	return ChatMessage{Role: role, Content: text}
}

// ImageMessage builds a user turn with a prompt and an inline image.
func ImageMessage(prompt, mimeType string, data []byte) ChatMessage {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return ChatMessage{
		Role: RoleUser,
		Content: []ContentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: dataURL, Detail: "auto"}},
		},
	}
}

// Usage is the token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the first choice of a chat completion.
type Completion struct {
	Text         string
	FinishReason string
	Usage        Usage
	Attempts     int
}

type chatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// APIError is a non-2xx response from Azure OpenAI.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("azure openai: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("azure openai: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRateLimited reports whether err is a 429 from Azure OpenAI.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsContentFiltered reports whether Azure rejected the prompt or answer
// through its content filter.
func IsContentFiltered(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "content_filter"
}

// ErrEmptyCompletion is returned when the response carries no choices.
var ErrEmptyCompletion = errors.New("azure openai returned no choices")

// Complete sends messages and returns the first choice, retrying retryable
// failures under the client's retry policy.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (*Completion, error) {
	ctx, span := tracing.LLMSpan(ctx, c.deployment)
	var completion *Completion
	attempts, err := c.retry.Do(ctx, c.budget, func(ctx context.Context) error {
		var err error
		completion, err = c.complete(ctx, messages)
		return err
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	completion.Attempts = attempts
	return completion, nil
}

func (c *Client) complete(ctx context.Context, messages []ChatMessage) (*Completion, error) {
	start := time.Now()
	completion, err := c.send(ctx, messages)

	status := "ok"
	if err != nil {
		status = "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
		}
	}
	metrics.LLMRequestDurationSeconds.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	metrics.LLMTokensTotal.WithLabelValues("prompt").Add(float64(completion.Usage.PromptTokens))
	metrics.LLMTokensTotal.WithLabelValues("completion").Add(float64(completion.Usage.CompletionTokens))
	logging.FromContext(ctx).Debug("completion received",
		"deployment", c.deployment,
		"finish_reason", completion.FinishReason,
		"total_tokens", completion.Usage.TotalTokens,
		"duration", time.Since(start))
	return completion, nil
}

func (c *Client) send(ctx context.Context, messages []ChatMessage) (*Completion, error) {
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, url.PathEscape(c.deployment), url.QueryEscape(c.apiVersion))

	req, err := c.newRequest(ctx, http.MethodPost, u, chatRequest{
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	return &Completion{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var buf io.ReadWriter
	if body != nil {
		buf = &bytes.Buffer{}
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return nil, err
	}

	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if v != nil {
			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				return fmt.Errorf("error decoding response: %w", err)
			}
		}
		return nil
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return newAPIError(resp, bodyBytes)
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}

	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

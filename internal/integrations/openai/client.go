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
	"strconv"
	"strings"
	"sync"
	"time"

	"kitty-chat/internal/domain"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
	messagesPageLimit  = 100
)

// chatRequest is the request shape for creating a stored chat completion.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Store       bool                 `json:"store"`
	Metadata    map[string]string    `json:"metadata,omitempty"`
}

// chatCompletion is the minimal completion object returned by create and list.
type chatCompletion struct {
	ID       string            `json:"id"`
	Object   string            `json:"object"`
	Created  int64             `json:"created"`
	Model    string            `json:"model"`
	Metadata map[string]string `json:"metadata"`
	Choices  []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type completionList struct {
	Data    []chatCompletion `json:"data"`
	FirstID string           `json:"first_id"`
	LastID  string           `json:"last_id"`
	HasMore bool             `json:"has_more"`
}

type storedMessage struct {
	ID      string  `json:"id"`
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type messageList struct {
	Data    []storedMessage `json:"data"`
	LastID  string          `json:"last_id"`
	HasMore bool            `json:"has_more"`
}

type deleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// tokenPayload is the JSON shape used when the key is stored as a parameter.
type tokenPayload struct {
	Token string `json:"token"`
}

// Getter resolves a named secret. Both the SSM parameter store and the
// environment satisfy it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for stored chat completions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     Getter
	keyName    string

	keyMu  sync.Mutex
	apiKey string
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

// NewClient creates a new Client that looks the API key up through getter
// under keyName. The key is fetched on the first provider call and reused for
// the lifetime of the process; a failed lookup is retried on the next call.
func NewClient(getter Getter, keyName string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("openai: key getter must not be nil")
	}
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, errors.New("openai: key name must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		getter:     getter,
		keyName:    keyName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKey(ctx, c.getter, c.keyName)
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default one if
// none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func chatURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

func completionURL(baseURL, id string) string {
	return endpointURL(baseURL, "/chat/completions/"+url.PathEscape(id))
}

func messagesURL(baseURL, id string) string {
	return completionURL(baseURL, id) + "/messages"
}

// CreateCompletion stores a new exchange and returns the completion carrying
// the assistant reply.
func (c *Client) CreateCompletion(ctx context.Context, in domain.CompletionRequest) (domain.Completion, error) {
	if in.Model == "" {
		return domain.Completion{}, errors.New("openai: model must not be empty")
	}

	temperature := defaultTemperature
	body, err := json.Marshal(chatRequest{
		Model:       in.Model,
		Messages:    in.Messages,
		Temperature: &temperature,
		MaxTokens:   defaultMaxTokens,
		Store:       true,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, chatURL(c.baseURL), body)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatCompletion
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.Completion{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return domain.Completion{}, errors.New("openai: no choices in response")
	}
	out := toCompletion(payload)
	if out.Reply == "" {
		return domain.Completion{}, errors.New("openai: no response content")
	}
	if out.Metadata == nil && len(in.Metadata) > 0 {
		out.Metadata = in.Metadata
	}
	return out, nil
}

// ListCompletions returns one page of stored completions.
func (c *Client) ListCompletions(ctx context.Context, p domain.ListQuery) (domain.CompletionPage, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Order != "" {
		q.Set("order", p.Order)
	}
	if p.After != "" {
		q.Set("after", p.After)
	}
	target := chatURL(c.baseURL)
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	raw, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.CompletionPage{}, fmt.Errorf("openai: list request failed: %w", err)
	}

	var payload completionList
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.CompletionPage{}, fmt.Errorf("openai: decode list response: %w", decErr)
	}
	page := domain.CompletionPage{
		Data:    make([]domain.Completion, 0, len(payload.Data)),
		HasMore: payload.HasMore,
		LastID:  payload.LastID,
	}
	for _, cc := range payload.Data {
		page.Data = append(page.Data, toCompletion(cc))
	}
	if page.LastID == "" && len(page.Data) > 0 {
		page.LastID = page.Data[len(page.Data)-1].ID
	}
	return page, nil
}

// ListMessages returns the stored prompt messages of one completion, in order.
func (c *Client) ListMessages(ctx context.Context, completionID string) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(completionID) == "" {
		return nil, errors.New("openai: completion id must not be empty")
	}

	var out []domain.ChatMessage
	after := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(messagesPageLimit))
		if after != "" {
			q.Set("after", after)
		}
		raw, err := c.do(ctx, http.MethodGet, messagesURL(c.baseURL, completionID)+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("openai: messages request failed: %w", err)
		}

		var payload messageList
		if decErr := json.Unmarshal(raw, &payload); decErr != nil {
			return nil, fmt.Errorf("openai: decode messages response: %w", decErr)
		}
		for _, m := range payload.Data {
			out = append(out, domain.ChatMessage{Role: m.Role, Content: deref(m.Content)})
		}

		next := payload.LastID
		if next == "" && len(payload.Data) > 0 {
			next = payload.Data[len(payload.Data)-1].ID
		}
		if !payload.HasMore || next == "" || next == after {
			return out, nil
		}
		after = next
	}
}

// DeleteCompletion removes one stored completion.
func (c *Client) DeleteCompletion(ctx context.Context, completionID string) error {
	if strings.TrimSpace(completionID) == "" {
		return errors.New("openai: completion id must not be empty")
	}

	raw, err := c.do(ctx, http.MethodDelete, completionURL(c.baseURL, completionID), nil)
	if err != nil {
		return fmt.Errorf("openai: delete request failed: %w", err)
	}

	var payload deleteResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return fmt.Errorf("openai: decode delete response: %w", decErr)
	}
	if !payload.Deleted {
		return fmt.Errorf("openai: completion %s was not deleted", completionID)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, reqErr := http.NewRequestWithContext(ctx, method, target, reader)
	if reqErr != nil {
		return nil, fmt.Errorf("create request: %w", reqErr)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	return c.doJSONRequest(req, target)
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func toCompletion(cc chatCompletion) domain.Completion {
	out := domain.Completion{
		ID:       cc.ID,
		Created:  cc.Created,
		Model:    cc.Model,
		Metadata: cc.Metadata,
	}
	if len(cc.Choices) > 0 {
		out.Reply = deref(cc.Choices[0].Message.Content)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// fetchAPIKey reads the key named name. The stored value may be the raw key or
// a {"token": "..."} JSON document.
func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: key getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: key name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch API key: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("openai: unmarshal token value as JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", errors.New("openai: API token is empty")
	}
	return raw, nil
}

// Package chatapi is a client of the kitty-chat HTTP API.
package chatapi

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
	"time"

	"kitty-chat/internal/domain"
)

const DefaultBaseURL = "http://localhost:8080"

type SendRequest struct {
	Messages       []domain.ChatMessage `json:"messages"`
	ConversationID string               `json:"conversationId,omitempty"`
	Model          string               `json:"model,omitempty"`
}

type SendResponse struct {
	Message                string `json:"message"`
	CompletionID           string `json:"completionId"`
	IsContinuation         bool   `json:"isContinuation"`
	OriginalConversationID string `json:"originalConversationId"`
	ModelUsed              string `json:"modelUsed"`
}

type deleteResponse struct {
	Success      bool   `json:"success"`
	DeletedCount int    `json:"deletedCount"`
	Message      string `json:"message"`
}

type modelsResponse struct {
	Data    []domain.Model `json:"data"`
	Default string         `json:"default"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chatapi: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chatapi: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("chatapi: invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send posts the transcript and returns the assistant reply.
func (c *Client) Send(ctx context.Context, in SendRequest) (SendResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return SendResponse{}, fmt.Errorf("chatapi: marshal send request: %w", err)
	}
	var out SendResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/chat", body, &out); err != nil {
		return SendResponse{}, err
	}
	return out, nil
}

// History returns one page of reconciled conversations.
func (c *Client) History(ctx context.Context, q domain.ListQuery) (domain.HistoryPage, error) {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.After != "" {
		v.Set("after", q.After)
	}
	target := c.baseURL + "/chat"
	if len(v) > 0 {
		target += "?" + v.Encode()
	}

	var out domain.HistoryPage
	if err := c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return domain.HistoryPage{}, err
	}
	return out, nil
}

// DeleteConversation deletes a conversation and returns how many completions
// were removed.
func (c *Client) DeleteConversation(ctx context.Context, id string) (int, error) {
	if strings.TrimSpace(id) == "" {
		return 0, errors.New("chatapi: conversation id must not be empty")
	}
	var out deleteResponse
	target := c.baseURL + "/chat?" + url.Values{"id": {id}}.Encode()
	if err := c.do(ctx, http.MethodDelete, target, nil, &out); err != nil {
		return 0, err
	}
	if !out.Success {
		return 0, fmt.Errorf("chatapi: delete of %s not confirmed", id)
	}
	return out.DeletedCount, nil
}

// Models returns the selectable models and the default model id.
func (c *Client) Models(ctx context.Context) ([]domain.Model, string, error) {
	var out modelsResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/models", nil, &out); err != nil {
		return nil, "", err
	}
	return out.Data, out.Default, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("chatapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatapi: %s %s: %w", method, target, err)
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("chatapi: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(buf))}
		var eb errorBody
		if json.Unmarshal(buf, &eb) == nil && eb.Error != "" {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
		}
		return apiErr
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("chatapi: decode response: %w", err)
	}
	return nil
}

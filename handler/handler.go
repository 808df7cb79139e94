package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"kitty-chat/internal/domain"
	"kitty-chat/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"

	msgSendFailed    = "Failed to get response from OpenAI"
	msgHistoryFailed = "Failed to retrieve chat history from OpenAI"
	msgDeleteFailed  = "Failed to delete conversation"
	msgDeleted       = "Conversation deleted successfully"
)

// ChatUseCase is the service surface exposed over HTTP.
type ChatUseCase interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	History(ctx context.Context, q domain.ListQuery) (domain.HistoryPage, error)
	DeleteConversation(ctx context.Context, id string) (int, error)
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
}

type sendRequest struct {
	Messages       json.RawMessage `json:"messages"`
	ConversationID json.RawMessage `json:"conversationId"`
	Model          string          `json:"model"`
}

type sendResponse struct {
	Message                string `json:"message"`
	CompletionID           string `json:"completionId"`
	IsContinuation         bool   `json:"isContinuation"`
	OriginalConversationID string `json:"originalConversationId,omitempty"`
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

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// response is the transport-neutral result shared by the Lambda and chi
// adapters.
type response struct {
	status int
	body   any
}

var invalidInputMessages = map[string]string{
	"invalid_body":             "Invalid request body",
	"messages_required":        "Messages are required and must be an array",
	"messages_empty":           "Messages must not be empty",
	"invalid_role":             "Message role must be user, assistant or system",
	"conversation_id_required": "Conversation ID is required",
}

func NewHandler(uc ChatUseCase, logger *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uc: uc, logger: logger.With("component", "handler")}, nil
}

// Handle serves API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = withCorrelationID(ctx, correlationID)

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return h.proxyResponse(correlationID, badRequest("invalid_body")), nil
		}
		body = decoded
	}

	query := url.Values{}
	for k, v := range event.QueryStringParameters {
		query.Set(k, v)
	}
	for k, vs := range event.MultiValueQueryStringParameters {
		query[k] = vs
	}

	var resp response
	path := strings.TrimRight(event.Path, "/")
	switch path {
	case "/chat":
		switch event.HTTPMethod {
		case http.MethodPost:
			resp = h.postChat(ctx, body)
		case http.MethodGet:
			resp = h.getChat(ctx, query)
		case http.MethodDelete:
			resp = h.deleteChat(ctx, query)
		default:
			resp = methodNotAllowed()
		}
	case "/models":
		if event.HTTPMethod != http.MethodGet {
			resp = methodNotAllowed()
			break
		}
		resp = h.models()
	case "/health":
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "text/plain", correlationHeader: correlationID},
			Body:       "OK",
		}, nil
	default:
		resp = response{status: http.StatusNotFound, body: errorResponse{Error: "Not found", Code: codeNotFound}}
	}
	return h.proxyResponse(correlationID, resp), nil
}

func (h *Handler) proxyResponse(correlationID string, resp response) events.APIGatewayProxyResponse {
	body, err := json.Marshal(resp.body)
	if err != nil {
		h.logger.Error("encode response failed", "correlation_id", correlationID, "err", err)
		resp.status = http.StatusInternalServerError
		body = []byte(`{"error":"Internal server error","code":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: resp.status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func (h *Handler) postChat(ctx context.Context, body []byte) response {
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return badRequest("invalid_body")
	}

	messages, ok := decodeMessages(req.Messages)
	if !ok {
		return badRequest("messages_required")
	}

	out, err := h.uc.Send(ctx, usecase.SendInput{
		Messages:       messages,
		ConversationID: decodeID(req.ConversationID),
		Model:          req.Model,
	})
	if err != nil {
		return h.failure(ctx, "send", msgSendFailed, err)
	}
	return response{status: http.StatusOK, body: sendResponse{
		Message:                out.Message,
		CompletionID:           out.CompletionID,
		IsContinuation:         out.IsContinuation,
		OriginalConversationID: out.OriginalConversationID,
		ModelUsed:              out.ModelUsed,
	}}
}

func (h *Handler) getChat(ctx context.Context, query url.Values) response {
	limit, _ := strconv.Atoi(query.Get("limit"))
	page, err := h.uc.History(ctx, domain.ListQuery{
		Limit: limit,
		Order: query.Get("order"),
		After: query.Get("after"),
	})
	if err != nil {
		return h.failure(ctx, "history", msgHistoryFailed, err)
	}
	if page.Conversations == nil {
		page.Conversations = []domain.Conversation{}
	}
	return response{status: http.StatusOK, body: page}
}

func (h *Handler) deleteChat(ctx context.Context, query url.Values) response {
	n, err := h.uc.DeleteConversation(ctx, query.Get("id"))
	if err != nil {
		return h.failure(ctx, "delete", msgDeleteFailed, err)
	}
	return response{status: http.StatusOK, body: deleteResponse{Success: true, DeletedCount: n, Message: msgDeleted}}
}

func (h *Handler) models() response {
	return response{status: http.StatusOK, body: modelsResponse{Data: domain.Models(), Default: domain.DefaultModel}}
}

// failure logs err and maps it to a client-safe response. Provider and
// internal details are never echoed.
func (h *Handler) failure(ctx context.Context, op, upstreamMsg string, err error) response {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected error", "op", op, "correlation_id", correlationID(ctx), "err", err)
		return response{status: http.StatusInternalServerError, body: errorResponse{Error: upstreamMsg, Code: string(usecase.ErrorInternal)}}
	}

	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		h.logger.Info("rejected request", "op", op, "correlation_id", correlationID(ctx), "reason", ucErr.Reason)
		return badRequest(ucErr.Reason)
	default:
		h.logger.Error("request failed", "op", op, "correlation_id", correlationID(ctx), "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
		return response{status: http.StatusInternalServerError, body: errorResponse{Error: upstreamMsg, Code: string(ucErr.Code)}}
	}
}

func badRequest(reason string) response {
	msg, ok := invalidInputMessages[reason]
	if !ok {
		msg = "Invalid request"
	}
	return response{status: http.StatusBadRequest, body: errorResponse{Error: msg, Code: string(usecase.ErrorInvalidInput)}}
}

func methodNotAllowed() response {
	return response{status: http.StatusMethodNotAllowed, body: errorResponse{Error: "Method not allowed", Code: codeMethodNotAllowed}}
}

// decodeMessages accepts a JSON array of messages. A missing or null field
// yields nil so the service can reject it uniformly.
func decodeMessages(raw json.RawMessage) ([]domain.ChatMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, true
	}
	if trimmed[0] != '[' {
		return nil, false
	}
	var msgs []domain.ChatMessage
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, false
	}
	return msgs, true
}

// decodeID accepts a string or numeric conversation id.
func decodeID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return n.String()
	}
	return ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

type correlationKey struct{}

func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

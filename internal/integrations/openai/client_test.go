package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kitty-chat/internal/domain"
)

// ---------------------------------------------------------------------------
// URL helpers
// ---------------------------------------------------------------------------

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestMessagesURL(t *testing.T) {
	require.Equal(t, "http://localhost:8080/v1/chat/completions/chatcmpl-1/messages", messagesURL("http://localhost:8080", "chatcmpl-1"))
	require.Equal(t, "https://api.openai.com/v1/chat/completions/a%2Fb", completionURL("", "a/b"))
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_NilGetter(t *testing.T) {
	_, err := NewClient(nil, "OPENAI_API_KEY")
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestNewClient_EmptyKeyName(t *testing.T) {
	_, err := NewClient(&fakeGetter{}, "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}

func TestNewClient_Valid(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "OPENAI_API_KEY")
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1", c.baseURL)
	require.NotNil(t, c.getter)
}

// ---------------------------------------------------------------------------
// resolveAPIKey
// ---------------------------------------------------------------------------

// fakeGetter is a minimal Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func() // optional; called on each GetParameter invocation
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestResolveAPIKey_FetchedOnFirstCall(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	g.onCall = func() { calls++ }
	c, err := NewClient(g, "/kitty-chat/open-ai-token")
	require.NoError(t, err)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)
	require.Equal(t, 1, calls)

	_, _ = c.resolveAPIKey(context.Background())
	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, calls, "key must only be fetched once per process lifetime")
}

func TestResolveAPIKey_FailureIsRetried(t *testing.T) {
	g := &fakeGetter{err: errors.New("OPENAI_API_KEY is not set")}
	c, err := NewClient(g, "OPENAI_API_KEY")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.Error(t, err)

	g.err = nil
	g.val = "sk-late"
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-late", key)
}

// ---------------------------------------------------------------------------
// fetchAPIKey
// ---------------------------------------------------------------------------

func TestFetchAPIKey_RawValue(t *testing.T) {
	key, err := fetchAPIKey(context.Background(), &fakeGetter{val: " sk-raw \n"}, "OPENAI_API_KEY")
	require.NoError(t, err)
	require.Equal(t, "sk-raw", key)
}

func TestFetchAPIKey_JSONToken(t *testing.T) {
	key, err := fetchAPIKey(context.Background(), &fakeGetter{val: `{"token":"sk-from-json"}`}, "/kitty-chat/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", key)
}

func TestFetchAPIKey_JSONMissingTokenField(t *testing.T) {
	_, err := fetchAPIKey(context.Background(), &fakeGetter{val: `{"other":"value"}`}, "/kitty-chat/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "API token is empty")
}

func TestFetchAPIKey_MalformedJSON(t *testing.T) {
	_, err := fetchAPIKey(context.Background(), &fakeGetter{val: `{"broken`}, "/kitty-chat/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")
}

func TestFetchAPIKey_GetterError(t *testing.T) {
	_, err := fetchAPIKey(context.Background(), &fakeGetter{err: errors.New("ssm unavailable")}, "/kitty-chat/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
}

func TestFetchAPIKey_NilGetter(t *testing.T) {
	_, err := fetchAPIKey(context.Background(), nil, "OPENAI_API_KEY")
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestFetchAPIKey_EmptyValue(t *testing.T) {
	_, err := fetchAPIKey(context.Background(), &fakeGetter{val: "  "}, "OPENAI_API_KEY")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}

// ---------------------------------------------------------------------------
// Client.CreateCompletion
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: "sk-test"},
		"OPENAI_API_KEY",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestClient_CreateCompletion_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(reqBody, &got))
		require.Equal(t, "gpt-mock", got["model"])
		require.Equal(t, true, got["store"])
		require.Equal(t, 0.7, got["temperature"])
		require.Equal(t, float64(500), got["max_tokens"])
		require.Equal(t, map[string]any{"new_conversation": "true"}, got["metadata"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"model": "gpt-mock",
			"metadata": {"new_conversation": "true"},
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "Hello from mock" }
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.CreateCompletion(context.Background(), domain.CompletionRequest{
		Model:    "gpt-mock",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
		Metadata: map[string]string{"new_conversation": "true"},
	})
	require.NoError(t, err)
	require.Equal(t, "chatcmpl-123", out.ID)
	require.Equal(t, int64(1670000000), out.Created)
	require.Equal(t, "Hello from mock", out.Reply)
	require.Equal(t, "true", out.Metadata["new_conversation"])
}

func TestClient_CreateCompletion_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: "sk-test"}, "OPENAI_API_KEY")
	require.NoError(t, err)
	_, err = c.CreateCompletion(context.Background(), domain.CompletionRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}

func TestClient_CreateCompletion_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).CreateCompletion(context.Background(), domain.CompletionRequest{Model: "gpt-mock"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_CreateCompletion_NullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"message":{"role":"assistant","content":null}}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).CreateCompletion(context.Background(), domain.CompletionRequest{Model: "gpt-mock"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no response")
}

func TestClient_CreateCompletion_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).CreateCompletion(context.Background(), domain.CompletionRequest{Model: "gpt-mock"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestClient_CreateCompletion_StatusErrors(t *testing.T) {
	for _, status := range []int{400, 429, 500} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		_, err := newTestClient(t, srv).CreateCompletion(context.Background(), domain.CompletionRequest{Model: "gpt-mock"})
		srv.Close()

		require.Error(t, err)
		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.HTTPStatusCode())
		require.Contains(t, err.Error(), "unexpected status")
	}
}

func TestClient_CreateCompletion_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.CreateCompletion(context.Background(), domain.CompletionRequest{Model: "gpt-mock"})
	require.Error(t, err)
}

func TestClient_CreateCompletion_MissingKey(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c, err := NewClient(&fakeGetter{err: errors.New("OPENAI_API_KEY is not set")}, "OPENAI_API_KEY", WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.CreateCompletion(context.Background(), domain.CompletionRequest{Model: "gpt-mock"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not set")
	require.Zero(t, calls)
}

// ---------------------------------------------------------------------------
// Client.ListCompletions
// ---------------------------------------------------------------------------

func TestClient_ListCompletions_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		require.Equal(t, "desc", r.URL.Query().Get("order"))
		require.Equal(t, "c9", r.URL.Query().Get("after"))
		_, _ = w.Write([]byte(`{
			"object": "list",
			"data": [
				{"id":"c2","created":200,"metadata":{"original_conversation_id":"c1"},"choices":[{"message":{"role":"assistant","content":"World"}}]},
				{"id":"c1","created":100,"metadata":{},"choices":[{"message":{"role":"assistant","content":"Hello"}}]}
			],
			"first_id": "c2",
			"last_id": "c1",
			"has_more": true
		}`))
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv).ListCompletions(context.Background(), domain.ListQuery{Limit: 50, Order: "desc", After: "c9"})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, "c1", page.LastID)
	require.Len(t, page.Data, 2)
	require.Equal(t, "c1", page.Data[0].OriginalConversationID())
	require.Equal(t, "World", page.Data[0].Reply)
	require.Equal(t, "", page.Data[1].OriginalConversationID())
}

func TestClient_ListCompletions_OmitsEmptyParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"data":[],"has_more":false}`))
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv).ListCompletions(context.Background(), domain.ListQuery{})
	require.NoError(t, err)
	require.Empty(t, page.Data)
	require.False(t, page.HasMore)
}

func TestClient_ListCompletions_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListCompletions(context.Background(), domain.ListQuery{Limit: 10})
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

// ---------------------------------------------------------------------------
// Client.ListMessages
// ---------------------------------------------------------------------------

func TestClient_ListMessages_FollowsCursor(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.Equal(t, "/v1/chat/completions/c1/messages", r.URL.Path)
		switch r.URL.Query().Get("after") {
		case "":
			_, _ = w.Write([]byte(`{"data":[{"id":"m1","role":"system","content":"be kind"},{"id":"m2","role":"user","content":"Hi"}],"last_id":"m2","has_more":true}`))
		case "m2":
			_, _ = w.Write([]byte(`{"data":[{"id":"m3","role":"assistant","content":null}],"last_id":"m3","has_more":false}`))
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	}))
	defer srv.Close()

	msgs, err := newTestClient(t, srv).ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 2, requests)
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "be kind"},
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: ""},
	}, msgs)
}

func TestClient_ListMessages_EmptyID(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: "sk-test"}, "OPENAI_API_KEY")
	require.NoError(t, err)
	_, err = c.ListMessages(context.Background(), " ")
	require.Error(t, err)
}

func TestClient_ListMessages_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListMessages(context.Background(), "gone")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

// ---------------------------------------------------------------------------
// Client.DeleteCompletion
// ---------------------------------------------------------------------------

func TestClient_DeleteCompletion_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/v1/chat/completions/c1", r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"chat.completion.deleted","id":"c1","deleted":true}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).DeleteCompletion(context.Background(), "c1"))
}

func TestClient_DeleteCompletion_NotConfirmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","deleted":false}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv).DeleteCompletion(context.Background(), "c1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not deleted")
}

func TestClient_DeleteCompletion_NetworkError(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: "sk-test"}, "OPENAI_API_KEY")
	require.NoError(t, err)
	c.baseURL = "http://127.0.0.1:1"
	c.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	err = c.DeleteCompletion(context.Background(), "c1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "delete request failed")
}

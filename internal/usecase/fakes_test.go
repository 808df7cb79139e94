package usecase

import (
	"context"
	"errors"
	"sync"

	"kitty-chat/internal/domain"
)

// fakeStore is an in-memory CompletionStore. pages is consumed in order by
// ListCompletions; messages and messageErrs are keyed by completion id.
type fakeStore struct {
	mu sync.Mutex

	created    domain.Completion
	createErr  error
	createReqs []domain.CompletionRequest

	pages     []domain.CompletionPage
	listErr   error
	listCalls []domain.ListQuery

	messages    map[string][]domain.ChatMessage
	messageErrs map[string]error
	msgCalls    int

	deleteErrs map[string]error
	deleted    []string
}

func (f *fakeStore) CreateCompletion(_ context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReqs = append(f.createReqs, req)
	return f.created, f.createErr
}

func (f *fakeStore) ListCompletions(_ context.Context, q domain.ListQuery) (domain.CompletionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, q)
	if f.listErr != nil {
		return domain.CompletionPage{}, f.listErr
	}
	if len(f.pages) == 0 {
		return domain.CompletionPage{}, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func (f *fakeStore) ListMessages(_ context.Context, id string) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgCalls++
	if err := f.messageErrs[id]; err != nil {
		return nil, err
	}
	return f.messages[id], nil
}

func (f *fakeStore) DeleteCompletion(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.deleteErrs[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeCache struct {
	gen       int64
	genErr    error
	pages     map[int64]domain.HistoryPage
	getErr    error
	putErr    error
	invErr    error
	puts      int
	invalids  int
	lastQuery domain.ListQuery
}

func (c *fakeCache) Generation(context.Context) (int64, error) {
	return c.gen, c.genErr
}

func (c *fakeCache) GetPage(_ context.Context, gen int64, q domain.ListQuery) (domain.HistoryPage, bool, error) {
	c.lastQuery = q
	if c.getErr != nil {
		return domain.HistoryPage{}, false, c.getErr
	}
	p, ok := c.pages[gen]
	return p, ok, nil
}

func (c *fakeCache) PutPage(_ context.Context, gen int64, _ domain.ListQuery, page domain.HistoryPage) error {
	c.puts++
	if c.putErr != nil {
		return c.putErr
	}
	if c.pages == nil {
		c.pages = make(map[int64]domain.HistoryPage)
	}
	c.pages[gen] = page
	return nil
}

func (c *fakeCache) Invalidate(context.Context) error {
	c.invalids++
	if c.invErr != nil {
		return c.invErr
	}
	c.gen++
	return nil
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "upstream status" }
func (e statusErr) HTTPStatusCode() int { return e.code }

var errBoom = errors.New("boom")

func user(s string) domain.ChatMessage      { return domain.ChatMessage{Role: domain.RoleUser, Content: s} }
func assistant(s string) domain.ChatMessage { return domain.ChatMessage{Role: domain.RoleAssistant, Content: s} }
func system(s string) domain.ChatMessage    { return domain.ChatMessage{Role: domain.RoleSystem, Content: s} }

func completion(id string, created int64, reply string, convID string) domain.Completion {
	c := domain.Completion{ID: id, Created: created, Reply: reply}
	if convID != "" {
		c.Metadata = map[string]string{
			domain.MetaContinuingConversation: "true",
			domain.MetaOriginalConversationID: convID,
		}
	}
	return c
}

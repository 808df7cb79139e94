package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kitty-chat/internal/domain"
)

const historyLimit = 50

// HistoryAPI is the slice of the chat API the history holder needs.
type HistoryAPI interface {
	History(ctx context.Context, q domain.ListQuery) (domain.HistoryPage, error)
	DeleteConversation(ctx context.Context, id string) (int, error)
}

// History holds the latest reconciled conversation summaries. It refreshes
// only when asked.
type History struct {
	api    HistoryAPI
	logger *slog.Logger

	mu            sync.RWMutex
	conversations []domain.Conversation
	hasMore       bool
	loading       bool
}

func NewHistory(api HistoryAPI, logger *slog.Logger) (*History, error) {
	if api == nil {
		return nil, fmt.Errorf("session: history api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{api: api, logger: logger.With("component", "history")}, nil
}

// Refresh reloads the most recent page. On failure the held list is cleared
// and the error returned.
func (h *History) Refresh(ctx context.Context) error {
	h.mu.Lock()
	h.loading = true
	h.mu.Unlock()

	page, err := h.api.History(ctx, domain.ListQuery{Limit: historyLimit, Order: domain.OrderDesc})

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loading = false
	if err != nil {
		h.logger.Warn("history refresh failed", "err", err)
		h.conversations = nil
		h.hasMore = false
		return fmt.Errorf("session: refresh history: %w", err)
	}
	h.conversations = page.Conversations
	h.hasMore = page.HasMore
	return nil
}

// Conversations returns a copy of the held summaries, newest first.
func (h *History) Conversations() []domain.Conversation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.Conversation, len(h.conversations))
	copy(out, h.conversations)
	return out
}

// Find returns the held conversation with id.
func (h *History) Find(id string) (domain.Conversation, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Conversation{}, false
}

func (h *History) Loading() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loading
}

func (h *History) HasMore() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasMore
}

// Delete removes a conversation through the API and then refreshes.
func (h *History) Delete(ctx context.Context, id string) error {
	n, err := h.api.DeleteConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("session: delete conversation %s: %w", id, err)
	}
	h.logger.Info("conversation deleted", "conversation_id", id, "completions", n)
	return h.Refresh(ctx)
}

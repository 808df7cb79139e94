package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"kitty-chat/internal/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100

	deletePageSize = 100
	maxDeletePages = 10
)

// CompletionStore is the provider surface the chat service depends on.
type CompletionStore interface {
	MessageLister
	CreateCompletion(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
	ListCompletions(ctx context.Context, q domain.ListQuery) (domain.CompletionPage, error)
	DeleteCompletion(ctx context.Context, completionID string) error
}

// HistoryCache stores reconciled pages under a generation counter. Bumping the
// generation makes every earlier page unreachable.
type HistoryCache interface {
	Generation(ctx context.Context) (int64, error)
	GetPage(ctx context.Context, generation int64, q domain.ListQuery) (domain.HistoryPage, bool, error)
	PutPage(ctx context.Context, generation int64, q domain.ListQuery, page domain.HistoryPage) error
	Invalidate(ctx context.Context) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatService struct {
	store      CompletionStore
	cache      HistoryCache
	reconciler *Reconciler
	deleteConc int
	logger     *slog.Logger
}

type SendInput struct {
	Messages       []domain.ChatMessage
	ConversationID string
	Model          string
}

type SendOutput struct {
	Message                string
	CompletionID           string
	IsContinuation         bool
	OriginalConversationID string
	ModelUsed              string
}

// NewChatService wires the provider store and an optional history cache.
// A nil cache disables caching.
func NewChatService(store CompletionStore, cache HistoryCache, fetchConcurrency int, logger *slog.Logger) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: completion store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if fetchConcurrency <= 0 {
		fetchConcurrency = defaultFetchConcurrency
	}
	return &ChatService{
		store:      store,
		cache:      cache,
		reconciler: NewReconciler(store, fetchConcurrency, logger),
		deleteConc: fetchConcurrency,
		logger:     logger.With("component", "chat_service"),
	}, nil
}

// Send stores one exchange. A non-empty conversation id tags the completion as
// a continuation of that conversation.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	if in.Messages == nil {
		return SendOutput{}, newError(ErrorInvalidInput, "messages_required", nil)
	}
	if len(in.Messages) == 0 {
		return SendOutput{}, newError(ErrorInvalidInput, "messages_empty", nil)
	}
	for _, m := range in.Messages {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		default:
			return SendOutput{}, newError(ErrorInvalidInput, "invalid_role", nil)
		}
	}

	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = domain.DefaultModel
	}
	convID := strings.TrimSpace(in.ConversationID)

	completion, err := s.store.CreateCompletion(ctx, domain.CompletionRequest{
		Model:    model,
		Messages: in.Messages,
		Metadata: conversationMetadata(convID),
	})
	if err != nil {
		return SendOutput{}, newError(ErrorUpstream, upstreamReason("create_completion", err), err)
	}
	s.invalidate(ctx)

	return SendOutput{
		Message:                completion.Reply,
		CompletionID:           completion.ID,
		IsContinuation:         convID != "",
		OriginalConversationID: convID,
		ModelUsed:              model,
	}, nil
}

func conversationMetadata(convID string) map[string]string {
	if convID == "" {
		return map[string]string{domain.MetaNewConversation: "true"}
	}
	return map[string]string{
		domain.MetaContinuingConversation: "true",
		domain.MetaOriginalConversationID: convID,
	}
}

// NormalizeListQuery applies the history defaults: limit 50 clamped to 100 and
// descending order unless ascending was asked for.
func NormalizeListQuery(q domain.ListQuery) domain.ListQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Order != domain.OrderAsc {
		q.Order = domain.OrderDesc
	}
	q.After = strings.TrimSpace(q.After)
	return q
}

// History returns one page of reconciled conversations.
func (s *ChatService) History(ctx context.Context, q domain.ListQuery) (domain.HistoryPage, error) {
	q = NormalizeListQuery(q)

	gen, cached := s.cachedPage(ctx, q)
	if cached != nil {
		return *cached, nil
	}

	page, err := s.store.ListCompletions(ctx, q)
	if err != nil {
		return domain.HistoryPage{}, newError(ErrorUpstream, upstreamReason("list_completions", err), err)
	}
	rec, err := s.reconciler.Reconcile(ctx, page)
	if err != nil {
		return domain.HistoryPage{}, newError(ErrorInternal, "reconcile_canceled", err)
	}
	if len(rec.Skipped) > 0 {
		s.logger.Warn("history page reconciled with skipped completions", "skipped", len(rec.Skipped), "total", len(page.Data))
	}

	out := domain.HistoryPage{Conversations: rec.Conversations, HasMore: rec.HasMore}
	if gen >= 0 && len(rec.Skipped) == 0 {
		if err := s.cache.PutPage(ctx, gen, q, out); err != nil {
			s.logger.Warn("history cache write failed", "err", err)
		}
	}
	return out, nil
}

// cachedPage returns the generation to write under (-1 when caching is off)
// and the cached page on a hit.
func (s *ChatService) cachedPage(ctx context.Context, q domain.ListQuery) (int64, *domain.HistoryPage) {
	if s.cache == nil {
		return -1, nil
	}
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.logger.Warn("history cache generation read failed", "err", err)
		return -1, nil
	}
	page, ok, err := s.cache.GetPage(ctx, gen, q)
	if err != nil {
		s.logger.Warn("history cache read failed", "err", err)
		return gen, nil
	}
	if !ok {
		return gen, nil
	}
	return gen, &page
}

// DeleteConversation deletes every recent completion whose own id or tagged
// conversation id equals id. Completions grouped only by content are not
// matched.
func (s *ChatService) DeleteConversation(ctx context.Context, id string) (int, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, newError(ErrorInvalidInput, "conversation_id_required", nil)
	}

	targets, err := s.matchingCompletions(ctx, id)
	if err != nil {
		return 0, newError(ErrorUpstream, upstreamReason("list_completions", err), err)
	}

	// Every target gets its delete call; one failure does not cancel the rest.
	var g errgroup.Group
	g.SetLimit(s.deleteConc)
	for _, cid := range targets {
		cid := cid
		g.Go(func() error {
			if err := s.store.DeleteCompletion(ctx, cid); err != nil {
				return fmt.Errorf("delete %s: %w", cid, err)
			}
			return nil
		})
	}
	err = g.Wait()
	// Some deletes may have landed even when one failed.
	if len(targets) > 0 {
		s.invalidate(ctx)
	}
	if err != nil {
		return 0, newError(ErrorUpstream, upstreamReason("delete_completion", err), err)
	}
	return len(targets), nil
}

func (s *ChatService) matchingCompletions(ctx context.Context, id string) ([]string, error) {
	var (
		targets []string
		after   string
	)
	for i := 0; i < maxDeletePages; i++ {
		page, err := s.store.ListCompletions(ctx, domain.ListQuery{
			Limit: deletePageSize,
			Order: domain.OrderDesc,
			After: after,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range page.Data {
			if c.ID == id || c.OriginalConversationID() == id {
				targets = append(targets, c.ID)
			}
		}
		if !page.HasMore || page.LastID == "" {
			return targets, nil
		}
		after = page.LastID
	}
	s.logger.Info("delete scan stopped at page budget", "conversation_id", id, "pages", maxDeletePages)
	return targets, nil
}

func (s *ChatService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("history cache invalidation failed", "err", err)
	}
}

// upstreamReason tags provider failures with their HTTP status when known.
func upstreamReason(op string, err error) string {
	if status, ok := upstreamStatusCode(err); ok {
		return fmt.Sprintf("openai_%s_status_%d", op, status)
	}
	return "openai_" + op + "_error"
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

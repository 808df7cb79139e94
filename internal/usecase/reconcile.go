package usecase

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"kitty-chat/internal/domain"
)

const (
	titleMaxRunes   = 30
	previewMaxRunes = 50
	untitledChat    = "Untitled Chat"
	noContent       = "No content"
	ellipsis        = "..."

	defaultFetchConcurrency = 8
)

// MessageLister fetches the stored prompt messages of one completion.
type MessageLister interface {
	ListMessages(ctx context.Context, completionID string) ([]domain.ChatMessage, error)
}

// Reconciliation is the result of grouping one completion page.
type Reconciliation struct {
	Conversations []domain.Conversation
	HasMore       bool
	// Keys maps every merged completion id to its conversation key.
	Keys map[string]string
	// Skipped lists completions whose messages could not be fetched.
	Skipped []string
}

// Reconciler rebuilds conversations from independently stored completions.
type Reconciler struct {
	messages    MessageLister
	concurrency int
	logger      *slog.Logger
}

// NewReconciler returns a Reconciler fetching message lists with at most
// concurrency requests in flight.
func NewReconciler(messages MessageLister, concurrency int, logger *slog.Logger) *Reconciler {
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		messages:    messages,
		concurrency: concurrency,
		logger:      logger.With("component", "reconciler"),
	}
}

type fetched struct {
	completion domain.Completion
	messages   []domain.ChatMessage
	err        error
}

// Reconcile fetches the message list of every completion in page and merges
// them into conversations. A completion whose messages cannot be fetched is
// skipped. The only error returned is the context's.
func (r *Reconciler) Reconcile(ctx context.Context, page domain.CompletionPage) (Reconciliation, error) {
	results := make([]fetched, len(page.Data))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, c := range page.Data {
		i, c := i, c
		results[i].completion = c
		g.Go(func() error {
			msgs, err := r.messages.ListMessages(ctx, c.ID)
			results[i].messages, results[i].err = msgs, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Reconciliation{}, err
	}

	// Merge oldest first so the completion that opened a conversation builds
	// its aggregate; ties keep provider order.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].completion.Created < results[j].completion.Created
	})

	m := newMerger()
	var skipped []string
	for _, res := range results {
		if res.err != nil {
			r.logger.Warn("skipping completion", "completion_id", res.completion.ID, "err", res.err)
			skipped = append(skipped, res.completion.ID)
			continue
		}
		m.merge(res.completion, res.messages)
	}

	return Reconciliation{
		Conversations: m.conversations(),
		HasMore:       page.HasMore,
		Keys:          m.keys,
		Skipped:       skipped,
	}, nil
}

// aggregate is a conversation under construction.
type aggregate struct {
	conv    domain.Conversation
	created int64
	seen    map[domain.ChatMessage]struct{}
	ids     map[string]struct{}
}

// merger groups completions into aggregates in a single sequential pass.
type merger struct {
	order []*aggregate
	byKey map[string]*aggregate
	keys  map[string]string
}

func newMerger() *merger {
	return &merger{
		byKey: make(map[string]*aggregate),
		keys:  make(map[string]string),
	}
}

// conversationKey resolves the grouping key: tagged metadata first, then the
// completion's own id, then an earlier aggregate opened by the same first
// user message.
func (m *merger) conversationKey(c domain.Completion, msgs []domain.ChatMessage) string {
	key := c.ID
	if id := c.OriginalConversationID(); id != "" {
		key = id
	}
	if key != c.ID || len(msgs) == 0 {
		return key
	}
	first := domain.FirstUserContent(msgs)
	if first == "" {
		return key
	}
	for _, agg := range m.order {
		if domain.FirstUserContent(agg.conv.Messages) == first {
			return agg.conv.ID
		}
	}
	return key
}

func (m *merger) merge(c domain.Completion, msgs []domain.ChatMessage) {
	key := m.conversationKey(c, msgs)
	m.keys[c.ID] = key

	agg, ok := m.byKey[key]
	if !ok {
		agg = &aggregate{
			conv: domain.Conversation{
				ID:       key,
				Messages: []domain.ChatMessage{},
			},
			created: c.Created,
			seen:    make(map[domain.ChatMessage]struct{}),
			ids:     make(map[string]struct{}),
		}
		m.byKey[key] = agg
		m.order = append(m.order, agg)
	}

	candidates := make([]domain.ChatMessage, 0, len(msgs)+1)
	candidates = append(candidates, msgs...)
	candidates = append(candidates, domain.ChatMessage{Role: domain.RoleAssistant, Content: c.Reply})
	for _, msg := range candidates {
		if _, dup := agg.seen[msg]; dup {
			continue
		}
		agg.seen[msg] = struct{}{}
		agg.conv.Messages = append(agg.conv.Messages, msg)
	}

	agg.conv.Preview = truncateOr(c.Reply, previewMaxRunes, noContent)
	if c.Created > agg.created {
		agg.created = c.Created
	}
	if _, dup := agg.ids[c.ID]; !dup {
		agg.ids[c.ID] = struct{}{}
		agg.conv.CompletionIDs = append(agg.conv.CompletionIDs, c.ID)
	}
}

// conversations returns the finished aggregates, newest first.
func (m *merger) conversations() []domain.Conversation {
	sorted := make([]*aggregate, len(m.order))
	copy(sorted, m.order)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].created > sorted[j].created
	})

	out := make([]domain.Conversation, 0, len(sorted))
	for _, agg := range sorted {
		conv := agg.conv
		conv.Title = truncateOr(domain.FirstUserContent(conv.Messages), titleMaxRunes, untitledChat)
		conv.Timestamp = time.Unix(agg.created, 0).UTC()
		out = append(out, conv)
	}
	return out
}

// truncateOr shortens s to max runes plus an ellipsis, or returns fallback
// when s is empty.
func truncateOr(s string, max int, fallback string) string {
	if s == "" {
		return fallback
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + ellipsis
}

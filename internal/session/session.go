// Package session holds the client-side state of one chat: the transcript,
// the active conversation id and the in-flight send guard.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kitty-chat/internal/domain"
	"kitty-chat/internal/integrations/chatapi"
)

// SendFailedText is the recoverable error shown after a failed send.
const SendFailedText = "Failed to get response. Please try again."

const defaultRefreshDelay = time.Second

var (
	ErrEmptyMessage  = errors.New("session: message is empty")
	ErrSendInFlight  = errors.New("session: a message is already being sent")
	ErrNothingToRedo = errors.New("session: no user message to regenerate")

	// ErrStale is returned when the session was reset while a send was in
	// flight; the reply is discarded.
	ErrStale = errors.New("session: conversation changed during send")
)

type State int

const (
	StateIdle State = iota
	StateFresh
	StateActiveNew
	StateActiveContinuing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFresh:
		return "fresh"
	case StateActiveNew:
		return "active_new"
	case StateActiveContinuing:
		return "active_continuing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender posts a transcript to the chat API.
type Sender interface {
	Send(ctx context.Context, in chatapi.SendRequest) (chatapi.SendResponse, error)
}

// Refresher is notified after the first reply of a new conversation.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Session struct {
	api          Sender
	history      Refresher
	logger       *slog.Logger
	refreshDelay time.Duration
	afterFunc    func(time.Duration, func())

	mu             sync.Mutex
	state          State
	messages       []domain.ChatMessage
	conversationID string
	model          string
	sending        bool
	errText        string
	epoch          uint64
}

type Option func(*Session)

// WithRefreshDelay sets how long after the first reply the history is
// refreshed.
func WithRefreshDelay(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.refreshDelay = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an idle session. history may be nil.
func New(api Sender, history Refresher, opts ...Option) (*Session, error) {
	if api == nil {
		return nil, errors.New("session: sender must not be nil")
	}
	s := &Session{
		api:          api,
		history:      history,
		logger:       slog.Default(),
		refreshDelay: defaultRefreshDelay,
		afterFunc:    func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		model:        domain.DefaultModel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s, nil
}

// CreateNewChat starts an empty conversation.
func (s *Session) CreateNewChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.state = StateFresh
}

// LoadChat replaces the transcript with a stored conversation.
func (s *Session) LoadChat(messages []domain.ChatMessage, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.messages = append([]domain.ChatMessage(nil), messages...)
	s.conversationID = strings.TrimSpace(conversationID)
	if s.conversationID == "" {
		s.state = StateActiveNew
		return
	}
	s.state = StateActiveContinuing
}

// reset clears the conversation. A pending send keeps the guard closed until
// it returns. Callers hold mu.
func (s *Session) reset() {
	s.messages = nil
	s.conversationID = ""
	s.errText = ""
	s.epoch++
}

// Send appends text as a user turn and posts the whole transcript. The user
// turn stays in the transcript when the send fails.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.sending = true
	s.errText = ""
	isNew := len(s.messages) == 0 && s.conversationID == ""
	s.messages = append(s.messages, domain.ChatMessage{Role: domain.RoleUser, Content: text})
	if s.conversationID == "" {
		s.state = StateActiveNew
	}
	req := chatapi.SendRequest{
		Messages:       append([]domain.ChatMessage(nil), s.messages...),
		ConversationID: s.conversationID,
		Model:          s.model,
	}
	epoch := s.epoch
	s.mu.Unlock()

	resp, err := s.api.Send(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
	if epoch != s.epoch {
		s.logger.Info("dropping reply for abandoned conversation")
		return ErrStale
	}
	if err != nil {
		s.errText = SendFailedText
		s.logger.Warn("send failed", "conversation_id", req.ConversationID, "err", err)
		return fmt.Errorf("session: send: %w", err)
	}

	s.messages = append(s.messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: resp.Message})
	if s.conversationID == "" {
		s.conversationID = resp.CompletionID
	}
	s.state = StateActiveContinuing
	if isNew && s.history != nil {
		s.scheduleRefresh()
	}
	return nil
}

func (s *Session) scheduleRefresh() {
	history, logger := s.history, s.logger
	s.afterFunc(s.refreshDelay, func() {
		if err := history.Refresh(context.Background()); err != nil {
			logger.Warn("scheduled history refresh failed", "err", err)
		}
	})
}

// Regenerate sends the most recent user message again as a new turn.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	last := ""
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == domain.RoleUser {
			last = s.messages[i].Content
			break
		}
	}
	s.mu.Unlock()
	if last == "" {
		return ErrNothingToRedo
	}
	return s.Send(ctx, last)
}

// Deleter removes a conversation and refreshes the summaries.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// DeleteChat deletes a conversation and starts a new chat when it was the
// active one.
func (s *Session) DeleteChat(ctx context.Context, history Deleter, id string) error {
	if err := history.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID != "" && s.conversationID == id {
		s.reset()
		s.state = StateFresh
	}
	return nil
}

func (s *Session) SetModel(model string) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = domain.DefaultModel
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.messages...)
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// Err returns the recoverable error text of the last send, or "".
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errText
}

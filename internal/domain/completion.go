package domain

// Metadata keys attached to stored completions to group them into conversations.
const (
	MetaOriginalConversationID = "original_conversation_id"
	MetaContinuingConversation = "continuing_conversation"
	MetaNewConversation        = "new_conversation"
)

// Completion is one stored prompt+reply exchange as returned by the provider.
type Completion struct {
	ID       string
	Created  int64
	Model    string
	Reply    string
	Metadata map[string]string
}

// OriginalConversationID returns the grouping id carried in metadata, if any.
func (c Completion) OriginalConversationID() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[MetaOriginalConversationID]
}

// CompletionPage is one page of stored completions.
type CompletionPage struct {
	Data    []Completion
	HasMore bool
	LastID  string
}

// CompletionRequest carries everything needed to store one exchange.
type CompletionRequest struct {
	Model    string
	Messages []ChatMessage
	Metadata map[string]string
}

// Sort orders accepted by the provider's list endpoint.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// ListQuery selects one page of stored completions.
type ListQuery struct {
	Limit int
	Order string
	After string
}

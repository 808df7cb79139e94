package domain

import "time"

// Conversation is the reconciled view of every completion belonging to one
// logical conversation. It is rebuilt from scratch on every history load.
type Conversation struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Preview       string        `json:"preview"`
	Timestamp     time.Time     `json:"timestamp"`
	Messages      []ChatMessage `json:"messages"`
	CompletionIDs []string      `json:"completionIds"`
}

// HistoryPage is the reconciled result of one completion page.
type HistoryPage struct {
	Conversations []Conversation `json:"data"`
	HasMore       bool           `json:"hasMore"`
}

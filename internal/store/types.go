package store

import "context"

// Roles for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message exchanged in a conversation. Immutable once appended;
// ordering is by append time.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Memory holds a user's persisted long-term memory, injected into the prompt
// only when the utterance asks for recall.
type Memory struct {
	LongTermSummary string   `json:"long_term_summary,omitempty"`
	RecentSummaries []string `json:"recent_summaries,omitempty"`
}

// Store persists conversation turns and memory per user.
type Store interface {
	// LoadRecentTurns returns the user's stored conversation, oldest first.
	// A user with no history gets an empty slice, not an error.
	LoadRecentTurns(ctx context.Context, userID string) ([]Turn, error)

	// PersistTurns saves the session's turn list for the user. Called once
	// per completed reply; cancelled replies never reach it.
	PersistTurns(ctx context.Context, userID, sessionID string, turns []Turn) error

	// LoadMemory returns the user's long-term memory, or nil if none exists.
	LoadMemory(ctx context.Context, userID string) (*Memory, error)
}

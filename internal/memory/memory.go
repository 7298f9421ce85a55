// Package memory provides conversation history storage for multi-turn chat sessions.
package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/knoguchi/supportrag/internal/llm"
)

// Message represents a single message in a conversation.
type Message struct {
	Role      llm.Role
	Content   string
	Timestamp time.Time
}

type conversation struct {
	messages  []Message
	createdAt time.Time
}

// Store keeps recent messages per session in memory. Sessions expire after
// ttl without new messages, and the least recently used session is evicted
// once maxSessions is reached.
type Store struct {
	mu            sync.Mutex
	conversations *expirable.LRU[string, *conversation]
	maxMessages   int
	now           func() time.Time
}

// NewStore creates a new conversation memory store.
func NewStore(maxMessages, maxSessions int, ttl time.Duration) *Store {
	return &Store{
		conversations: expirable.NewLRU[string, *conversation](maxSessions, nil, ttl),
		maxMessages:   maxMessages,
		now:           time.Now,
	}
}

// DefaultStore keeps 20 messages (10 turns) for up to 10000 sessions, each
// expiring after an hour of inactivity.
func DefaultStore() *Store {
	return NewStore(20, 10000, time.Hour)
}

// AddUserMessage adds a user message to the conversation.
func (s *Store) AddUserMessage(sessionID, content string) {
	s.addMessage(sessionID, llm.RoleUser, content)
}

// AddAssistantMessage adds an assistant message to the conversation.
func (s *Store) AddAssistantMessage(sessionID, content string) {
	s.addMessage(sessionID, llm.RoleAssistant, content)
}

func (s *Store) addMessage(sessionID string, role llm.Role, content string) {
	if sessionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv, ok := s.conversations.Get(sessionID)
	if !ok {
		conv = &conversation{createdAt: now}
	}

	conv.messages = append(conv.messages, Message{Role: role, Content: content, Timestamp: now})
	if len(conv.messages) > s.maxMessages {
		conv.messages = conv.messages[len(conv.messages)-s.maxMessages:]
	}

	// Re-adding refreshes the session's expiry.
	s.conversations.Add(sessionID, conv)
}

// History returns a copy of the conversation, or nil if the session is unknown.
func (s *Store) History(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations.Get(sessionID)
	if !ok {
		return nil
	}

	messages := make([]Message, len(conv.messages))
	copy(messages, conv.messages)
	return messages
}

// Recent returns the last n messages.
func (s *Store) Recent(sessionID string, n int) []Message {
	history := s.History(sessionID)
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// Clear removes a conversation and reports whether it existed.
func (s *Store) Clear(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations.Remove(sessionID)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return s.conversations.Len()
}

// FormatForPrompt renders history as "User:" / "Assistant:" lines.
func FormatForPrompt(messages []Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			sb.WriteString("User: " + msg.Content + "\n")
		case llm.RoleAssistant:
			sb.WriteString("Assistant: " + msg.Content + "\n")
		}
	}
	return sb.String()
}

// Package client consumes the gateway's event stream and maintains local
// conversation state for a terminal front end.
package client

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/config"
)

// ConversationMessage is one exchange entry.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation keeps a bounded rolling history of messages. When the cap is
// exceeded the oldest messages are dropped.
type Conversation struct {
	mu       sync.Mutex
	messages []ConversationMessage
	limit    int
}

// NewConversation creates a conversation bounded to the default history size.
func NewConversation() *Conversation {
	return &Conversation{limit: config.DefaultMaxHistoryMessages}
}

// Append records a message, evicting the oldest beyond the cap.
func (c *Conversation) Append(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, ConversationMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if len(c.messages) > c.limit {
		c.messages = c.messages[len(c.messages)-c.limit:]
	}
}

// Messages returns a copy of the history in order.
func (c *Conversation) Messages() []ConversationMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConversationMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Clear drops all history.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// Len returns the current message count.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// ContextPrompt folds the history into a single prompt so stateless upstreams
// see prior turns. With no history it returns the prompt unchanged.
func (c *Conversation) ContextPrompt(prompt string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range c.messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nUser: ")
	b.WriteString(prompt)
	return b.String()
}

package llm

import (
	"sync"

	"github.com/sashabaranov/go-openai"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

const DefaultHistoryLimit = 20

// Conversation keeps the most recent role-tagged messages.
type Conversation struct {
	mu       sync.Mutex
	limit    int
	messages []ports.ChatMessage
}

func NewConversation(limit int) *Conversation {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Conversation{limit: limit}
}

// Messages returns a copy, oldest first.
func (c *Conversation) Messages() []ports.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.ChatMessage(nil), c.messages...)
}

// Append records a completed exchange and trims to the limit.
func (c *Conversation) Append(turn domain.ConversationTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages,
		ports.ChatMessage{Role: openai.ChatMessageRoleUser, Content: turn.UserText},
		ports.ChatMessage{Role: openai.ChatMessageRoleAssistant, Content: turn.AssistantText},
	)
	if extra := len(c.messages) - c.limit; extra > 0 {
		c.messages = append([]ports.ChatMessage(nil), c.messages[extra:]...)
	}
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

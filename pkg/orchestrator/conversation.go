package orchestrator

import (
	"context"
	"sync"

	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
)

// Message is one settled turn of the conversation.
type Message struct {
	Role    protocol.Role `json:"role"`
	Content string        `json:"content"`
}

// History keeps the settled transcript of a session, trimmed to its most
// recent messages.
type History struct {
	mu       sync.RWMutex
	limit    int
	messages []Message
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultConfig().MaxContextMessages
	}
	return &History{limit: limit}
}

// Append records a message. Empty text is ignored.
func (h *History) Append(role protocol.Role, text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, Message{Role: role, Content: text})
	if over := len(h.messages) - h.limit; over > 0 {
		h.messages = append(h.messages[:0:0], h.messages[over:]...)
	}
}

// Messages returns a copy, oldest first.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Reset forgets every message and reports how many there were.
func (h *History) Reset() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.messages)
	h.messages = nil
	return n
}

// Conversation consumes an engine's events and records final transcripts
// in a History.
type Conversation struct {
	engine  *Engine
	history *History
}

func NewConversation(engine *Engine) *Conversation {
	return &Conversation{
		engine:  engine,
		history: NewHistory(engine.config.MaxContextMessages),
	}
}

func (c *Conversation) Engine() *Engine { return c.engine }

func (c *Conversation) History() *History { return c.history }

// Say sends user text and records it.
func (c *Conversation) Say(ctx context.Context, text string) error {
	if err := c.engine.SendText(ctx, text, protocol.RoleUser); err != nil {
		return err
	}
	c.history.Append(protocol.RoleUser, text)
	return nil
}

// Run forwards engine events to onEvent until the event channel closes or
// ctx is done. Provisional transcripts are forwarded but not recorded.
func (c *Conversation) Run(ctx context.Context, onEvent func(Event)) error {
	events := c.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if t, isTranscript := ev.Data.(Transcript); isTranscript && ev.Type == TranscriptEvent && !t.Provisional {
				c.history.Append(t.Role, t.Text)
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
}

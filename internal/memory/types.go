package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/parley/internal/agent"
)

// Status is the conversation lifecycle state. Transitions are monotonic
// except for the active/paused pair; ended and stopped are terminal.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusEnded   Status = "ended"
)

// Terminal reports whether no further lifecycle transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusEnded
}

// Message is one agent reply within a conversation. Immutable once appended.
type Message struct {
	Speaker     string    `json:"speaker"`
	Content     string    `json:"content"`
	AgentID     string    `json:"agent_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	TurnNumber  int       `json:"turn_number"`
	IsStreaming bool      `json:"is_streaming,omitempty"`
}

// Conversation is the engine-owned record of a scripted exchange. The store
// only ever persists snapshots of it; all mutation happens on the engine's
// per-conversation driver.
type Conversation struct {
	ID          string                  `json:"id"`
	Topic       string                  `json:"topic"`
	Title       string                  `json:"title,omitempty"`
	AgentIDs    []string                `json:"agent_ids"`
	MaxTurns    int                     `json:"max_turns"` // 0 = unlimited
	CurrentTurn int                     `json:"current_turn"`
	Status      Status                  `json:"status"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	EndedAt     *time.Time              `json:"ended_at,omitempty"`
	Messages    []Message               `json:"messages"`
	AgentStates map[string]*agent.State `json:"agent_states,omitempty"`
	Metadata    map[string]any          `json:"metadata,omitempty"`
}

// Unlimited reports whether the conversation has no turn cap.
func (c *Conversation) Unlimited() bool { return c.MaxTurns <= 0 }

// Clone returns a deep-enough copy safe to hand across goroutines: the
// message slice and state map are copied, message values are immutable.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if c.AgentIDs != nil {
		cp.AgentIDs = append([]string(nil), c.AgentIDs...)
	}
	if c.AgentStates != nil {
		cp.AgentStates = make(map[string]*agent.State, len(c.AgentStates))
		for k, v := range c.AgentStates {
			sv := *v
			cp.AgentStates[k] = &sv
		}
	}
	return &cp
}

// Entry is the relevance-queryable unit derived from a persisted Message.
// Never mutated after creation.
type Entry struct {
	ConversationID  string         `json:"conversation_id"`
	AgentID         string         `json:"agent_id"`
	Message         Message        `json:"message"`
	Context         map[string]any `json:"context,omitempty"`
	ImportanceScore float64        `json:"importance_score"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = fmt.Errorf("conversation not found")

// Store is the persistence contract the engine depends on. Messages for one
// conversation come back in append order; AppendMessage is at-most-once per
// call and needs no external locking because at most one turn per
// conversation is ever in flight.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	// SaveConversation persists a full snapshot (upsert).
	SaveConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	// DeleteConversation removes the conversation and cascades to its
	// messages and memory entries.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage persists one message and its derived memory entry.
	AppendMessage(ctx context.Context, conversationID string, msg Message) error
	// GetHistory returns the most recent `limit` messages in chronological
	// order (limit <= 0 means all).
	GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// GetRelevantContext returns entries ranked by the store's scorer.
	GetRelevantContext(ctx context.Context, conversationID, topic string, limit int) ([]*Entry, error)

	UpdateStatus(ctx context.Context, id string, status Status, endedAt *time.Time) error
	Close()
}

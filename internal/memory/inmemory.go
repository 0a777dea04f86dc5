package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemory is the ephemeral Store backend: plain maps behind a mutex.
// Suitable for development and tests; nothing survives a restart.
type InMemory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	entries       map[string][]*Entry
	scorer        Scorer
	logger        *zap.Logger
}

// NewInMemory creates an in-memory store.
func NewInMemory(logger *zap.Logger) *InMemory {
	return &InMemory{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		entries:       make(map[string][]*Entry),
		scorer:        DefaultScorer,
		logger:        logger,
	}
}

func (s *InMemory) CreateConversation(ctx context.Context, conv *Conversation) error {
	return s.SaveConversation(ctx, conv)
}

func (s *InMemory) SaveConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

func (s *InMemory) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (s *InMemory) ListConversations(_ context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.entries, id)
	return nil
}

func (s *InMemory) AppendMessage(_ context.Context, conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.entries[conversationID] = append(s.entries[conversationID], &Entry{
		ConversationID:  conversationID,
		AgentID:         msg.AgentID,
		Message:         msg,
		ImportanceScore: s.scorer(conv.Topic, msg.Content),
		CreatedAt:       time.Now(),
	})
	return nil
}

func (s *InMemory) GetHistory(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemory) GetRelevantContext(_ context.Context, conversationID, topic string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var relevant []*Entry
	for _, e := range s.entries[conversationID] {
		if matchesTopic(topic, e.Message.Content) {
			relevant = append(relevant, e)
		}
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		if relevant[i].ImportanceScore != relevant[j].ImportanceScore {
			return relevant[i].ImportanceScore > relevant[j].ImportanceScore
		}
		return relevant[i].CreatedAt.After(relevant[j].CreatedAt)
	})
	if limit > 0 && len(relevant) > limit {
		relevant = relevant[:limit]
	}
	return relevant, nil
}

func (s *InMemory) UpdateStatus(_ context.Context, id string, status Status, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Status = status
	conv.UpdatedAt = time.Now()
	if endedAt != nil {
		conv.EndedAt = endedAt
	}
	return nil
}

func (s *InMemory) Close() {}

package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestConversation(id, topic string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        id,
		Topic:     topic,
		AgentIDs:  []string{"luffy", "ironman"},
		MaxTurns:  4,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInMemoryConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory(zap.NewNop())

	conv := newTestConversation("conv-1", "the nature of time")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Topic != "the nature of time" {
		t.Errorf("topic = %q, want %q", got.Topic, "the nature of time")
	}

	// Mutating the returned copy must not leak into the store.
	got.Topic = "something else"
	again, _ := store.GetConversation(ctx, "conv-1")
	if again.Topic != "the nature of time" {
		t.Error("GetConversation returned a shared reference")
	}

	if _, err := store.GetConversation(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("get missing = %v, want ErrConversationNotFound", err)
	}

	if err := store.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteConversation(ctx, "conv-1"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("second delete = %v, want ErrConversationNotFound", err)
	}
}

func TestInMemoryListOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory(zap.NewNop())

	base := time.Now()
	for i := 2; i >= 0; i-- {
		conv := newTestConversation(fmt.Sprintf("conv-%d", i), "topic")
		conv.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	list, err := store.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len(list) = %d, want 3", len(list))
	}
	for i, conv := range list {
		if want := fmt.Sprintf("conv-%d", i); conv.ID != want {
			t.Errorf("list[%d].ID = %q, want %q", i, conv.ID, want)
		}
	}
}

func TestInMemoryHistory(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory(zap.NewNop())

	conv := newTestConversation("conv-1", "space exploration")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := Message{
			Speaker:    "Luffy",
			AgentID:    "luffy",
			Content:    fmt.Sprintf("message %d", i),
			TurnNumber: i,
			Timestamp:  time.Now(),
		}
		if err := store.AppendMessage(ctx, "conv-1", msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len(all) = %d, want 5", len(all))
	}

	recent, err := store.GetHistory(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].Content != "message 3" || recent[1].Content != "message 4" {
		t.Errorf("recent = [%q, %q], want the last two in order",
			recent[0].Content, recent[1].Content)
	}

	if err := store.AppendMessage(ctx, "missing", Message{}); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("append to missing = %v, want ErrConversationNotFound", err)
	}
}

func TestInMemoryRelevantContext(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory(zap.NewNop())

	conv := newTestConversation("conv-1", "pirates treasure")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	contents := []string{
		"I love the open sea",
		"The treasure is buried on the island",
		"Pirates seek treasure above all",
	}
	for i, content := range contents {
		msg := Message{AgentID: "luffy", Content: content, TurnNumber: i, Timestamp: time.Now()}
		if err := store.AppendMessage(ctx, "conv-1", msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.GetRelevantContext(ctx, "conv-1", "pirates treasure", 10)
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	// Both keywords hit in the last message, so it ranks first.
	if entries[0].Message.Content != "Pirates seek treasure above all" {
		t.Errorf("entries[0] = %q, want the double-keyword match", entries[0].Message.Content)
	}

	limited, err := store.GetRelevantContext(ctx, "conv-1", "treasure", 1)
	if err != nil {
		t.Fatalf("relevant limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestInMemoryUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory(zap.NewNop())

	conv := newTestConversation("conv-1", "topic")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	ended := time.Now()
	if err := store.UpdateStatus(ctx, "conv-1", StatusEnded, &ended); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := store.GetConversation(ctx, "conv-1")
	if got.Status != StatusEnded {
		t.Errorf("status = %q, want ended", got.Status)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", got.EndedAt, ended)
	}

	if err := store.UpdateStatus(ctx, "missing", StatusActive, nil); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("update missing = %v, want ErrConversationNotFound", err)
	}
}

func TestDefaultScorer(t *testing.T) {
	cases := []struct {
		topic, content string
		want           float64
	}{
		{"", "anything", 0.5},
		{"pirates", "no match here", 0.5},
		{"pirates", "pirates ahoy", 1.0},
		{"pirates treasure", "only pirates here", 0.75},
	}
	for _, tc := range cases {
		if got := DefaultScorer(tc.topic, tc.content); got != tc.want {
			t.Errorf("DefaultScorer(%q, %q) = %v, want %v", tc.topic, tc.content, got, tc.want)
		}
	}
}

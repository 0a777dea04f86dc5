package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/parley/internal/memory"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testPGStore, err = memory.NewPostgres(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testPGStore.Close()

	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	testRedis, err = memory.NewRedis(ctx, testRedisURL, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis store: %v\n", err)
		os.Exit(1)
	}
	defer testRedis.Close()

	os.Exit(m.Run())
}

// TestStoreConformance runs the same contract checks against both durable
// backends.
func TestStoreConformance(t *testing.T) {
	backends := map[string]memory.Store{
		"postgres": testPGStore,
		"redis":    testRedis,
	}

	for name, store := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("ConversationRoundTrip", func(t *testing.T) {
				conversationRoundTrip(t, store, name+"-rt")
			})
			t.Run("HistoryOrdering", func(t *testing.T) {
				historyOrdering(t, store, name+"-hist")
			})
			t.Run("RelevantContext", func(t *testing.T) {
				relevantContext(t, store, name+"-ctx")
			})
			t.Run("CascadingDelete", func(t *testing.T) {
				cascadingDelete(t, store, name+"-del")
			})
			t.Run("StatusUpdate", func(t *testing.T) {
				statusUpdate(t, store, name+"-status")
			})
		})
	}
}

func conversationRoundTrip(t *testing.T, store memory.Store, id string) {
	ctx := context.Background()

	conv := newConversation(id, "the ethics of automation")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Topic != conv.Topic {
		t.Errorf("topic = %q, want %q", got.Topic, conv.Topic)
	}
	if len(got.AgentIDs) != 2 || got.AgentIDs[0] != "sage" {
		t.Errorf("agent_ids = %v, want [sage nova]", got.AgentIDs)
	}
	if got.Status != memory.StatusIdle {
		t.Errorf("status = %q, want idle", got.Status)
	}

	// Snapshot upsert replaces the stored record.
	conv.CurrentTurn = 3
	conv.Status = memory.StatusActive
	if err := store.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if got.CurrentTurn != 3 || got.Status != memory.StatusActive {
		t.Errorf("snapshot = turn %d status %q, want 3/active", got.CurrentTurn, got.Status)
	}

	if _, err := store.GetConversation(ctx, "no-such-id"); !errors.Is(err, memory.ErrConversationNotFound) {
		t.Errorf("get missing = %v, want ErrConversationNotFound", err)
	}
}

func historyOrdering(t *testing.T, store memory.Store, id string) {
	ctx := context.Background()

	if err := store.CreateConversation(ctx, newConversation(id, "ordering")); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 6; i++ {
		msg := memory.Message{
			Speaker:    "Sage",
			AgentID:    "sage",
			Content:    fmt.Sprintf("turn %d", i),
			TurnNumber: i,
			Timestamp:  time.Now().UTC(),
		}
		if err := store.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := store.GetHistory(ctx, id, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("len(all) = %d, want 6", len(all))
	}
	for i, msg := range all {
		if msg.TurnNumber != i {
			t.Errorf("all[%d].turn_number = %d, want %d (append order)", i, msg.TurnNumber, i)
		}
	}

	recent, err := store.GetHistory(ctx, id, 3)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	for i, msg := range recent {
		if want := i + 3; msg.TurnNumber != want {
			t.Errorf("recent[%d].turn_number = %d, want %d", i, msg.TurnNumber, want)
		}
	}
}

func relevantContext(t *testing.T, store memory.Store, id string) {
	ctx := context.Background()

	if err := store.CreateConversation(ctx, newConversation(id, "ocean currents")); err != nil {
		t.Fatalf("create: %v", err)
	}
	contents := []string{
		"the desert is dry",
		"ocean temperatures keep rising",
		"ocean currents move heat between ocean basins",
	}
	for i, content := range contents {
		msg := memory.Message{
			Speaker: "Nova", AgentID: "nova", Content: content,
			TurnNumber: i, Timestamp: time.Now().UTC(),
		}
		if err := store.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.GetRelevantContext(ctx, id, "ocean currents", 5)
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 keyword matches", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ImportanceScore > entries[i-1].ImportanceScore {
			t.Errorf("entries not ranked by importance: [%d]=%f > [%d]=%f",
				i, entries[i].ImportanceScore, i-1, entries[i-1].ImportanceScore)
		}
	}
}

func cascadingDelete(t *testing.T, store memory.Store, id string) {
	ctx := context.Background()

	if err := store.CreateConversation(ctx, newConversation(id, "cleanup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	msg := memory.Message{
		Speaker: "Sage", AgentID: "sage", Content: "to be removed",
		Timestamp: time.Now().UTC(),
	}
	if err := store.AppendMessage(ctx, id, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.DeleteConversation(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetConversation(ctx, id); !errors.Is(err, memory.ErrConversationNotFound) {
		t.Errorf("get deleted = %v, want ErrConversationNotFound", err)
	}
	history, err := store.GetHistory(ctx, id, 0)
	if err != nil {
		t.Fatalf("history after delete: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history survived deletion: %d messages", len(history))
	}
	if err := store.DeleteConversation(ctx, id); !errors.Is(err, memory.ErrConversationNotFound) {
		t.Errorf("second delete = %v, want ErrConversationNotFound", err)
	}
}

func statusUpdate(t *testing.T, store memory.Store, id string) {
	ctx := context.Background()

	if err := store.CreateConversation(ctx, newConversation(id, "lifecycle")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateStatus(ctx, id, memory.StatusActive, nil); err != nil {
		t.Fatalf("update active: %v", err)
	}

	ended := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.UpdateStatus(ctx, id, memory.StatusEnded, &ended); err != nil {
		t.Fatalf("update ended: %v", err)
	}

	got, err := store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != memory.StatusEnded {
		t.Errorf("status = %q, want ended", got.Status)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", got.EndedAt, ended)
	}
}

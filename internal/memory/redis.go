package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	convKeyPrefix    = "parley:conv:"
	msgsKeyPrefix    = "parley:msgs:"
	entriesKeyPrefix = "parley:entries:"
	convIndexKey     = "parley:conversations"
)

// Redis is the Store backend on go-redis: one JSON snapshot per conversation,
// plus per-conversation lists for messages and derived entries, plus a set
// indexing all conversation ids for listing.
type Redis struct {
	client *redis.Client
	scorer Scorer
	logger *zap.Logger
}

// NewRedis connects to redis at the given URL and pings it before returning.
func NewRedis(ctx context.Context, url string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", opts.Addr))
	return &Redis{client: client, scorer: DefaultScorer, logger: logger}, nil
}

func convKey(id string) string    { return convKeyPrefix + id }
func msgsKey(id string) string    { return msgsKeyPrefix + id }
func entriesKey(id string) string { return entriesKeyPrefix + id }

func (s *Redis) CreateConversation(ctx context.Context, conv *Conversation) error {
	return s.SaveConversation(ctx, conv)
}

func (s *Redis) SaveConversation(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, convKey(conv.ID), data, 0)
	pipe.SAdd(ctx, convIndexKey, conv.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Redis) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	data, err := s.client.Get(ctx, convKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *Redis) ListConversations(ctx context.Context) ([]*Conversation, error) {
	ids, err := s.client.SMembers(ctx, convIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversation ids: %w", err)
	}
	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err == ErrConversationNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Redis) DeleteConversation(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, convKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return ErrConversationNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, convKey(id), msgsKey(id), entriesKey(id))
	pipe.SRem(ctx, convIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *Redis) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	entry := &Entry{
		ConversationID:  conversationID,
		AgentID:         msg.AgentID,
		Message:         msg,
		ImportanceScore: s.scorer(conv.Topic, msg.Content),
		CreatedAt:       time.Now(),
	}
	entryData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, msgsKey(conversationID), msgData)
	pipe.RPush(ctx, entriesKey(conversationID), entryData)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Redis) GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, msgsKey(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *Redis) GetRelevantContext(ctx context.Context, conversationID, topic string, limit int) ([]*Entry, error) {
	raw, err := s.client.LRange(ctx, entriesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}

	var relevant []*Entry
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		if matchesTopic(topic, entry.Message.Content) {
			relevant = append(relevant, &entry)
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

func (s *Redis) UpdateStatus(ctx context.Context, id string, status Status, endedAt *time.Time) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	conv.Status = status
	conv.UpdatedAt = time.Now()
	if endedAt != nil {
		conv.EndedAt = endedAt
	}
	return s.SaveConversation(ctx, conv)
}

func (s *Redis) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("closing redis client", zap.Error(err))
	}
}

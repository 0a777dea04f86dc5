package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres is the durable Store backend on a pgx connection pool. The
// conversation snapshot lives as jsonb; messages and memory entries are rows
// with cascading foreign keys so DeleteConversation is a single statement.
type Postgres struct {
	db     *pgxpool.Pool
	scorer Scorer
	logger *zap.Logger
}

// NewPostgres connects to PostgreSQL and pings it before returning.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, scorer: DefaultScorer, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

func (s *Postgres) CreateConversation(ctx context.Context, conv *Conversation) error {
	return s.SaveConversation(ctx, conv)
}

func (s *Postgres) SaveConversation(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO conversations (id, topic, status, created_at, updated_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET topic = $2, status = $3, updated_at = $5, snapshot = $6`,
		conv.ID, conv.Topic, string(conv.Status), conv.CreatedAt, conv.UpdatedAt, data,
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Postgres) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT snapshot FROM conversations WHERE id = $1`, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *Postgres) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT snapshot FROM conversations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("unmarshal conversation: %w", err)
		}
		out = append(out, &conv)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *Postgres) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (conversation_id, speaker, agent_id, content, turn_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conversationID, msg.Speaker, msg.AgentID, msg.Content, msg.TurnNumber, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_entries (conversation_id, agent_id, content, turn_number, importance_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conversationID, msg.AgentID, msg.Content, msg.TurnNumber,
		s.scorer(conv.Topic, msg.Content), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("append memory entry: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `
		SELECT speaker, agent_id, content, turn_number, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		// Last N in order: take the newest N descending, then flip.
		query = `
			SELECT speaker, agent_id, content, turn_number, created_at FROM (
				SELECT seq, speaker, agent_id, content, turn_number, created_at
				FROM messages
				WHERE conversation_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) recent ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Speaker, &msg.AgentID, &msg.Content, &msg.TurnNumber, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *Postgres) GetRelevantContext(ctx context.Context, conversationID, topic string, limit int) ([]*Entry, error) {
	keywords := strings.Fields(strings.ToLower(topic))
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// Match any topic keyword with ILIKE, rank by stored importance.
	var conds []string
	args := []any{conversationID}
	for _, kw := range keywords {
		args = append(args, "%"+kw+"%")
		conds = append(conds, fmt.Sprintf("content ILIKE $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT agent_id, content, turn_number, importance_score, created_at
		FROM memory_entries
		WHERE conversation_id = $1 AND (%s)
		ORDER BY importance_score DESC, created_at DESC
		LIMIT $%d`, strings.Join(conds, " OR "), len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get relevant context: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{ConversationID: conversationID}
		if err := rows.Scan(&entry.AgentID, &entry.Message.Content, &entry.Message.TurnNumber,
			&entry.ImportanceScore, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		entry.Message.AgentID = entry.AgentID
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Postgres) UpdateStatus(ctx context.Context, id string, status Status, endedAt *time.Time) error {
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

func (s *Postgres) Close() {
	s.db.Close()
}

// Package memory persists conversations and messages in SQLite.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inboxbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MessageStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.MessageStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg domain.Message) (bool, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
		 (channel, sender_id, mid, direction, type, text, processed, intent, latency_ms, is_delivered, is_read, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.Key.Channel), msg.Key.SenderID, nullable(msg.MID), string(msg.Direction), string(msg.Type),
		msg.Text, boolInt(msg.Processed), string(msg.Intent), msg.LatencyMs,
		boolInt(msg.Delivered), boolInt(msg.Read), millis(msg.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const messageColumns = `id, channel, sender_id, COALESCE(mid, ''), direction, type, text,
	processed, intent, latency_ms, is_delivered, is_read, created_at_ms`

func (s *SQLiteStore) RecentMessages(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel = ? AND sender_id = ?
		 ORDER BY created_at_ms DESC, id DESC LIMIT ?`,
		string(key.Channel), key.SenderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m                          domain.Message
			ch, dir, typ, intent       string
			processed, delivered, read int
			created                    int64
		)
		if err := rows.Scan(&m.ID, &ch, &m.Key.SenderID, &m.MID, &dir, &typ, &m.Text,
			&processed, &intent, &m.LatencyMs, &delivered, &read, &created); err != nil {
			return nil, err
		}
		m.Key.Channel = domain.Channel(ch)
		m.Direction = domain.Direction(dir)
		m.Type = domain.MessageType(typ)
		m.Intent = domain.Intent(intent)
		m.Processed = processed != 0
		m.Delivered = delivered != 0
		m.Read = read != 0
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const conversationColumns = `channel, sender_id, state, message_count, last_activity_ms,
	last_user_message, last_reply, name, email, business_type, created_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*domain.Conversation, error) {
	var (
		c               domain.Conversation
		ch, state       string
		last, createdAt int64
	)
	if err := r.Scan(&ch, &c.Key.SenderID, &state, &c.MessageCount, &last,
		&c.LastUserMessage, &c.LastReply, &c.Info.Name, &c.Info.Email, &c.Info.BusinessType, &createdAt); err != nil {
		return nil, err
	}
	c.Key.Channel = domain.Channel(ch)
	c.State = domain.State(state)
	c.LastActivity = fromMillis(last)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// GetConversation returns nil, nil when the conversation does not exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, key domain.ConversationKey) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel = ? AND sender_id = ?`,
		string(key.Channel), key.SenderID,
	)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv domain.Conversation) error {
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = now
	}
	if conv.State == "" {
		conv.State = domain.StateInitial
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, sender_id) DO UPDATE SET
			state = excluded.state,
			message_count = excluded.message_count,
			last_activity_ms = excluded.last_activity_ms,
			last_user_message = excluded.last_user_message,
			last_reply = excluded.last_reply,
			name = excluded.name,
			email = excluded.email,
			business_type = excluded.business_type`,
		string(conv.Key.Channel), conv.Key.SenderID, string(conv.State), conv.MessageCount,
		millis(conv.LastActivity), conv.LastUserMessage, conv.LastReply,
		conv.Info.Name, conv.Info.Email, conv.Info.BusinessType, millis(conv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY last_activity_ms DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, key domain.ConversationKey, upTo time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET processed = 1
		 WHERE channel = ? AND sender_id = ? AND direction = ? AND processed = 0 AND created_at_ms <= ?`,
		string(key.Channel), key.SenderID, string(domain.DirectionInbound), upTo.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return res.RowsAffected()
}

// MarkDelivered flags outbound messages as delivered, either by mid or by
// everything sent at or before watermark.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, key domain.ConversationKey, mids []string, watermark time.Time) (int64, error) {
	var total int64
	if len(mids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(mids)), ",")
		args := make([]any, 0, len(mids)+1)
		args = append(args, string(domain.DirectionOutbound))
		for _, m := range mids {
			args = append(args, m)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET is_delivered = 1
			 WHERE direction = ? AND is_delivered = 0 AND mid IN (`+placeholders+`)`, args...)
		if err != nil {
			return 0, fmt.Errorf("mark delivered: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if !watermark.IsZero() {
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET is_delivered = 1
			 WHERE channel = ? AND sender_id = ? AND direction = ? AND is_delivered = 0 AND created_at_ms <= ?`,
			string(key.Channel), key.SenderID, string(domain.DirectionOutbound), millis(watermark))
		if err != nil {
			return 0, fmt.Errorf("mark delivered: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// MarkRead flags outbound messages sent at or before watermark as read.
// A read message is also delivered.
func (s *SQLiteStore) MarkRead(ctx context.Context, key domain.ConversationKey, watermark time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, is_delivered = 1
		 WHERE channel = ? AND sender_id = ? AND direction = ? AND is_read = 0 AND created_at_ms <= ?`,
		string(key.Channel), key.SenderID, string(domain.DirectionOutbound), millis(watermark))
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

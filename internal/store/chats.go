package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/soyeahso/seekchat/internal/domain"
)

// ChatStore persists conversations and their ordered messages. Every
// operation is scoped to the owning user.
type ChatStore struct {
	db *DB
}

// NewChatStore creates a conversation store using the given database.
func NewChatStore(db *DB) *ChatStore {
	return &ChatStore{db: db}
}

type chatRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Title     string `db:"title"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r chatRow) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

type messageRow struct {
	ID        string `db:"id"`
	Role      string `db:"role"`
	Content   string `db:"content"`
	Parts     string `db:"parts"`
	CreatedAt string `db:"created_at"`
}

// Create inserts a new conversation with its initial messages. Creating
// an id the caller already owns is a no-op; an id owned by someone else
// fails with ErrOwnershipViolation.
func (s *ChatStore) Create(ctx context.Context, userID, chatID, title string, msgs []domain.Message) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.db.timestamp()
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO chats (id, user_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			chatID, userID, title, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting chat: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading insert result: %w", err)
		}
		if n == 0 {
			owner, err := chatOwner(ctx, tx, chatID)
			if err != nil {
				return err
			}
			if owner != userID {
				return ErrOwnershipViolation
			}
			return nil
		}

		return insertMessages(ctx, tx, chatID, msgs, now)
	})
}

// ReplaceAll overwrites the conversation's title and full message list,
// creating it if absent. The delete and reinsert happen in one transaction
// so readers never see a partial list.
func (s *ChatStore) ReplaceAll(ctx context.Context, userID, chatID, title string, msgs []domain.Message) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.db.timestamp()

		owner, err := chatOwner(ctx, tx, chatID)
		switch {
		case errors.Is(err, ErrNotFound):
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO chats (id, user_id, title, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`),
				chatID, userID, title, now, now,
			); err != nil {
				return fmt.Errorf("inserting chat: %w", err)
			}
		case err != nil:
			return err
		case owner != userID:
			return ErrOwnershipViolation
		default:
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`),
				title, now, chatID,
			); err != nil {
				return fmt.Errorf("updating chat: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE chat_id = ?`), chatID); err != nil {
			return fmt.Errorf("clearing messages: %w", err)
		}
		return insertMessages(ctx, tx, chatID, msgs, now)
	})
}

// Get returns the conversation with its messages in position order.
// Conversations owned by another user are reported as ErrNotFound.
func (s *ChatStore) Get(ctx context.Context, chatID, userID string) (*domain.Conversation, error) {
	var row chatRow
	err := s.db.sql.GetContext(ctx, &row, s.db.sql.Rebind(`
		SELECT id, user_id, title, created_at, updated_at
		FROM chats WHERE id = ? AND user_id = ?`), chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading chat %s: %w", chatID, err)
	}

	var rows []messageRow
	if err := s.db.sql.SelectContext(ctx, &rows, s.db.sql.Rebind(`
		SELECT id, role, content, parts, created_at
		FROM messages WHERE chat_id = ? ORDER BY position ASC`), chatID); err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", chatID, err)
	}

	conv := row.toDomain()
	conv.Messages = make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m := domain.Message{
			ID:        r.ID,
			Role:      domain.Role(r.Role),
			Content:   r.Content,
			CreatedAt: parseTime(r.CreatedAt),
		}
		if r.Parts != "" {
			if err := json.Unmarshal([]byte(r.Parts), &m.Parts); err != nil {
				return nil, fmt.Errorf("decoding parts of message %s: %w", r.ID, err)
			}
		}
		conv.Messages = append(conv.Messages, m)
	}
	return &conv, nil
}

// List returns the user's conversations, most recently updated first.
// Messages are not loaded.
func (s *ChatStore) List(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var rows []chatRow
	if err := s.db.sql.SelectContext(ctx, &rows, s.db.sql.Rebind(`
		SELECT id, user_id, title, created_at, updated_at
		FROM chats WHERE user_id = ?
		ORDER BY updated_at DESC, id ASC`), userID); err != nil {
		return nil, fmt.Errorf("listing chats for %s: %w", userID, err)
	}

	out := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *ChatStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.sql.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func chatOwner(ctx context.Context, tx *sqlx.Tx, chatID string) (string, error) {
	var owner string
	err := tx.GetContext(ctx, &owner, tx.Rebind(`SELECT user_id FROM chats WHERE id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading chat owner: %w", err)
	}
	return owner, nil
}

func insertMessages(ctx context.Context, tx *sqlx.Tx, chatID string, msgs []domain.Message, now string) error {
	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO messages (chat_id, position, id, role, content, parts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		m.Normalize()
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		created := now
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.UTC().Format(timeLayout)
		}

		parts := "[]"
		if len(m.Parts) > 0 {
			data, err := json.Marshal(m.Parts)
			if err != nil {
				return fmt.Errorf("encoding parts of message %d: %w", i, err)
			}
			parts = string(data)
		}

		if _, err := stmt.ExecContext(ctx, chatID, i, m.ID, string(m.Role), m.Content, parts, created); err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}
	return nil
}

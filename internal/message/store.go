// Package message is the persistence gateway for chat messages. It owns the
// durable PostgreSQL records (chats, members, messages); the relay never
// touches the database, it only fans out events for messages that this
// package has already persisted.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store operation errors.
var (
	ErrChatNotFound = errors.New("message: chat not found")
	ErrNotAMember   = errors.New("message: sender is not a member of the chat")
	ErrEmptyMessage = errors.New("message: body and attachment are both empty")
)

// Message is a persisted chat message.
type Message struct {
	ID         string
	ChatID     string
	SenderID   string
	Body       string
	Attachment string
	CreatedAt  time.Time
}

// Store manages chats and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateChat inserts a chat and its member list, returning the chat id.
func (s *Store) CreateChat(ctx context.Context, name string, isGroup bool, participants []string) (string, error) {
	chatID := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("message: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, name, is_group) VALUES ($1, $2, $3)`,
		chatID, name, isGroup,
	); err != nil {
		return "", fmt.Errorf("message: insert chat: %w", err)
	}

	for _, participantID := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, participant_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			chatID, participantID,
		); err != nil {
			return "", fmt.Errorf("message: insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("message: commit: %w", err)
	}
	return chatID, nil
}

// CreateMessage validates and persists a message. The sender must be a
// member of the chat; the body is validated unless the message is
// attachment-only. The durable write completes before any relay emit: the
// caller only publishes the event after a nil error here.
func (s *Store) CreateMessage(ctx context.Context, senderID, chatID, body, attachment string) (*Message, error) {
	if body == "" && attachment == "" {
		return nil, ErrEmptyMessage
	}
	if body != "" {
		if err := ValidateBody(body); err != nil {
			return nil, fmt.Errorf("message: %w", err)
		}
	}

	member, err := s.IsMember(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotAMember
	}

	msg := &Message{
		ID:         uuid.New().String(),
		ChatID:     chatID,
		SenderID:   senderID,
		Body:       body,
		Attachment: attachment,
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, body, attachment)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Body, msg.Attachment,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return msg, nil
}

// ListMessages returns a chat's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, sender_id, body, attachment, created_at
		 FROM messages
		 WHERE chat_id = $1
		 ORDER BY created_at, id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Body, &m.Attachment, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ChatParticipants returns the participant ids of a chat's members. The API
// server embeds this list in the event it publishes so the relay can fan
// out without a database round trip.
func (s *Store) ChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id FROM chat_members WHERE chat_id = $1 ORDER BY participant_id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("message: participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("message: scan participant: %w", err)
		}
		participants = append(participants, id)
	}
	return participants, rows.Err()
}

// IsMember reports whether a participant belongs to a chat. It satisfies
// the relay's MembershipChecker, letting the relay reject "join room" from
// non-members.
func (s *Store) IsMember(ctx context.Context, chatID, participantID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM chat_members WHERE chat_id = $1 AND participant_id = $2
		 )`,
		chatID, participantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("message: membership: %w", err)
	}
	return exists, nil
}

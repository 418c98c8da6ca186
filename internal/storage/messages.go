package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Message struct {
	ID         int64
	FromUserID int64
	ToUserID   int64
	Content    string
	ImageURL   string
	CreatedAt  time.Time
	ReadAt     *time.Time
}

const messageColumns = `id, from_user_id, to_user_id, content, image_url, created_at, read_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m         Message
		createdAt int64
		readAt    sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.FromUserID, &m.ToUserID, &m.Content, &m.ImageURL, &createdAt, &readAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	m.ReadAt = fromNullMillis(readAt)
	return m, nil
}

// SaveMessage persists m. A zero CreatedAt is stamped with the current time.
func (s *Store) SaveMessage(ctx context.Context, m Message) (Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.CreatedAt = m.CreatedAt.Truncate(time.Millisecond).UTC()
	id, err := s.insert(ctx,
		`INSERT INTO messages (from_user_id, to_user_id, content, image_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.FromUserID, m.ToUserID, m.Content, m.ImageURL, toMillis(m.CreatedAt))
	if err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	m.ID = id
	return m, nil
}

func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	return scanMessage(s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

// History returns one page of the conversation between a and b, oldest first.
// Offset counts back from the newest message.
func (s *Store) History(ctx context.Context, a, b int64, limit, offset int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE (from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, a, b, b, a, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out, nil
}

// MarkRead flags a message as read by its recipient. Marking an already
// read message again is not an error.
func (s *Store) MarkRead(ctx context.Context, id, reader int64, at time.Time) error {
	m, err := s.MessageByID(ctx, id)
	if err != nil {
		return err
	}
	if m.ToUserID != reader {
		return ErrForbidden
	}
	if m.ReadAt != nil {
		return nil
	}
	_, err = s.exec(ctx, `UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`, toMillis(at), id)
	return err
}

func (s *Store) UnreadCount(ctx context.Context, uid int64) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(1) FROM messages WHERE to_user_id = ? AND read_at IS NULL`, uid).Scan(&n)
	return n, err
}

// DeleteMessage removes a message on behalf of its sender and returns the
// deleted row.
func (s *Store) DeleteMessage(ctx context.Context, id, sender int64) (Message, error) {
	m, err := s.MessageByID(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if m.FromUserID != sender {
		return Message{}, ErrForbidden
	}
	if _, err := s.exec(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return Message{}, err
	}
	return m, nil
}

package storage

import (
	"context"
	"time"
)

type Contact struct {
	UserID        int64
	Username      string
	DisplayName   string
	AvatarURL     string
	LastMessage   string
	LastMessageAt time.Time
}

// Contacts lists everyone uid has exchanged messages with, most recent first.
func (s *Store) Contacts(ctx context.Context, uid int64) ([]Contact, error) {
	rows, err := s.query(ctx, `
		SELECT u.id, u.username, u.display_name, u.avatar_url, m.content, m.image_url, m.created_at
		FROM (
			SELECT CASE WHEN from_user_id = ? THEN to_user_id ELSE from_user_id END AS peer, MAX(id) AS last_id
			FROM messages
			WHERE from_user_id = ? OR to_user_id = ?
			GROUP BY peer
		) p
		JOIN users u ON u.id = p.peer
		JOIN messages m ON m.id = p.last_id
		ORDER BY m.created_at DESC, m.id DESC`, uid, uid, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []Contact{}
	for rows.Next() {
		var (
			c         Contact
			imageURL  string
			createdAt int64
		)
		if err := rows.Scan(&c.UserID, &c.Username, &c.DisplayName, &c.AvatarURL, &c.LastMessage, &imageURL, &createdAt); err != nil {
			return nil, err
		}
		if c.LastMessage == "" && imageURL != "" {
			c.LastMessage = "[image]"
		}
		c.LastMessageAt = fromMillis(createdAt)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

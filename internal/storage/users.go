package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	AvatarURL    string    `json:"avatar_url"`
	PasswordHash string    `json:"-"`
	LastActive   time.Time `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

const userColumns = `id, username, password_hash, display_name, role, avatar_url, last_active, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u          User
		lastActive sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.AvatarURL, &lastActive, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	if lastActive.Valid {
		u.LastActive = fromMillis(lastActive.Int64)
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// CreateUser inserts u and returns it with its id. A taken username yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = "member"
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	id, err := s.insert(ctx,
		`INSERT INTO users (username, password_hash, display_name, role, avatar_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.DisplayName, u.Role, u.AvatarURL, toMillis(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	return u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchUsers matches q against username and display name, excluding the caller.
func (s *Store) SearchUsers(ctx context.Context, q string, exclude int64, limit int) ([]User, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(q) + "%"
	rows, err := s.query(ctx, `SELECT `+userColumns+` FROM users
		WHERE (LOWER(username) LIKE ? OR LOWER(display_name) LIKE ?) AND id <> ?
		ORDER BY username LIMIT ?`, pattern, pattern, exclude, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) TouchLastActive(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE users SET last_active = ? WHERE id = ?`, toMillis(at), id)
	return err
}

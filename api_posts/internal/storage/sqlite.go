// Package storage is the points ledger behind the submission flow.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"layeredge/pkg/models"
)

const timeLayout = "2006-01-02T15:04:05Z"

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already recorded")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	handle     TEXT NOT NULL UNIQUE COLLATE NOCASE,
	points     INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS submitted_posts (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	post_id    TEXT NOT NULL UNIQUE,
	url        TEXT NOT NULL,
	content    TEXT NOT NULL,
	source     TEXT NOT NULL,
	likes      INTEGER NOT NULL DEFAULT 0,
	reposts    INTEGER NOT NULL DEFAULT 0,
	replies    INTEGER NOT NULL DEFAULT 0,
	quotes     INTEGER NOT NULL DEFAULT 0,
	points     INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submitted_posts_user ON submitted_posts(user_id, created_at);
`

// SQLite stores users and accepted posts.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens the database at dsn and creates the tables if needed.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// DB exposes the pool for connection stats.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health checks.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

// CreateUser registers handle with zero points.
func (s *SQLite) CreateUser(ctx context.Context, handle string) (models.CommunityUser, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return models.CommunityUser{}, fmt.Errorf("handle is required")
	}
	if _, err := s.FindUserByHandle(ctx, handle); err == nil {
		return models.CommunityUser{}, fmt.Errorf("user %s: %w", handle, ErrDuplicate)
	} else if !errors.Is(err, ErrNotFound) {
		return models.CommunityUser{}, err
	}

	now := s.stamp()
	u := models.CommunityUser{ID: uuid.NewString(), Handle: handle}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, handle, points, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		u.ID, u.Handle, now, now,
	); err != nil {
		return models.CommunityUser{}, fmt.Errorf("insert user: %w", err)
	}
	u.CreatedAt = parseTime(now)
	u.UpdatedAt = u.CreatedAt
	return u, nil
}

// FindUserByHandle looks a user up case-insensitively, ignoring a leading @.
func (s *SQLite) FindUserByHandle(ctx context.Context, handle string) (models.CommunityUser, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	row := s.db.QueryRowContext(ctx,
		`SELECT id, handle, points, created_at, updated_at FROM users WHERE handle = ?`, handle)

	var u models.CommunityUser
	var created, updated string
	if err := row.Scan(&u.ID, &u.Handle, &u.Points, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CommunityUser{}, fmt.Errorf("user %s: %w", handle, ErrNotFound)
		}
		return models.CommunityUser{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

// RecordPost stores an accepted post and credits its points to the user in
// one transaction, returning the user's new total. A post id can be recorded
// once.
func (s *SQLite) RecordPost(ctx context.Context, userID string, rec models.PostRecord, points int) (models.SubmittedPost, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SubmittedPost{}, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM submitted_posts WHERE post_id = ?`, rec.ID).Scan(&exists); err != nil {
		return models.SubmittedPost{}, 0, fmt.Errorf("check duplicate: %w", err)
	}
	if exists > 0 {
		return models.SubmittedPost{}, 0, fmt.Errorf("post %s: %w", rec.ID, ErrDuplicate)
	}

	var known int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, userID).Scan(&known); err != nil {
		return models.SubmittedPost{}, 0, fmt.Errorf("check user: %w", err)
	}
	if known == 0 {
		return models.SubmittedPost{}, 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	now := s.stamp()
	p := models.SubmittedPost{
		ID:         uuid.NewString(),
		UserID:     userID,
		PostID:     rec.ID,
		URL:        rec.URL,
		Content:    rec.Content,
		Source:     rec.Source,
		Engagement: rec.Engagement,
		Points:     points,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO submitted_posts (id, user_id, post_id, url, content, source, likes, reposts, replies, quotes, points, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.PostID, p.URL, p.Content, string(p.Source),
		p.Engagement.Likes, p.Engagement.Reposts, p.Engagement.Replies, p.Engagement.Quotes,
		p.Points, now,
	); err != nil {
		return models.SubmittedPost{}, 0, fmt.Errorf("insert post: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET points = points + ?, updated_at = ? WHERE id = ?`, points, now, userID); err != nil {
		return models.SubmittedPost{}, 0, fmt.Errorf("award points: %w", err)
	}
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, userID).Scan(&total); err != nil {
		return models.SubmittedPost{}, 0, fmt.Errorf("read points: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.SubmittedPost{}, 0, fmt.Errorf("commit: %w", err)
	}
	p.CreatedAt = parseTime(now)
	return p, total, nil
}

// ListUserPosts returns a user's accepted posts, newest first.
func (s *SQLite) ListUserPosts(ctx context.Context, userID string, limit int) ([]models.SubmittedPost, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, post_id, url, content, source, likes, reposts, replies, quotes, points, created_at
		 FROM submitted_posts WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.SubmittedPost
	for rows.Next() {
		var p models.SubmittedPost
		var source, created string
		if err := rows.Scan(&p.ID, &p.UserID, &p.PostID, &p.URL, &p.Content, &source,
			&p.Engagement.Likes, &p.Engagement.Reposts, &p.Engagement.Replies, &p.Engagement.Quotes,
			&p.Points, &created); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Source = models.Source(source)
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

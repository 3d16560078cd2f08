package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atelier/api/internal/scope"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- comments ----

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) (Comment, error) {
	tagged, err := json.Marshal(c.TaggedUserIDs)
	if err != nil {
		return Comment{}, fmt.Errorf("marshal tagged ids: %w", err)
	}
	const insert = `
		INSERT INTO comments (id, entity_type, entity_id, sub_scope, author_id, parent_id, content, tagged_user_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, insert,
		c.ID, string(c.Scope.EntityType), c.Scope.EntityID, c.Scope.SubScope,
		c.AuthorID, c.ParentID, c.Content, tagged,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	const query = `
		SELECT id, entity_type, entity_id, sub_scope, author_id, parent_id, content, tagged_user_ids, created_at, updated_at
		FROM comments
		WHERE id = $1
	`
	c, err := scanComment(s.db.QueryRowContext(ctx, query, commentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, err
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, sc scope.Scope) ([]Comment, error) {
	const query = `
		SELECT id, entity_type, entity_id, sub_scope, author_id, parent_id, content, tagged_user_ids, created_at, updated_at
		FROM comments
		WHERE entity_type = $1 AND entity_id = $2 AND sub_scope = $3
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, string(sc.EntityType), sc.EntityID, sc.SubScope)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// UpdateCommentContent overwrites the body and bumps updated_at. The tagged
// set is deliberately untouched: who was mentioned is frozen at post time.
func (s *PostgresStore) UpdateCommentContent(ctx context.Context, commentID, content string) (Comment, error) {
	const update = `
		UPDATE comments
		SET content = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, entity_type, entity_id, sub_scope, author_id, parent_id, content, tagged_user_ids, created_at, updated_at
	`
	c, err := scanComment(s.db.QueryRowContext(ctx, update, commentID, content))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, err
	}
	if err != nil {
		return Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return c, nil
}

// DeleteComment removes a comment; direct replies go with it via the
// parent_id foreign key cascade.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var c Comment
	var entityType string
	var tagged []byte
	err := row.Scan(&c.ID, &entityType, &c.Scope.EntityID, &c.Scope.SubScope,
		&c.AuthorID, &c.ParentID, &c.Content, &tagged, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	c.Scope.EntityType = scope.EntityType(entityType)
	if len(tagged) > 0 {
		if err := json.Unmarshal(tagged, &c.TaggedUserIDs); err != nil {
			return Comment{}, fmt.Errorf("unmarshal tagged ids: %w", err)
		}
	}
	return c, nil
}

// ---- notifications ----

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	const insert = `
		INSERT INTO notifications (id, recipient_id, kind, title, body, link, entity_type, entity_id, sub_scope, comment_id, from_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, insert,
		n.ID, n.RecipientID, n.Kind, n.Title, n.Body, n.Link,
		string(n.Scope.EntityType), n.Scope.EntityID, n.Scope.SubScope,
		n.CommentID, n.FromUserID,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, recipient_id, kind, title, body, link, entity_type, entity_id, sub_scope, comment_id, from_user_id, created_at, read_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		var entityType string
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Title, &n.Body, &n.Link,
			&entityType, &n.Scope.EntityID, &n.Scope.SubScope,
			&n.CommentID, &n.FromUserID, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Scope.EntityType = scope.EntityType(entityType)
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead is scoped to the recipient: nobody can read another
// user's inbox. Returns the deep link so the caller can route.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) (string, error) {
	const update = `
		UPDATE notifications
		SET read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND recipient_id = $2
		RETURNING link
	`
	var link string
	err := s.db.QueryRowContext(ctx, update, notificationID, recipientID).Scan(&link)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("mark notification read: %w", err)
	}
	return link, nil
}

// ---- read markers ----

func (s *PostgresStore) GetReadMarker(ctx context.Context, userID string, sc scope.Scope) (*ReadMarker, error) {
	const query = `
		SELECT last_read_at
		FROM read_markers
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3 AND sub_scope = $4
	`
	marker := ReadMarker{UserID: userID, Scope: sc}
	err := s.db.QueryRowContext(ctx, query, userID, string(sc.EntityType), sc.EntityID, sc.SubScope).Scan(&marker.LastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get read marker: %w", err)
	}
	return &marker, nil
}

// UpsertReadMarker never moves the marker backward: concurrent mark-read
// calls settle on the newest timestamp.
func (s *PostgresStore) UpsertReadMarker(ctx context.Context, userID string, sc scope.Scope, at time.Time) error {
	const upsert = `
		INSERT INTO read_markers (user_id, entity_type, entity_id, sub_scope, last_read_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, entity_type, entity_id, sub_scope)
		DO UPDATE SET last_read_at = GREATEST(read_markers.last_read_at, EXCLUDED.last_read_at)
	`
	_, err := s.db.ExecContext(ctx, upsert, userID, string(sc.EntityType), sc.EntityID, sc.SubScope, at)
	if err != nil {
		return fmt.Errorf("upsert read marker: %w", err)
	}
	return nil
}

// CountUnread counts comments by other authors newer than since. A zero since
// means "no marker yet": everything by others is unread.
func (s *PostgresStore) CountUnread(ctx context.Context, userID string, sc scope.Scope, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM comments
		WHERE entity_type = $1 AND entity_id = $2 AND sub_scope = $3
			AND author_id <> $4
			AND created_at > $5
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, string(sc.EntityType), sc.EntityID, sc.SubScope, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ---- profiles ----

func (s *PostgresStore) ListProfiles(ctx context.Context, excludingUserID string) ([]Profile, error) {
	const query = `
		SELECT id, display_name, role, created_at
		FROM profiles
		WHERE id <> $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, excludingUserID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	items := make([]Profile, 0)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Role, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role, created_at FROM profiles WHERE id = $1`, userID).
		Scan(&p.ID, &p.DisplayName, &p.Role, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, err
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpsertProfile mirrors a directory entry from the host shell.
func (s *PostgresStore) UpsertProfile(ctx context.Context, p Profile) error {
	const upsert = `
		INSERT INTO profiles (id, display_name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role
	`
	if _, err := s.db.ExecContext(ctx, upsert, p.ID, p.DisplayName, p.Role); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

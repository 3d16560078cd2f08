package store

import (
	"time"

	"atelier/api/internal/scope"
)

// Profile is the projection of a user this subsystem reads: enough to resolve
// mentions and render authors. The user directory owns the rest.
type Profile struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

type Comment struct {
	ID       string
	Scope    scope.Scope
	AuthorID string
	// ParentID is set only in threaded scopes, one level deep.
	ParentID *string
	Content  string
	// TaggedUserIDs is resolved from Content at post time and frozen; edits
	// never re-resolve it.
	TaggedUserIDs []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Notification struct {
	ID          string
	RecipientID string
	Kind        string
	Title       string
	Body        string
	Link        string
	Scope       scope.Scope
	CommentID   string
	FromUserID  string
	CreatedAt   time.Time
	ReadAt      *time.Time
}

// ReadMarker is one row per (user, scope). LastReadAt never moves backward.
type ReadMarker struct {
	UserID     string
	Scope      scope.Scope
	LastReadAt time.Time
}

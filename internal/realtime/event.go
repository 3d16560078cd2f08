// Package realtime carries comment events between viewers of a scope over
// Redis pub/sub. Delivery is best effort: there is no replay across a
// disconnect, subscribers refetch instead.
package realtime

import (
	"time"

	"atelier/api/internal/scope"
	"atelier/api/internal/store"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// CommentRecord is the wire form of a comment: its own columns only, no
// joined author profile. Subscribers enrich it before display.
type CommentRecord struct {
	ID            string    `json:"id"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	SubScope      string    `json:"subScope,omitempty"`
	AuthorID      string    `json:"authorId"`
	ParentID      *string   `json:"parentId,omitempty"`
	Content       string    `json:"content"`
	TaggedUserIDs []string  `json:"taggedUserIds,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Event struct {
	Type    EventType      `json:"type"`
	Comment *CommentRecord `json:"comment,omitempty"`
	// CommentID is set on delete events.
	CommentID string `json:"commentId,omitempty"`
	// ClientRef echoes the poster's correlation ref so the poster can match
	// this event against its own optimistic entry.
	ClientRef string `json:"clientRef,omitempty"`
}

func NewRecord(c store.Comment) CommentRecord {
	return CommentRecord{
		ID:            c.ID,
		EntityType:    string(c.Scope.EntityType),
		EntityID:      c.Scope.EntityID,
		SubScope:      c.Scope.SubScope,
		AuthorID:      c.AuthorID,
		ParentID:      c.ParentID,
		Content:       c.Content,
		TaggedUserIDs: c.TaggedUserIDs,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (r CommentRecord) ToComment() store.Comment {
	return store.Comment{
		ID: r.ID,
		Scope: scope.Scope{
			EntityType: scope.EntityType(r.EntityType),
			EntityID:   r.EntityID,
			SubScope:   r.SubScope,
		},
		AuthorID:      r.AuthorID,
		ParentID:      r.ParentID,
		Content:       r.Content,
		TaggedUserIDs: r.TaggedUserIDs,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

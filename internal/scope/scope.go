// Package scope identifies where a discussion lives. A scope is the partition
// key for comment storage, realtime subscriptions, and read tracking.
package scope

import (
	"fmt"
	"net/url"
	"strings"
)

type EntityType string

const (
	EntityProduct   EntityType = "product"
	EntityGallery   EntityType = "product_gallery"
	EntityMoodboard EntityType = "moodboard"
	EntityChatRoom  EntityType = "chat_room"
)

// Scope is immutable once a comment is created under it. SubScope
// disambiguates sibling discussions under one entity, e.g. a gallery image
// index; it is empty for entity-level discussions.
type Scope struct {
	EntityType EntityType
	EntityID   string
	SubScope   string
}

func (s Scope) Validate() error {
	switch s.EntityType {
	case EntityProduct, EntityGallery, EntityMoodboard, EntityChatRoom:
	default:
		return fmt.Errorf("unknown entity type %q", s.EntityType)
	}
	if strings.TrimSpace(s.EntityID) == "" {
		return fmt.Errorf("empty entity id")
	}
	return nil
}

// Threaded reports whether discussions under this scope support one level of
// reply nesting. Gallery and chat scopes are flat.
func (s Scope) Threaded() bool {
	return s.EntityType == EntityProduct || s.EntityType == EntityMoodboard
}

// String renders the canonical form "type:id" or "type:id#sub".
func (s Scope) String() string {
	if s.SubScope == "" {
		return string(s.EntityType) + ":" + s.EntityID
	}
	return string(s.EntityType) + ":" + s.EntityID + "#" + s.SubScope
}

// Channel is the realtime transport channel carrying this scope's events.
func (s Scope) Channel() string {
	return "scope:" + s.String()
}

// Parse is the inverse of String.
func Parse(raw string) (Scope, error) {
	entity, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, fmt.Errorf("malformed scope %q", raw)
	}
	id, sub, _ := strings.Cut(rest, "#")
	s := Scope{EntityType: EntityType(entity), EntityID: id, SubScope: sub}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// LinkBuilder produces deep links the host UI can route to. Notification
// fan-out uses it so a notification can land the recipient back inside the
// originating discussion.
type LinkBuilder struct {
	base string
}

func NewLinkBuilder(baseURL string) LinkBuilder {
	return LinkBuilder{base: strings.TrimRight(baseURL, "/")}
}

func (b LinkBuilder) Link(s Scope) string {
	id := url.PathEscape(s.EntityID)
	switch s.EntityType {
	case EntityProduct:
		return b.base + "/products/" + id + "?panel=comments"
	case EntityGallery:
		link := b.base + "/products/" + id + "/gallery"
		if s.SubScope != "" {
			link += "?image=" + url.QueryEscape(s.SubScope)
		}
		return link
	case EntityMoodboard:
		link := b.base + "/moodboards/" + id
		if s.SubScope != "" {
			link += "?item=" + url.QueryEscape(s.SubScope)
		}
		return link
	case EntityChatRoom:
		return b.base + "/chat/" + id
	default:
		return b.base
	}
}

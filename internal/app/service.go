package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"atelier/api/internal/auth"
	"atelier/api/internal/comments"
	"atelier/api/internal/rbac"
	"atelier/api/internal/realtime"
	"atelier/api/internal/scope"
	"atelier/api/internal/store"
	"atelier/api/internal/unread"
)

type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

// appStore is the slice of the data layer the orchestrator touches directly.
// Comment and read-marker traffic goes through the comments service and the
// unread tracker instead.
type appStore interface {
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, recipientID string) (string, error)
	Ping(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	store    appStore
	comments *comments.Service
	tracker  *unread.Tracker
	broker   pinger
	secret   []byte
}

func NewService(st appStore, commentSvc *comments.Service, tracker *unread.Tracker, broker pinger, secret []byte) *Service {
	return &Service{
		store:    st,
		comments: commentSvc,
		tracker:  tracker,
		broker:   broker,
		secret:   secret,
	}
}

// NewBrokerTransport adapts the realtime broker to the transport the
// comments service subscribes through.
func NewBrokerTransport(b *realtime.Broker) comments.Transport {
	return brokerTransport{broker: b}
}

type brokerTransport struct {
	broker *realtime.Broker
}

func (t brokerTransport) Publish(ctx context.Context, sc scope.Scope, ev realtime.Event) error {
	return t.broker.Publish(ctx, sc, ev)
}

func (t brokerTransport) Subscribe(ctx context.Context, sc scope.Scope, h realtime.Handlers, lookup realtime.ProfileLookup) (comments.Subscription, error) {
	return t.broker.Subscribe(ctx, sc, h, lookup)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Role:     rbac.Normalize(claims.Role),
	}, nil
}

func (s *Service) Can(role rbac.Role, capability rbac.Capability) bool {
	return rbac.Can(role, capability)
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.broker.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (s *Service) Shutdown() {
	s.comments.CloseAll()
}

// ScopeView is one mounted scope rendered for its viewer.
type ScopeView struct {
	Scope    string                     `json:"scope"`
	Comments []comments.RenderedComment `json:"comments"`
	Stale    bool                       `json:"stale"`
}

func (s *Service) OpenScope(ctx context.Context, session Session, sc scope.Scope) (ScopeView, error) {
	if err := sc.Validate(); err != nil {
		return ScopeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	thread, err := s.comments.Open(ctx, sc)
	if err != nil {
		return ScopeView{}, mapCommentError(err)
	}
	return ScopeView{
		Scope:    sc.String(),
		Comments: thread.Snapshot(ctx, identity(session)),
		Stale:    thread.Stale(),
	}, nil
}

func (s *Service) CloseScope(sc scope.Scope) {
	s.comments.Close(sc)
}

func (s *Service) PostComment(ctx context.Context, session Session, sc scope.Scope, content string, parentID *string) (realtime.CommentRecord, error) {
	if err := sc.Validate(); err != nil {
		return realtime.CommentRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	thread, err := s.comments.Open(ctx, sc)
	if err != nil {
		return realtime.CommentRecord{}, mapCommentError(err)
	}
	canonical, err := thread.Post(ctx, identity(session), content, parentID)
	if err != nil {
		return realtime.CommentRecord{}, mapCommentError(err)
	}
	return realtime.NewRecord(canonical), nil
}

func (s *Service) EditComment(ctx context.Context, session Session, sc scope.Scope, commentID, content string) (realtime.CommentRecord, error) {
	if err := sc.Validate(); err != nil {
		return realtime.CommentRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	thread, err := s.comments.Open(ctx, sc)
	if err != nil {
		return realtime.CommentRecord{}, mapCommentError(err)
	}
	canonical, err := thread.Edit(ctx, identity(session), commentID, content)
	if err != nil {
		return realtime.CommentRecord{}, mapCommentError(err)
	}
	return realtime.NewRecord(canonical), nil
}

func (s *Service) RemoveComment(ctx context.Context, session Session, sc scope.Scope, commentID string) error {
	if err := sc.Validate(); err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	thread, err := s.comments.Open(ctx, sc)
	if err != nil {
		return mapCommentError(err)
	}
	if err := thread.Remove(ctx, identity(session), commentID); err != nil {
		return mapCommentError(err)
	}
	return nil
}

// MarkScopeRead advances the user's marker and returns the scope's sort
// classification frozen at the last fetch. Marking read does not change it,
// so the client keeps the scope in its unread slot until it refetches.
func (s *Service) MarkScopeRead(ctx context.Context, session Session, sc scope.Scope, at time.Time) (bool, error) {
	if err := sc.Validate(); err != nil {
		return false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.tracker.MarkRead(ctx, session.UserID, sc, at); err != nil {
		return false, domainError(http.StatusBadGateway, "WRITE_FAILED", "Read marker write failed", nil)
	}
	return s.tracker.StableUnread(session.UserID, sc), nil
}

func (s *Service) UnreadCounts(ctx context.Context, session Session, scopes []scope.Scope) ([]unread.Count, error) {
	for _, sc := range scopes {
		if err := sc.Validate(); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
	}
	counts, err := s.tracker.Counts(ctx, session.UserID, scopes)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	return counts, nil
}

// NotificationView is the inbox row shape.
type NotificationView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Link       string `json:"link"`
	Scope      string `json:"scope"`
	CommentID  string `json:"commentId"`
	FromUserID string `json:"fromUserId"`
	CreatedAt  string `json:"createdAt"`
	Read       bool   `json:"read"`
}

func (s *Service) Notifications(ctx context.Context, session Session, limit int) ([]NotificationView, error) {
	notifications, err := s.store.ListNotifications(ctx, session.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]NotificationView, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, NotificationView{
			ID:         n.ID,
			Kind:       n.Kind,
			Title:      n.Title,
			Body:       n.Body,
			Link:       n.Link,
			Scope:      n.Scope.String(),
			CommentID:  n.CommentID,
			FromUserID: n.FromUserID,
			CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339Nano),
			Read:       n.ReadAt != nil,
		})
	}
	return out, nil
}

// OpenNotification marks the notification read and returns the deep link the
// client should navigate to.
func (s *Service) OpenNotification(ctx context.Context, session Session, notificationID string) (string, error) {
	link, err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID)
	if err != nil {
		return "", err
	}
	return link, nil
}

func identity(session Session) comments.Identity {
	return comments.Identity{
		UserID:      session.UserID,
		DisplayName: session.UserName,
		Role:        session.Role,
	}
}

func mapCommentError(err error) error {
	switch {
	case errors.Is(err, comments.ErrNoIdentity):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	case errors.Is(err, comments.ErrEmptyContent):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Content must not be empty", nil)
	case errors.Is(err, comments.ErrBadParent):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid parent comment", nil)
	case errors.Is(err, comments.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	case errors.Is(err, comments.ErrNotAuthor):
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	case errors.Is(err, comments.ErrScopeClosed):
		return domainError(http.StatusConflict, "SCOPE_CLOSED", "Scope is no longer mounted", nil)
	default:
		return domainError(http.StatusBadGateway, "WRITE_FAILED", "Write failed", map[string]any{"reason": err.Error()})
	}
}

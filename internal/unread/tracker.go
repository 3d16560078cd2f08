// Package unread tracks per-user read markers and unread counts across
// scopes.
package unread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atelier/api/internal/scope"
	"atelier/api/internal/store"
)

type markerStore interface {
	GetReadMarker(ctx context.Context, userID string, sc scope.Scope) (*store.ReadMarker, error)
	UpsertReadMarker(ctx context.Context, userID string, sc scope.Scope, at time.Time) error
	CountUnread(ctx context.Context, userID string, sc scope.Scope, since time.Time) (int, error)
}

type key struct {
	userID string
	scope  scope.Scope
}

// Count is one scope's unread standing for a user. Unread is the live count;
// SortUnread is the classification frozen at fetch time, so a list sorted by
// it does not reshuffle under the user as they read.
type Count struct {
	Scope      scope.Scope `json:"scope"`
	Unread     int         `json:"unread"`
	SortUnread bool        `json:"sortUnread"`
}

type Tracker struct {
	store markerStore

	mu sync.Mutex
	// local holds marker advances not yet observed through the durable
	// store, so a mark-read takes effect immediately.
	local  map[key]time.Time
	frozen map[key]bool
}

func NewTracker(st markerStore) *Tracker {
	return &Tracker{
		store:  st,
		local:  make(map[key]time.Time),
		frozen: make(map[key]bool),
	}
}

// Counts computes unread counts for the given scopes and refreezes the
// sort classification for this fetch cycle.
func (t *Tracker) Counts(ctx context.Context, userID string, scopes []scope.Scope) ([]Count, error) {
	out := make([]Count, 0, len(scopes))
	for _, sc := range scopes {
		since, err := t.effectiveSince(ctx, userID, sc)
		if err != nil {
			return nil, err
		}
		n, err := t.store.CountUnread(ctx, userID, sc, since)
		if err != nil {
			return nil, fmt.Errorf("count unread %s: %w", sc, err)
		}

		k := key{userID: userID, scope: sc}
		t.mu.Lock()
		t.frozen[k] = n > 0
		t.mu.Unlock()

		out = append(out, Count{Scope: sc, Unread: n, SortUnread: n > 0})
	}
	return out, nil
}

// MarkRead advances the user's marker for a scope. The local overlay is
// advanced first, so reads reflect the marker even if the durable write
// fails; the error is still returned for the caller to surface.
func (t *Tracker) MarkRead(ctx context.Context, userID string, sc scope.Scope, at time.Time) error {
	k := key{userID: userID, scope: sc}
	t.mu.Lock()
	if prev, ok := t.local[k]; !ok || at.After(prev) {
		t.local[k] = at
	}
	t.mu.Unlock()

	if err := t.store.UpsertReadMarker(ctx, userID, sc, at); err != nil {
		return fmt.Errorf("mark read %s: %w", sc, err)
	}
	return nil
}

// StableUnread reports the frozen classification from the last fetch cycle.
// MarkRead does not touch it; only the next Counts call does.
func (t *Tracker) StableUnread(userID string, sc scope.Scope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen[key{userID: userID, scope: sc}]
}

func (t *Tracker) effectiveSince(ctx context.Context, userID string, sc scope.Scope) (time.Time, error) {
	marker, err := t.store.GetReadMarker(ctx, userID, sc)
	if err != nil {
		return time.Time{}, fmt.Errorf("read marker %s: %w", sc, err)
	}
	var since time.Time
	if marker != nil {
		since = marker.LastReadAt
	}
	t.mu.Lock()
	if local, ok := t.local[key{userID: userID, scope: sc}]; ok && local.After(since) {
		since = local
	}
	t.mu.Unlock()
	return since, nil
}

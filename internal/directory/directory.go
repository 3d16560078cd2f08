// Package directory serves mention candidates and display names from the
// user directory, cached per session. The directory is read-only from this
// subsystem's perspective.
package directory

import (
	"context"
	"fmt"
	"time"

	"atelier/api/internal/mention"
	"atelier/api/internal/store"

	gocache "github.com/patrickmn/go-cache"
)

type profileStore interface {
	ListProfiles(ctx context.Context, excludingUserID string) ([]store.Profile, error)
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
}

type Directory struct {
	store profileStore
	cache *gocache.Cache
}

func New(profiles profileStore, ttl time.Duration) *Directory {
	return &Directory{
		store: profiles,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Candidates lists mention candidates in directory order, excluding the
// viewer. An empty excluding id returns the whole directory, which rendering
// uses so mentions of any user resolve to a span.
func (d *Directory) Candidates(ctx context.Context, excludingUserID string) ([]mention.Candidate, error) {
	key := "candidates:" + excludingUserID
	if cached, ok := d.cache.Get(key); ok {
		return cached.([]mention.Candidate), nil
	}

	profiles, err := d.store.ListProfiles(ctx, excludingUserID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	candidates := make([]mention.Candidate, 0, len(profiles))
	for _, p := range profiles {
		candidates = append(candidates, mention.Candidate{ID: p.ID, DisplayName: p.DisplayName})
	}
	d.cache.Set(key, candidates, gocache.DefaultExpiration)
	return candidates, nil
}

func (d *Directory) DisplayName(ctx context.Context, userID string) (string, error) {
	key := "profile:" + userID
	if cached, ok := d.cache.Get(key); ok {
		return cached.(string), nil
	}

	profile, err := d.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	d.cache.Set(key, profile.DisplayName, gocache.DefaultExpiration)
	return profile.DisplayName, nil
}

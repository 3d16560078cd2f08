// Package notify fans a comment's mentions out into per-recipient
// notifications.
package notify

import (
	"context"
	"log"

	"atelier/api/internal/scope"
	"atelier/api/internal/store"
	"atelier/api/internal/util"
)

const (
	KindMention = "mention"

	excerptRunes = 100
)

type notificationStore interface {
	InsertNotification(ctx context.Context, n store.Notification) error
}

type Notifier struct {
	store notificationStore
	links scope.LinkBuilder
}

func New(st notificationStore, links scope.LinkBuilder) *Notifier {
	return &Notifier{store: st, links: links}
}

// Notify creates one notification per tagged user, skipping the author.
// Recipients are independent: a failed insert is logged and the remaining
// recipients still get theirs.
func (n *Notifier) Notify(ctx context.Context, c store.Comment, authorName string) {
	link := n.links.Link(c.Scope)
	body := excerpt(c.Content)
	for _, recipientID := range c.TaggedUserIDs {
		if recipientID == c.AuthorID {
			continue
		}
		notification := store.Notification{
			ID:          util.NewID("ntf"),
			RecipientID: recipientID,
			Kind:        KindMention,
			Title:       authorName + " mentioned you",
			Body:        body,
			Link:        link,
			Scope:       c.Scope,
			CommentID:   c.ID,
			FromUserID:  c.AuthorID,
		}
		if err := n.store.InsertNotification(ctx, notification); err != nil {
			log.Printf("notify: insert for %s on comment %s: %v", recipientID, c.ID, err)
		}
	}
}

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptRunes {
		return content
	}
	return string(runes[:excerptRunes]) + "…"
}

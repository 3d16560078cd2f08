package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"atelier/api/internal/scope"
	"atelier/api/internal/store"
)

type fakeNotificationStore struct {
	insert func(ctx context.Context, n store.Notification) error
}

func (f *fakeNotificationStore) InsertNotification(ctx context.Context, n store.Notification) error {
	return f.insert(ctx, n)
}

func testComment(tagged ...string) store.Comment {
	return store.Comment{
		ID:            "cmt_1",
		Scope:         scope.Scope{EntityType: scope.EntityProduct, EntityID: "prd_9"},
		AuthorID:      "u1",
		Content:       "Fabric swap approved, please confirm lead times",
		TaggedUserIDs: tagged,
	}
}

func TestNotifyOnePerRecipient(t *testing.T) {
	var got []store.Notification
	st := &fakeNotificationStore{insert: func(ctx context.Context, n store.Notification) error {
		got = append(got, n)
		return nil
	}}
	n := New(st, scope.NewLinkBuilder("https://atelier.test"))

	c := testComment("u2", "u3", "u4")
	n.Notify(context.Background(), c, "Ana Freitas")

	if len(got) != 3 {
		t.Fatalf("inserted %d notifications, want 3", len(got))
	}
	seen := map[string]bool{}
	for _, ntf := range got {
		seen[ntf.RecipientID] = true
		if ntf.Kind != KindMention {
			t.Fatalf("kind = %q", ntf.Kind)
		}
		if ntf.Title != "Ana Freitas mentioned you" {
			t.Fatalf("title = %q", ntf.Title)
		}
		if ntf.CommentID != "cmt_1" || ntf.FromUserID != "u1" {
			t.Fatalf("notification = %+v", ntf)
		}
		if ntf.Link != "https://atelier.test/products/prd_9?panel=comments" {
			t.Fatalf("link = %q", ntf.Link)
		}
	}
	if !seen["u2"] || !seen["u3"] || !seen["u4"] {
		t.Fatalf("recipients = %v", seen)
	}
}

func TestNotifySkipsAuthorSelfMention(t *testing.T) {
	var got []store.Notification
	st := &fakeNotificationStore{insert: func(ctx context.Context, n store.Notification) error {
		got = append(got, n)
		return nil
	}}
	n := New(st, scope.NewLinkBuilder("https://atelier.test"))

	n.Notify(context.Background(), testComment("u1", "u2"), "Ana Freitas")
	if len(got) != 1 || got[0].RecipientID != "u2" {
		t.Fatalf("notifications = %+v, want only u2", got)
	}
}

func TestNotifyTruncatesBody(t *testing.T) {
	var got store.Notification
	st := &fakeNotificationStore{insert: func(ctx context.Context, n store.Notification) error {
		got = n
		return nil
	}}
	n := New(st, scope.NewLinkBuilder("https://atelier.test"))

	c := testComment("u2")
	c.Content = strings.Repeat("é", 150)
	n.Notify(context.Background(), c, "Ana Freitas")

	runes := []rune(got.Body)
	if len(runes) != excerptRunes+1 || runes[len(runes)-1] != '…' {
		t.Fatalf("body = %d runes ending %q", len(runes), runes[len(runes)-1])
	}
}

func TestNotifyContinuesPastFailedInsert(t *testing.T) {
	var got []string
	st := &fakeNotificationStore{insert: func(ctx context.Context, n store.Notification) error {
		if n.RecipientID == "u3" {
			return errors.New("duplicate key")
		}
		got = append(got, n.RecipientID)
		return nil
	}}
	n := New(st, scope.NewLinkBuilder("https://atelier.test"))

	n.Notify(context.Background(), testComment("u2", "u3", "u4"), "Ana Freitas")
	if len(got) != 2 || got[0] != "u2" || got[1] != "u4" {
		t.Fatalf("recipients = %v, want [u2 u4]", got)
	}
}

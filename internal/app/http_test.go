package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"atelier/api/internal/auth"
	"atelier/api/internal/comments"
	"atelier/api/internal/directory"
	"atelier/api/internal/mention"
	"atelier/api/internal/notify"
	"atelier/api/internal/realtime"
	"atelier/api/internal/scope"
	"atelier/api/internal/store"
	"atelier/api/internal/unread"
)

var testSecret = []byte("test-secret")

// fakeData backs every data-layer interface the wiring needs, one function
// field per call, nil meaning a benign default.
type fakeData struct {
	listComments       func(ctx context.Context, sc scope.Scope) ([]store.Comment, error)
	insertComment      func(ctx context.Context, c store.Comment) (store.Comment, error)
	updateContent      func(ctx context.Context, commentID, content string) (store.Comment, error)
	deleteComment      func(ctx context.Context, commentID string) error
	listProfiles       func(ctx context.Context, excludingUserID string) ([]store.Profile, error)
	getProfile         func(ctx context.Context, userID string) (store.Profile, error)
	insertNotification func(ctx context.Context, n store.Notification) error
	listNotifications  func(ctx context.Context, recipientID string, limit int) ([]store.Notification, error)
	markNotification   func(ctx context.Context, notificationID, recipientID string) (string, error)
	getMarker          func(ctx context.Context, userID string, sc scope.Scope) (*store.ReadMarker, error)
	upsertMarker       func(ctx context.Context, userID string, sc scope.Scope, at time.Time) error
	countUnread        func(ctx context.Context, userID string, sc scope.Scope, since time.Time) (int, error)
}

func (f *fakeData) ListComments(ctx context.Context, sc scope.Scope) ([]store.Comment, error) {
	if f.listComments == nil {
		return nil, nil
	}
	return f.listComments(ctx, sc)
}

func (f *fakeData) InsertComment(ctx context.Context, c store.Comment) (store.Comment, error) {
	if f.insertComment == nil {
		return c, nil
	}
	return f.insertComment(ctx, c)
}

func (f *fakeData) UpdateCommentContent(ctx context.Context, commentID, content string) (store.Comment, error) {
	if f.updateContent == nil {
		return store.Comment{}, context.Canceled
	}
	return f.updateContent(ctx, commentID, content)
}

func (f *fakeData) DeleteComment(ctx context.Context, commentID string) error {
	if f.deleteComment == nil {
		return nil
	}
	return f.deleteComment(ctx, commentID)
}

func (f *fakeData) ListProfiles(ctx context.Context, excludingUserID string) ([]store.Profile, error) {
	if f.listProfiles == nil {
		return nil, nil
	}
	return f.listProfiles(ctx, excludingUserID)
}

func (f *fakeData) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	if f.getProfile == nil {
		for _, p := range defaultProfiles() {
			if p.ID == userID {
				return p, nil
			}
		}
		return store.Profile{}, sql.ErrNoRows
	}
	return f.getProfile(ctx, userID)
}

func (f *fakeData) InsertNotification(ctx context.Context, n store.Notification) error {
	if f.insertNotification == nil {
		return nil
	}
	return f.insertNotification(ctx, n)
}

func (f *fakeData) ListNotifications(ctx context.Context, recipientID string, limit int) ([]store.Notification, error) {
	if f.listNotifications == nil {
		return nil, nil
	}
	return f.listNotifications(ctx, recipientID, limit)
}

func (f *fakeData) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) (string, error) {
	if f.markNotification == nil {
		return "", nil
	}
	return f.markNotification(ctx, notificationID, recipientID)
}

func (f *fakeData) GetReadMarker(ctx context.Context, userID string, sc scope.Scope) (*store.ReadMarker, error) {
	if f.getMarker == nil {
		return nil, nil
	}
	return f.getMarker(ctx, userID, sc)
}

func (f *fakeData) UpsertReadMarker(ctx context.Context, userID string, sc scope.Scope, at time.Time) error {
	if f.upsertMarker == nil {
		return nil
	}
	return f.upsertMarker(ctx, userID, sc, at)
}

func (f *fakeData) CountUnread(ctx context.Context, userID string, sc scope.Scope, since time.Time) (int, error) {
	if f.countUnread == nil {
		return 0, nil
	}
	return f.countUnread(ctx, userID, sc, since)
}

func (f *fakeData) Ping(ctx context.Context) error { return nil }

type nullSub struct{}

func (nullSub) Close() {}

type nullTransport struct {
	mu        sync.Mutex
	published []realtime.Event
}

func (tr *nullTransport) Publish(ctx context.Context, sc scope.Scope, ev realtime.Event) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.published = append(tr.published, ev)
	return nil
}

func (tr *nullTransport) Subscribe(ctx context.Context, sc scope.Scope, h realtime.Handlers, lookup realtime.ProfileLookup) (comments.Subscription, error) {
	return nullSub{}, nil
}

func defaultProfiles() []store.Profile {
	return []store.Profile{
		{ID: "u1", DisplayName: "Ana Freitas"},
		{ID: "u2", DisplayName: "Bruno Costa"},
		{ID: "u3", DisplayName: "Marta Lins"},
	}
}

func newTestServer(t *testing.T, data *fakeData) *HTTPServer {
	t.Helper()
	if data.listProfiles == nil {
		data.listProfiles = func(ctx context.Context, excludingUserID string) ([]store.Profile, error) {
			var out []store.Profile
			for _, p := range defaultProfiles() {
				if p.ID != excludingUserID {
					out = append(out, p)
				}
			}
			return out, nil
		}
	}
	dir := directory.New(data, time.Minute)
	notifier := notify.New(data, scope.NewLinkBuilder("https://atelier.test"))
	commentSvc := comments.NewService(data, &nullTransport{}, dir, notifier)
	t.Cleanup(commentSvc.CloseAll)
	tracker := unread.NewTracker(data)
	service := NewService(data, commentSvc, tracker, data, testSecret)
	return NewHTTPServer(service, "*")
}

func token(t *testing.T, userID, name, role string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:  userID,
		Name: name,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func doRequest(t *testing.T, srv *HTTPServer, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeData{})
	rec := doRequest(t, srv, http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload := decodeMap(t, rec); payload["ok"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestPreflightHasNoBody(t *testing.T) {
	srv := newTestServer(t, &fakeData{})
	rec := doRequest(t, srv, http.MethodOptions, "/api/scopes/product/prd_1/comments", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Fatalf("allow methods = %q", got)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, &fakeData{})
	rec := doRequest(t, srv, http.MethodGet, "/api/scopes/product/prd_1/comments", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/scopes/product/prd_1/comments", "garbage", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d", rec.Code)
	}
}

func TestGetCommentsRendersScope(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	data := &fakeData{
		listComments: func(ctx context.Context, sc scope.Scope) ([]store.Comment, error) {
			if sc.String() != "product:prd_1" {
				t.Fatalf("scope = %s", sc)
			}
			return []store.Comment{{
				ID: "cmt_1", Scope: sc, AuthorID: "u1",
				Content: "Hello @Bruno Costa", TaggedUserIDs: []string{"u2"},
				CreatedAt: base, UpdatedAt: base,
			}}, nil
		},
	}
	srv := newTestServer(t, data)

	rec := doRequest(t, srv, http.MethodGet, "/api/scopes/product/prd_1/comments", token(t, "u2", "Bruno Costa", "member"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	if payload["scope"] != "product:prd_1" {
		t.Fatalf("scope = %v", payload["scope"])
	}
	rendered := payload["comments"].([]any)
	if len(rendered) != 1 {
		t.Fatalf("comments = %v", rendered)
	}
	first := rendered[0].(map[string]any)
	if first["authorName"] != "Ana Freitas" {
		t.Fatalf("authorName = %v", first["authorName"])
	}
	styled := false
	for _, raw := range first["segments"].([]any) {
		seg := raw.(map[string]any)
		if seg["userId"] == "u2" && seg["style"] == string(mention.StyleOfMe) {
			styled = true
		}
	}
	if !styled {
		t.Fatalf("no highlighted mention in %v", first["segments"])
	}
}

func TestPostCommentRoundtrip(t *testing.T) {
	var inserted store.Comment
	data := &fakeData{
		insertComment: func(ctx context.Context, c store.Comment) (store.Comment, error) {
			inserted = c
			return c, nil
		},
	}
	srv := newTestServer(t, data)

	rec := doRequest(t, srv, http.MethodPost, "/api/scopes/product/prd_1/comments",
		token(t, "u1", "Ana Freitas", "member"),
		`{"content":"Please check @Bruno Costa"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	if payload["id"] != inserted.ID || inserted.ID == "" {
		t.Fatalf("payload id = %v, inserted = %q", payload["id"], inserted.ID)
	}
	if inserted.AuthorID != "u1" || len(inserted.TaggedUserIDs) != 1 || inserted.TaggedUserIDs[0] != "u2" {
		t.Fatalf("inserted = %+v", inserted)
	}
}

func TestPostCommentValidation(t *testing.T) {
	srv := newTestServer(t, &fakeData{})
	tok := token(t, "u1", "Ana Freitas", "member")

	rec := doRequest(t, srv, http.MethodPost, "/api/scopes/product/prd_1/comments", tok, `{"content":"  "}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty content status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/scopes/sketchbook/x/comments", tok, `{"content":"hi"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad scope status = %d", rec.Code)
	}
}

func TestViewerCannotPost(t *testing.T) {
	srv := newTestServer(t, &fakeData{})
	rec := doRequest(t, srv, http.MethodPost, "/api/scopes/product/prd_1/comments",
		token(t, "u9", "External Viewer", "viewer"), `{"content":"hi"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEditRejectedForNonAuthor(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	data := &fakeData{
		listComments: func(ctx context.Context, sc scope.Scope) ([]store.Comment, error) {
			return []store.Comment{{
				ID: "cmt_1", Scope: sc, AuthorID: "u1",
				Content: "original", CreatedAt: base, UpdatedAt: base,
			}}, nil
		},
	}
	srv := newTestServer(t, data)

	rec := doRequest(t, srv, http.MethodPatch, "/api/scopes/product/prd_1/comments/cmt_1",
		token(t, "u2", "Bruno Costa", "member"), `{"content":"hijacked"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteByModerator(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	deleted := ""
	data := &fakeData{
		listComments: func(ctx context.Context, sc scope.Scope) ([]store.Comment, error) {
			return []store.Comment{{
				ID: "cmt_1", Scope: sc, AuthorID: "u1",
				Content: "off topic", CreatedAt: base, UpdatedAt: base,
			}}, nil
		},
		deleteComment: func(ctx context.Context, commentID string) error {
			deleted = commentID
			return nil
		},
	}
	srv := newTestServer(t, data)

	rec := doRequest(t, srv, http.MethodDelete, "/api/scopes/product/prd_1/comments/cmt_1",
		token(t, "u3", "Marta Lins", "manager"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if deleted != "cmt_1" {
		t.Fatalf("deleted = %q", deleted)
	}
}

func TestMarkScopeRead(t *testing.T) {
	var gotAt time.Time
	data := &fakeData{
		upsertMarker: func(ctx context.Context, userID string, sc scope.Scope, at time.Time) error {
			if userID != "u1" || sc.String() != "moodboard:mb_1" {
				t.Fatalf("marker for %s %s", userID, sc)
			}
			gotAt = at
			return nil
		},
	}
	srv := newTestServer(t, data)

	rec := doRequest(t, srv, http.MethodPost, "/api/scopes/moodboard/mb_1/read",
		token(t, "u1", "Ana Freitas", "member"), `{"at":"2026-03-01T10:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !gotAt.Equal(want) {
		t.Fatalf("at = %v, want %v", gotAt, want)
	}
}

func TestMarkReadKeepsFrozenSortSlot(t *testing.T) {
	unreadLeft := 3
	data := &fakeData{
		countUnread: func(ctx context.Context, userID string, sc scope.Scope, since time.Time) (int, error) {
			return unreadLeft, nil
		},
	}
	srv := newTestServer(t, data)
	tok := token(t, "u1", "Ana Freitas", "member")

	// The fetch freezes the scope's unread-first classification.
	rec := doRequest(t, srv, http.MethodGet, "/api/unread?scopes=product:prd_1", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("counts status = %d: %s", rec.Code, rec.Body.String())
	}

	// Marking read zeroes the live count but the sort slot holds until the
	// next fetch, so the list the user is scanning does not reshuffle.
	unreadLeft = 0
	rec = doRequest(t, srv, http.MethodPost, "/api/scopes/product/prd_1/read", tok, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeMap(t, rec)["sortUnread"]; got != true {
		t.Fatalf("sortUnread = %v, want true", got)
	}

	// The next fetch cycle refreezes from the live count.
	rec = doRequest(t, srv, http.MethodGet, "/api/unread?scopes=product:prd_1", tok, "")
	first := decodeMap(t, rec)["counts"].([]any)[0].(map[string]any)
	if first["unread"] != float64(0) || first["sortUnread"] != false {
		t.Fatalf("first = %v", first)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/scopes/product/prd_1/read", tok, `{}`)
	if got := decodeMap(t, rec)["sortUnread"]; got != false {
		t.Fatalf("sortUnread after refetch = %v, want false", got)
	}
}

func TestUnreadCounts(t *testing.T) {
	data := &fakeData{
		countUnread: func(ctx context.Context, userID string, sc scope.Scope, since time.Time) (int, error) {
			if sc.EntityType == scope.EntityProduct {
				return 2, nil
			}
			return 0, nil
		},
	}
	srv := newTestServer(t, data)

	rec := doRequest(t, srv, http.MethodGet, "/api/unread?scopes=product:prd_1,moodboard:mb_1",
		token(t, "u1", "Ana Freitas", "member"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	counts := decodeMap(t, rec)["counts"].([]any)
	if len(counts) != 2 {
		t.Fatalf("counts = %v", counts)
	}
	first := counts[0].(map[string]any)
	if first["scope"] != "product:prd_1" || first["unread"] != float64(2) || first["sortUnread"] != true {
		t.Fatalf("first = %v", first)
	}
	second := counts[1].(map[string]any)
	if second["unread"] != float64(0) || second["sortUnread"] != false {
		t.Fatalf("second = %v", second)
	}
}

func TestNotificationsInboxAndOpen(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	data := &fakeData{
		listNotifications: func(ctx context.Context, recipientID string, limit int) ([]store.Notification, error) {
			if recipientID != "u2" {
				t.Fatalf("recipient = %q", recipientID)
			}
			return []store.Notification{{
				ID: "ntf_1", RecipientID: "u2", Kind: "mention",
				Title: "Ana Freitas mentioned you", Body: "Hello",
				Link:  "https://atelier.test/products/prd_1?panel=comments",
				Scope: scope.Scope{EntityType: scope.EntityProduct, EntityID: "prd_1"},
				CommentID: "cmt_1", FromUserID: "u1", CreatedAt: created,
			}}, nil
		},
		markNotification: func(ctx context.Context, notificationID, recipientID string) (string, error) {
			if notificationID != "ntf_1" || recipientID != "u2" {
				t.Fatalf("mark %q for %q", notificationID, recipientID)
			}
			return "https://atelier.test/products/prd_1?panel=comments", nil
		},
	}
	srv := newTestServer(t, data)
	tok := token(t, "u2", "Bruno Costa", "member")

	rec := doRequest(t, srv, http.MethodGet, "/api/notifications", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	inbox := decodeMap(t, rec)["notifications"].([]any)
	if len(inbox) != 1 {
		t.Fatalf("inbox = %v", inbox)
	}
	row := inbox[0].(map[string]any)
	if row["scope"] != "product:prd_1" || row["read"] != false {
		t.Fatalf("row = %v", row)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/notifications/ntf_1/read", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("open status = %d: %s", rec.Code, rec.Body.String())
	}
	if link := decodeMap(t, rec)["link"]; link != "https://atelier.test/products/prd_1?panel=comments" {
		t.Fatalf("link = %v", link)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, &fakeData{})
	rec := doRequest(t, srv, http.MethodGet, "/api/nope", token(t, "u1", "Ana Freitas", "member"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

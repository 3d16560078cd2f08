// Package comments owns the live per-scope comment collections: optimistic
// posts merged exactly once with their server-confirmed echoes, edits,
// deletes with reply cascade, and render-ready snapshots.
package comments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"atelier/api/internal/mention"
	"atelier/api/internal/rbac"
	"atelier/api/internal/realtime"
	"atelier/api/internal/scope"
	"atelier/api/internal/store"
	"atelier/api/internal/util"
)

// Identity is the acting user, injected per call. No write path runs without
// one.
type Identity struct {
	UserID      string
	DisplayName string
	Role        rbac.Role
}

var (
	ErrNoIdentity   = errors.New("no acting identity")
	ErrEmptyContent = errors.New("empty content")
	ErrNotFound     = errors.New("comment not found")
	ErrNotAuthor    = errors.New("not the comment author")
	ErrBadParent    = errors.New("invalid parent comment")
	ErrScopeClosed  = errors.New("scope is closed")
)

type Store interface {
	ListComments(ctx context.Context, sc scope.Scope) ([]store.Comment, error)
	InsertComment(ctx context.Context, c store.Comment) (store.Comment, error)
	UpdateCommentContent(ctx context.Context, commentID, content string) (store.Comment, error)
	DeleteComment(ctx context.Context, commentID string) error
}

type Directory interface {
	Candidates(ctx context.Context, excludingUserID string) ([]mention.Candidate, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, c store.Comment, authorName string)
}

type Subscription interface {
	Close()
}

type Transport interface {
	Publish(ctx context.Context, sc scope.Scope, ev realtime.Event) error
	Subscribe(ctx context.Context, sc scope.Scope, h realtime.Handlers, lookup realtime.ProfileLookup) (Subscription, error)
}

type Service struct {
	store     Store
	transport Transport
	dir       Directory
	notifier  Notifier

	mu   sync.Mutex
	open map[scope.Scope]*Thread
}

func NewService(st Store, transport Transport, dir Directory, notifier Notifier) *Service {
	return &Service{
		store:     st,
		transport: transport,
		dir:       dir,
		notifier:  notifier,
		open:      make(map[scope.Scope]*Thread),
	}
}

// Open returns the live thread for a scope, attaching it on first use. At
// most one subscription is active per scope. The service lock only guards
// the registry; the initial fetch and the transport attach run outside it,
// so one scope's slow open never stalls operations on the others.
func (s *Service) Open(ctx context.Context, sc scope.Scope) (*Thread, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("open scope: %w", err)
	}

	s.mu.Lock()
	if t, ok := s.open[sc]; ok {
		s.mu.Unlock()
		select {
		case <-t.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if t.initErr != nil {
			return nil, t.initErr
		}
		return t, nil
	}

	threadCtx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		scope:  sc,
		svc:    s,
		ctx:    threadCtx,
		cancel: cancel,
		coll:   newCollection(),
		ready:  make(chan struct{}),
	}
	s.open[sc] = t
	s.mu.Unlock()

	if err := t.attach(ctx); err != nil {
		t.initErr = err
		close(t.ready)
		s.mu.Lock()
		if s.open[sc] == t {
			delete(s.open, sc)
		}
		s.mu.Unlock()
		t.close()
		return nil, err
	}
	close(t.ready)
	return t, nil
}

// Close detaches a scope. The thread is marked closed before its
// subscription drains, so events still in flight land on no-op handlers
// rather than a remounted scope.
func (s *Service) Close(sc scope.Scope) {
	s.mu.Lock()
	t, ok := s.open[sc]
	if ok {
		delete(s.open, sc)
	}
	s.mu.Unlock()
	if ok {
		t.close()
	}
}

// CloseAll detaches every open scope, for shutdown.
func (s *Service) CloseAll() {
	s.mu.Lock()
	threads := make([]*Thread, 0, len(s.open))
	for _, t := range s.open {
		threads = append(threads, t)
	}
	s.open = make(map[scope.Scope]*Thread)
	s.mu.Unlock()
	for _, t := range threads {
		t.close()
	}
}

// Thread is one mounted scope's live collection plus its subscription.
type Thread struct {
	scope  scope.Scope
	svc    *Service
	ctx    context.Context
	cancel context.CancelFunc
	sub    Subscription

	// ready closes once attach finished; initErr is set before then and
	// read only after.
	ready   chan struct{}
	initErr error

	mu     sync.Mutex
	coll   *collection
	closed bool
	stale  bool
}

// attach does the initial fetch and transport subscribe for a freshly
// registered thread. A concurrent Close between the two steps wins: the
// subscription is torn down again rather than leaked onto a dead thread.
func (t *Thread) attach(ctx context.Context) error {
	if err := t.refresh(ctx); err != nil {
		return err
	}
	sub, err := t.svc.transport.Subscribe(t.ctx, t.scope, t.handlers(), t.svc.dir)
	if err != nil {
		return fmt.Errorf("attach scope %s: %w", t.scope, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Close()
		return ErrScopeClosed
	}
	t.sub = sub
	t.mu.Unlock()
	return nil
}

func (t *Thread) Scope() scope.Scope {
	return t.scope
}

// Stale reports that the realtime attachment gave up; the scope needs a
// manual refresh.
func (t *Thread) Stale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale
}

// Post appends the comment optimistically, then performs the durable write.
// On failure the optimistic entry is rolled back and the error returned; on
// success the canonical record replaces it, the insert is broadcast, and
// notification fan-out runs exactly once.
func (t *Thread) Post(ctx context.Context, actor Identity, content string, parentID *string) (store.Comment, error) {
	if actor.UserID == "" {
		return store.Comment{}, ErrNoIdentity
	}
	if strings.TrimSpace(content) == "" {
		return store.Comment{}, ErrEmptyContent
	}
	if err := t.checkParent(parentID); err != nil {
		return store.Comment{}, err
	}

	candidates, err := t.svc.dir.Candidates(ctx, actor.UserID)
	if err != nil {
		log.Printf("comments: candidate lookup failed, posting without mentions: %v", err)
		candidates = nil
	}
	resolved := mention.Resolve(content, candidates)

	now := time.Now().UTC()
	pending := store.Comment{
		ID:            util.NewID("cmt"),
		Scope:         t.scope,
		AuthorID:      actor.UserID,
		ParentID:      parentID,
		Content:       content,
		TaggedUserIDs: resolved.TaggedUserIDs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ref := util.NewRef()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return store.Comment{}, ErrScopeClosed
	}
	t.coll.appendPending(pending, actor.DisplayName, ref)
	t.mu.Unlock()

	canonical, err := t.svc.store.InsertComment(ctx, pending)
	if err != nil {
		t.mu.Lock()
		t.coll.rollback(ref)
		t.mu.Unlock()
		return store.Comment{}, fmt.Errorf("post comment: %w", err)
	}

	t.mu.Lock()
	if !t.closed {
		// If our own echo won the race the confirm is a no-op; if the scope
		// was unmounted mid-flight the local result is discarded.
		t.coll.confirm(ref, canonical)
	}
	t.mu.Unlock()

	record := realtime.NewRecord(canonical)
	ev := realtime.Event{Type: realtime.EventInsert, Comment: &record, ClientRef: ref}
	if err := t.svc.transport.Publish(ctx, t.scope, ev); err != nil {
		log.Printf("comments: publish insert %s: %v", canonical.ID, err)
	}

	// Once per successful post, never per optimistic attempt.
	go t.svc.notifier.Notify(context.Background(), canonical, actor.DisplayName)

	return canonical, nil
}

func (t *Thread) checkParent(parentID *string) error {
	if parentID == nil {
		return nil
	}
	if !t.scope.Threaded() {
		return ErrBadParent
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.coll.indexOfID(*parentID)
	if idx < 0 {
		return ErrBadParent
	}
	// One level of nesting only.
	if t.coll.entries[idx].Comment.ParentID != nil {
		return ErrBadParent
	}
	return nil
}

// Edit overwrites a comment's body. Author-only; the tagged set stays frozen.
func (t *Thread) Edit(ctx context.Context, actor Identity, commentID, content string) (store.Comment, error) {
	if actor.UserID == "" {
		return store.Comment{}, ErrNoIdentity
	}
	if strings.TrimSpace(content) == "" {
		return store.Comment{}, ErrEmptyContent
	}

	existing, err := t.lookup(commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if existing.AuthorID != actor.UserID {
		return store.Comment{}, ErrNotAuthor
	}

	canonical, err := t.svc.store.UpdateCommentContent(ctx, commentID, content)
	if err != nil {
		return store.Comment{}, fmt.Errorf("edit comment: %w", err)
	}

	t.mu.Lock()
	if !t.closed {
		t.coll.applyUpdate(canonical)
	}
	t.mu.Unlock()

	record := realtime.NewRecord(canonical)
	if err := t.svc.transport.Publish(ctx, t.scope, realtime.Event{Type: realtime.EventUpdate, Comment: &record}); err != nil {
		log.Printf("comments: publish update %s: %v", canonical.ID, err)
	}
	return canonical, nil
}

// Remove deletes a comment. Allowed for the author, or anyone holding the
// moderate capability. Direct replies go with it.
func (t *Thread) Remove(ctx context.Context, actor Identity, commentID string) error {
	if actor.UserID == "" {
		return ErrNoIdentity
	}
	existing, err := t.lookup(commentID)
	if err != nil {
		return err
	}
	if existing.AuthorID != actor.UserID && !rbac.Can(actor.Role, rbac.CapModerate) {
		return ErrNotAuthor
	}

	if err := t.svc.store.DeleteComment(ctx, commentID); err != nil {
		return fmt.Errorf("remove comment: %w", err)
	}

	t.mu.Lock()
	if !t.closed {
		t.coll.applyDelete(commentID)
	}
	t.mu.Unlock()

	if err := t.svc.transport.Publish(ctx, t.scope, realtime.Event{Type: realtime.EventDelete, CommentID: commentID}); err != nil {
		log.Printf("comments: publish delete %s: %v", commentID, err)
	}
	return nil
}

func (t *Thread) lookup(commentID string) (store.Comment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.coll.indexOfID(commentID)
	if idx < 0 {
		return store.Comment{}, ErrNotFound
	}
	return t.coll.entries[idx].Comment, nil
}

func (t *Thread) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnInsert: func(rec realtime.CommentRecord, clientRef, authorName string) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closed {
				return
			}
			t.coll.applyInsert(rec.ToComment(), clientRef, authorName)
		},
		OnUpdate: func(rec realtime.CommentRecord) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closed {
				return
			}
			t.coll.applyUpdate(rec.ToComment())
		},
		OnDelete: func(commentID string) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closed {
				return
			}
			t.coll.applyDelete(commentID)
		},
		OnResync: func() {
			if err := t.refresh(t.ctx); err != nil {
				log.Printf("comments: resync %s: %v", t.scope, err)
			}
		},
		OnStale: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.stale = true
		},
	}
}

// refresh refetches the scope and reseeds the collection, keeping in-flight
// pending entries. Runs on open and after a transport gap.
func (t *Thread) refresh(ctx context.Context) error {
	comments, err := t.svc.store.ListComments(ctx, t.scope)
	if err != nil {
		return fmt.Errorf("fetch scope %s: %w", t.scope, err)
	}

	names := make(map[string]string)
	for _, c := range comments {
		if _, ok := names[c.AuthorID]; ok {
			continue
		}
		name, err := t.svc.dir.DisplayName(ctx, c.AuthorID)
		if err != nil || name == "" {
			name = realtime.UnknownAuthor
		}
		names[c.AuthorID] = name
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.coll.seed(comments, names)
	t.stale = false
	return nil
}

func (t *Thread) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sub := t.sub
	t.mu.Unlock()

	// Cancel before waiting on the subscription. The consumer goroutine may
	// be parked in a resync refetch on t.ctx, and sub.Close blocks until the
	// consumer drains; canceling after would deadlock.
	t.cancel()
	if sub != nil {
		sub.Close()
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"atelier/api/internal/scope"

	"github.com/redis/go-redis/v9"
)

type State int32

const (
	StateClosed State = iota
	StateOpening
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// UnknownAuthor is the placeholder name for insert events whose profile
// lookup failed. The event is still delivered.
const UnknownAuthor = "Unknown"

const (
	eventBuffer          = 64
	reconnectBaseDelay   = 250 * time.Millisecond
	reconnectMaxDelay    = 5 * time.Second
	maxReconnectAttempts = 5
	lookupTimeout        = 2 * time.Second
)

type ProfileLookup interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Handlers receive decoded events on the subscription's consumer goroutine,
// in arrival order. OnResync fires after a reattachment: events during the
// gap were not replayed and the owner must refetch the scope. OnStale fires
// when reattachment gives up.
type Handlers struct {
	OnInsert func(rec CommentRecord, clientRef, authorName string)
	OnUpdate func(rec CommentRecord)
	OnDelete func(commentID string)
	OnResync func()
	OnStale  func()
}

type queued struct {
	ev     Event
	resync bool
	stale  bool
}

// Subscription is one logical subscription for one scope:
// Closed -> Opening -> Active -> (Closed | Reconnecting -> Active).
type Subscription struct {
	scope        scope.Scope
	client       *redis.Client
	handlers     Handlers
	lookup       ProfileLookup
	state        atomic.Int32
	events       chan queued
	cancel       context.CancelFunc
	readerDone   chan struct{}
	consumerDone chan struct{}
}

// Subscribe attaches to the scope's channel. The initial attach is
// synchronous so a dead transport surfaces immediately; afterwards events
// arrive on a bounded channel drained by a dedicated consumer goroutine, so
// a slow consumer backpressures the reader instead of growing a queue.
func (b *Broker) Subscribe(ctx context.Context, sc scope.Scope, h Handlers, lookup ProfileLookup) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		scope:        sc,
		client:       b.client,
		handlers:     h,
		lookup:       lookup,
		events:       make(chan queued, eventBuffer),
		cancel:       cancel,
		readerDone:   make(chan struct{}),
		consumerDone: make(chan struct{}),
	}

	s.setState(StateOpening)
	pubsub := b.client.Subscribe(ctx, sc.Channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		cancel()
		s.setState(StateClosed)
		return nil, fmt.Errorf("subscribe %s: %w", sc.Channel(), err)
	}
	s.setState(StateActive)

	go s.read(ctx, pubsub)
	go s.consume(ctx)
	return s, nil
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

func (s *Subscription) setState(state State) {
	s.state.Store(int32(state))
}

// Close detaches from the transport and stops both goroutines. Queued but
// undelivered events are discarded: the scope is unmounted.
func (s *Subscription) Close() {
	s.cancel()
	<-s.readerDone
	<-s.consumerDone
	s.setState(StateClosed)
}

func (s *Subscription) read(ctx context.Context, pubsub *redis.PubSub) {
	defer close(s.readerDone)
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				s.setState(StateClosed)
				return
			}

			s.setState(StateReconnecting)
			reattached, next := s.reattach(ctx)
			if ctx.Err() != nil {
				s.setState(StateClosed)
				return
			}
			if !reattached {
				log.Printf("realtime: giving up on %s after %d attempts, scope is stale", s.scope.Channel(), maxReconnectAttempts)
				s.setState(StateClosed)
				s.enqueue(ctx, queued{stale: true})
				return
			}

			pubsub = next
			s.setState(StateActive)
			// No replay across the gap: tell the owner to refetch.
			s.enqueue(ctx, queued{resync: true})
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("realtime: dropping malformed event on %s: %v", s.scope.Channel(), err)
			continue
		}
		s.enqueue(ctx, queued{ev: ev})
	}
}

func (s *Subscription) reattach(ctx context.Context) (bool, *redis.PubSub) {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(delay):
		}

		pubsub := s.client.Subscribe(ctx, s.scope.Channel())
		_, err := pubsub.Receive(ctx)
		if err == nil {
			return true, pubsub
		}
		log.Printf("realtime: reattach %s attempt %d: %v", s.scope.Channel(), attempt, err)
		_ = pubsub.Close()

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
	return false, nil
}

func (s *Subscription) enqueue(ctx context.Context, q queued) {
	select {
	case s.events <- q:
	case <-ctx.Done():
	}
}

func (s *Subscription) consume(ctx context.Context) {
	defer close(s.consumerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-s.events:
			s.dispatch(ctx, q)
		}
	}
}

func (s *Subscription) dispatch(ctx context.Context, q queued) {
	switch {
	case q.stale:
		if s.handlers.OnStale != nil {
			s.handlers.OnStale()
		}
	case q.resync:
		if s.handlers.OnResync != nil {
			s.handlers.OnResync()
		}
	case q.ev.Type == EventInsert && q.ev.Comment != nil:
		if s.handlers.OnInsert != nil {
			s.handlers.OnInsert(*q.ev.Comment, q.ev.ClientRef, s.authorName(ctx, q.ev.Comment.AuthorID))
		}
	case q.ev.Type == EventUpdate && q.ev.Comment != nil:
		if s.handlers.OnUpdate != nil {
			s.handlers.OnUpdate(*q.ev.Comment)
		}
	case q.ev.Type == EventDelete && q.ev.CommentID != "":
		if s.handlers.OnDelete != nil {
			s.handlers.OnDelete(q.ev.CommentID)
		}
	}
}

// authorName enriches an insert with the author's display name. A failed
// lookup never blocks or drops the event; the placeholder goes out instead.
func (s *Subscription) authorName(ctx context.Context, userID string) string {
	if s.lookup == nil {
		return UnknownAuthor
	}
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	name, err := s.lookup.DisplayName(lookupCtx, userID)
	if err != nil || name == "" {
		log.Printf("realtime: profile lookup for %s failed, using placeholder: %v", userID, err)
		return UnknownAuthor
	}
	return name
}

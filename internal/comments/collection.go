package comments

import (
	"sort"
	"time"

	"atelier/api/internal/store"
)

// echoWindow bounds the content+author heuristic used to match a realtime
// echo against a pending entry when the event arrives without a client ref.
const echoWindow = 10 * time.Second

// Entry is one live row: a confirmed comment, or an optimistic one still
// waiting on its durable write.
type Entry struct {
	Comment    store.Comment
	AuthorName string
	ClientRef  string
	Pending    bool
}

// collection is a single scope's live list, ordered by (CreatedAt, ID).
// Pending entries move to confirmed or are rolled back; they are keyed by
// their client ref so reconciling a server echo is a lookup.
type collection struct {
	entries []Entry
	ids     map[string]struct{}
	refs    map[string]struct{}
}

func newCollection() *collection {
	return &collection{
		ids:  make(map[string]struct{}),
		refs: make(map[string]struct{}),
	}
}

func entryLess(a, b Entry) bool {
	if !a.Comment.CreatedAt.Equal(b.Comment.CreatedAt) {
		return a.Comment.CreatedAt.Before(b.Comment.CreatedAt)
	}
	return a.Comment.ID < b.Comment.ID
}

func (c *collection) insertSorted(e Entry) {
	idx := sort.Search(len(c.entries), func(i int) bool {
		return entryLess(e, c.entries[i])
	})
	c.entries = append(c.entries, Entry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = e
	c.ids[e.Comment.ID] = struct{}{}
}

func (c *collection) removeAt(idx int) {
	delete(c.ids, c.entries[idx].Comment.ID)
	if ref := c.entries[idx].ClientRef; ref != "" {
		delete(c.refs, ref)
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
}

func (c *collection) indexOfID(commentID string) int {
	for i := range c.entries {
		if c.entries[i].Comment.ID == commentID {
			return i
		}
	}
	return -1
}

func (c *collection) indexOfRef(ref string) int {
	if ref == "" {
		return -1
	}
	if _, ok := c.refs[ref]; !ok {
		return -1
	}
	for i := range c.entries {
		if c.entries[i].Pending && c.entries[i].ClientRef == ref {
			return i
		}
	}
	return -1
}

// seed replaces all confirmed entries with a fresh fetch, keeping pending
// entries whose id the fetch does not know yet. Used on open and on resync
// after a transport gap.
func (c *collection) seed(comments []store.Comment, authorNames map[string]string) {
	var pending []Entry
	for _, e := range c.entries {
		if e.Pending {
			pending = append(pending, e)
		}
	}

	c.entries = nil
	c.ids = make(map[string]struct{})
	c.refs = make(map[string]struct{})

	for _, cm := range comments {
		c.insertSorted(Entry{Comment: cm, AuthorName: authorNames[cm.AuthorID]})
	}
	for _, e := range pending {
		if _, ok := c.ids[e.Comment.ID]; ok {
			// The durable write landed while we were refetching.
			continue
		}
		c.refs[e.ClientRef] = struct{}{}
		c.insertSorted(e)
	}
}

func (c *collection) appendPending(cm store.Comment, authorName, ref string) {
	c.refs[ref] = struct{}{}
	c.insertSorted(Entry{Comment: cm, AuthorName: authorName, ClientRef: ref, Pending: true})
}

// confirm swaps a pending entry for its canonical record. Returns false when
// the ref is unknown (already confirmed via echo, or rolled back).
func (c *collection) confirm(ref string, canonical store.Comment) bool {
	idx := c.indexOfRef(ref)
	if idx < 0 {
		return false
	}
	authorName := c.entries[idx].AuthorName
	c.removeAt(idx)
	c.insertSorted(Entry{Comment: canonical, AuthorName: authorName})
	return true
}

// rollback removes a failed optimistic entry, restoring the collection to its
// pre-post state.
func (c *collection) rollback(ref string) bool {
	idx := c.indexOfRef(ref)
	if idx < 0 {
		return false
	}
	c.removeAt(idx)
	return true
}

// applyInsert reconciles a realtime insert. The same logical comment may
// already be present as a confirmed entry (dedup by id), as a pending entry
// matched by client ref, or as a pending entry matched heuristically; only a
// genuinely new comment is appended.
func (c *collection) applyInsert(cm store.Comment, ref, authorName string) {
	if idx := c.indexOfID(cm.ID); idx >= 0 {
		// Comment ids are client-generated, so our own echo can land before
		// the local confirm. The server durably has it either way.
		if c.entries[idx].Pending {
			c.confirm(c.entries[idx].ClientRef, cm)
		}
		return
	}
	if c.confirm(ref, cm) {
		return
	}
	for i := range c.entries {
		e := c.entries[i]
		if !e.Pending || e.Comment.AuthorID != cm.AuthorID || e.Comment.Content != cm.Content {
			continue
		}
		if absDuration(e.Comment.CreatedAt.Sub(cm.CreatedAt)) <= echoWindow {
			c.confirm(e.ClientRef, cm)
			return
		}
	}
	c.insertSorted(Entry{Comment: cm, AuthorName: authorName})
}

func (c *collection) applyUpdate(cm store.Comment) {
	idx := c.indexOfID(cm.ID)
	if idx < 0 {
		return
	}
	// The tagged set was frozen at post time; only the body and updated_at
	// move.
	c.entries[idx].Comment.Content = cm.Content
	c.entries[idx].Comment.UpdatedAt = cm.UpdatedAt
}

// applyDelete removes a comment and, in threaded scopes, its direct replies.
func (c *collection) applyDelete(commentID string) {
	idx := c.indexOfID(commentID)
	if idx < 0 {
		return
	}
	c.removeAt(idx)
	for i := len(c.entries) - 1; i >= 0; i-- {
		parent := c.entries[i].Comment.ParentID
		if parent != nil && *parent == commentID {
			c.removeAt(i)
		}
	}
}

func (c *collection) snapshot() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

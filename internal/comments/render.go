package comments

import (
	"context"
	"log"

	"atelier/api/internal/mention"
)

// RenderedSegment is one run of a comment body, either plain text or a
// styled mention of a user.
type RenderedSegment struct {
	Text   string        `json:"text"`
	UserID string        `json:"userId,omitempty"`
	Style  mention.Style `json:"style,omitempty"`
}

// RenderedComment is a comment prepared for display: author name attached,
// body split into styled segments, direct replies nested one level deep.
type RenderedComment struct {
	ID         string            `json:"id"`
	AuthorID   string            `json:"authorId"`
	AuthorName string            `json:"authorName"`
	ParentID   *string           `json:"parentId,omitempty"`
	Segments   []RenderedSegment `json:"segments"`
	CreatedAt  string            `json:"createdAt"`
	UpdatedAt  string            `json:"updatedAt"`
	Pending    bool              `json:"pending,omitempty"`
	Replies    []RenderedComment `json:"replies,omitempty"`
}

// Snapshot renders the thread for a viewer. Mention highlighting is recomputed
// against the current directory, then restricted to each comment's frozen
// tagged set so later renames or additions never promote new mentions.
func (t *Thread) Snapshot(ctx context.Context, viewer Identity) []RenderedComment {
	candidates, err := t.svc.dir.Candidates(ctx, "")
	if err != nil {
		log.Printf("comments: render candidates: %v", err)
		candidates = nil
	}

	t.mu.Lock()
	entries := t.coll.snapshot()
	t.mu.Unlock()

	roots := make([]RenderedComment, 0, len(entries))
	index := make(map[string]int)
	var orphans []RenderedComment
	for _, e := range entries {
		rc := renderEntry(e, candidates, viewer.UserID)
		if e.Comment.ParentID == nil {
			index[e.Comment.ID] = len(roots)
			roots = append(roots, rc)
			continue
		}
		if i, ok := index[*e.Comment.ParentID]; ok {
			roots[i].Replies = append(roots[i].Replies, rc)
		} else {
			// Parent deleted out from under the reply; show it at top level
			// rather than dropping it.
			orphans = append(orphans, rc)
		}
	}
	return append(roots, orphans...)
}

func renderEntry(e Entry, candidates []mention.Candidate, viewerID string) RenderedComment {
	c := e.Comment
	res := mention.Resolve(c.Content, candidates).Restrict(c.TaggedUserIDs)
	segments := make([]RenderedSegment, 0, len(res.Segments))
	for _, seg := range res.Segments {
		segments = append(segments, RenderedSegment{
			Text:   seg.Text,
			UserID: seg.UserID,
			Style:  seg.StyleFor(viewerID, c.AuthorID),
		})
	}
	return RenderedComment{
		ID:         c.ID,
		AuthorID:   c.AuthorID,
		AuthorName: e.AuthorName,
		ParentID:   c.ParentID,
		Segments:   segments,
		CreatedAt:  c.CreatedAt.Format(timeLayout),
		UpdatedAt:  c.UpdatedAt.Format(timeLayout),
		Pending:    e.Pending,
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

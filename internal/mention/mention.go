// Package mention parses free text for @Name tokens and resolves them against
// a directory of candidate profiles. Resolution is a pure function; callers
// persist the tagged set it produces and freeze it at post time.
package mention

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Candidate is the profile projection the resolver matches against. Slice
// order is directory order: when two candidates share a display name, the
// first one wins. That tie rule mirrors the host directory's ordering and is
// a known ambiguity for duplicate names, not a correctness guarantee.
type Candidate struct {
	ID          string
	DisplayName string
}

// Segment is a run of text. UserID is set when the run is a resolved mention
// (including the leading @); it is empty for plain text.
type Segment struct {
	Text   string
	UserID string
}

type Resolution struct {
	Segments      []Segment
	TaggedUserIDs []string
}

// Style classifies a mention span for downstream display so the caller never
// re-parses: a mention of the current viewer, a mention the viewer authored,
// or a mention of a third party.
type Style string

const (
	StyleNone  Style = ""
	StyleOfMe  Style = "mention-of-me"
	StyleByMe  Style = "mention-by-me"
	StyleOther Style = "mention"
)

func (s Segment) StyleFor(viewerID, authorID string) Style {
	if s.UserID == "" {
		return StyleNone
	}
	if s.UserID == viewerID {
		return StyleOfMe
	}
	if authorID == viewerID {
		return StyleByMe
	}
	return StyleOther
}

// Resolve splits text on @ followed by one or two whitespace-delimited words
// and matches each token case-insensitively against candidate display names.
// Two-word tokens are tried first so "@Jane Doe" prefers the full name over a
// candidate named just "Jane". Unmatched @tokens stay plain text.
func Resolve(text string, candidates []Candidate) Resolution {
	res := Resolution{Segments: []Segment{}}
	var plain strings.Builder
	flush := func() {
		if plain.Len() > 0 {
			res.Segments = append(res.Segments, Segment{Text: plain.String()})
			plain.Reset()
		}
	}

	i := 0
	for i < len(text) {
		if text[i] != '@' {
			r, size := utf8.DecodeRuneInString(text[i:])
			plain.WriteRune(r)
			i += size
			continue
		}

		rest := text[i+1:]
		ends := wordEnds(rest, 2)
		var span int
		var userID string
		for n := len(ends) - 1; n >= 0; n-- {
			if id, ok := lookup(rest[:ends[n]], candidates); ok {
				span = ends[n]
				userID = id
				break
			}
		}
		if userID == "" {
			plain.WriteByte('@')
			i++
			continue
		}

		flush()
		res.Segments = append(res.Segments, Segment{Text: "@" + rest[:span], UserID: userID})
		if !contains(res.TaggedUserIDs, userID) {
			res.TaggedUserIDs = append(res.TaggedUserIDs, userID)
		}
		i += 1 + span
	}
	flush()
	return res
}

// Restrict demotes mention segments whose user is not in allowed back to plain
// text and recomputes the tagged set. Rendering a stored comment passes the
// tagged set frozen at post time, so editing text never grows who was tagged.
func (r Resolution) Restrict(allowed []string) Resolution {
	ok := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		ok[id] = true
	}

	out := Resolution{Segments: []Segment{}}
	var plain strings.Builder
	flush := func() {
		if plain.Len() > 0 {
			out.Segments = append(out.Segments, Segment{Text: plain.String()})
			plain.Reset()
		}
	}
	for _, seg := range r.Segments {
		if seg.UserID == "" || !ok[seg.UserID] {
			plain.WriteString(seg.Text)
			continue
		}
		flush()
		out.Segments = append(out.Segments, seg)
		if !contains(out.TaggedUserIDs, seg.UserID) {
			out.TaggedUserIDs = append(out.TaggedUserIDs, seg.UserID)
		}
	}
	flush()
	return out
}

func lookup(token string, candidates []Candidate) (string, bool) {
	for _, c := range candidates {
		if strings.EqualFold(c.DisplayName, token) {
			return c.ID, true
		}
	}
	return "", false
}

// wordEnds returns the end offsets in s of the spans covering the first max
// whitespace-delimited words. The first word must start immediately at s[0].
func wordEnds(s string, max int) []int {
	var ends []int
	i := 0
	for len(ends) < max {
		if len(ends) > 0 {
			j := i
			for j < len(s) {
				r, size := utf8.DecodeRuneInString(s[j:])
				if !unicode.IsSpace(r) {
					break
				}
				j += size
			}
			if j == i || j >= len(s) {
				break
			}
			i = j
		}
		start := i
		for i < len(s) {
			r, size := utf8.DecodeRuneInString(s[i:])
			if unicode.IsSpace(r) {
				break
			}
			i += size
		}
		if i == start {
			break
		}
		ends = append(ends, i)
	}
	return ends
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

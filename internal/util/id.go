package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a prefixed random identifier for durable records
// ("cmt_...", "ntf_...").
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewRef returns a correlation ref for a pending optimistic write. The ref
// travels inside the published realtime event so the poster can recognize its
// own echo with a lookup instead of a heuristic.
func NewRef() string {
	return uuid.NewString()
}

package store

import (
	"time"

	"github.com/matheus3301/maksum/internal/model"
)

const (
	messageTypeText  = "text"
	messageTypeVoice = "voice"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message model.Message
	Snippet string
}

// Timestamps are stored as unix nanoseconds; 0 means unknown.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

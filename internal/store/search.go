package store

import (
	"strings"
	"unicode/utf8"
)

const snippetRadius = 32

// SearchMessages finds indexed messages whose text or transcription contains
// query, case-insensitively. An empty conversationID searches everything.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	pattern := "%" + escapeLike(query) + "%"
	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (body LIKE ? ESCAPE '\' OR transcription LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC, position DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		text := m.Text
		if m.Voice != nil && m.Voice.Transcription != nil {
			text = *m.Voice.Transcription
		}
		results = append(results, SearchResult{Message: m, Snippet: snippet(text, query)})
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match of query in text with << >> and trims the
// surroundings to a few dozen bytes on each side.
func snippet(text, query string) string {
	lower, needle := strings.ToLower(text), strings.ToLower(query)
	idx := strings.Index(lower, needle)
	if idx < 0 || len(lower) != len(text) {
		return text
	}
	end := idx + len(needle)
	start := max(0, idx-snippetRadius)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	stop := min(len(text), end+snippetRadius)
	for stop < len(text) && !utf8.RuneStart(text[stop]) {
		stop++
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(text[start:idx])
	b.WriteString("<<")
	b.WriteString(text[idx:end])
	b.WriteString(">>")
	b.WriteString(text[end:stop])
	if stop < len(text) {
		b.WriteString("...")
	}
	return b.String()
}

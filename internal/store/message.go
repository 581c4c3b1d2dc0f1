package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/maksum/internal/model"
)

const messageColumns = `conversation_id, id, sender_id, body, message_type,
	audio_ref, duration_seconds, transcription, created_at`

// ReplaceMessages swaps the indexed history of a conversation for msgs,
// keeping their order.
func (db *DB) ReplaceMessages(conversationID string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO messages (` + messageColumns + `, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, m := range msgs {
		var (
			kind          = messageTypeText
			audioRef      string
			duration      sql.NullFloat64
			transcription sql.NullString
		)
		if m.Voice != nil {
			kind = messageTypeVoice
			audioRef = m.Voice.AudioRef
			if m.Voice.DurationSeconds != nil {
				duration = sql.NullFloat64{Float64: *m.Voice.DurationSeconds, Valid: true}
			}
			if m.Voice.Transcription != nil {
				transcription = sql.NullString{String: *m.Voice.Transcription, Valid: true}
			}
		}
		if _, err := stmt.Exec(conversationID, m.ID, m.SenderID, m.Text, kind,
			audioRef, duration, transcription, toUnix(m.CreatedAt), i); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns the indexed history of a conversation in order.
func (db *DB) ListMessages(conversationID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY position`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns how many messages are indexed across conversations.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func scanMessage(s scanner) (model.Message, error) {
	var (
		m             model.Message
		kind          string
		audioRef      string
		duration      sql.NullFloat64
		transcription sql.NullString
		created       int64
	)
	if err := s.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Text, &kind,
		&audioRef, &duration, &transcription, &created); err != nil {
		return m, err
	}
	m.CreatedAt = fromUnix(created)
	if kind == messageTypeVoice {
		v := &model.Voice{AudioRef: audioRef}
		if duration.Valid {
			d := duration.Float64
			v.DurationSeconds = &d
		}
		if transcription.Valid {
			tr := transcription.String
			v.Transcription = &tr
		}
		m.Voice = v
	}
	return m, nil
}

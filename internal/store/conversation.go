package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/maksum/internal/model"
)

// ReplaceConversations swaps the indexed conversation list for convs,
// keeping their order.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO conversations (id, peer_id, peer_display_name, peer_avatar_ref,
			last_message_preview, last_message_sender_id, last_message_at, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, c := range convs {
		if _, err := stmt.Exec(c.ID, c.PeerID, c.PeerDisplayName, c.PeerAvatarRef,
			c.LastMessagePreview, c.LastMessageSenderID, toUnix(c.LastMessageAt), i); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns the indexed list in its original order.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, peer_id, peer_display_name, peer_avatar_ref,
			last_message_preview, last_message_sender_id, last_message_at
		FROM conversations
		ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if it is not indexed.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, peer_id, peer_display_name, peer_avatar_ref,
			last_message_preview, last_message_sender_id, last_message_at
		FROM conversations
		WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (model.Conversation, error) {
	var (
		c  model.Conversation
		at int64
	)
	err := s.Scan(&c.ID, &c.PeerID, &c.PeerDisplayName, &c.PeerAvatarRef,
		&c.LastMessagePreview, &c.LastMessageSenderID, &at)
	c.LastMessageAt = fromUnix(at)
	return c, err
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"refeed/internal/domain"
)

const messageColumns = `seq,id,conversation_id,sender_id,receiver_id,listing_id,mission_id,content,message_type,attachments_json,is_read,read_at,created_at`

// scanMessage reads messageColumns followed by any extra destinations.
func scanMessage(s scanner, extra ...any) (domain.Message, error) {
	var (
		m                            domain.Message
		listingID, missionID, readAt sql.NullString
		attachments                  string
		isRead                       int
	)
	dest := append([]any{&m.Seq, &m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &listingID, &missionID, &m.Content, &m.MessageType,
		&attachments, &isRead, &readAt, &m.CreatedAt}, extra...)
	err := s.Scan(dest...)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ListingID = stringPtr(listingID)
	m.MissionID = stringPtr(missionID)
	m.ReadAt = stringPtr(readAt)
	m.IsRead = isRead != 0
	m.Attachments = []string{}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return m, fmt.Errorf("decode attachments for message %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	attachments, err := marshalJSON(nonNilStrings(m.Attachments))
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO messages(id,conversation_id,sender_id,receiver_id,listing_id,mission_id,content,message_type,attachments_json,is_read,read_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, nullableStringPtr(m.ListingID), nullableStringPtr(m.MissionID),
		m.Content, m.MessageType, attachments, boolToInt(m.IsRead), nullableStringPtr(m.ReadAt), m.CreatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, tx *sql.Tx, id string) (domain.Message, error) {
	return scanMessage(r.on(tx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

// ListConversation returns up to limit messages sent before the message with sequence beforeSeq
// (all when zero), oldest first.
func (r Repo) ListConversation(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id=?`
	args := []any{conversationID}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	msgs, err := r.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r Repo) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ConversationHead is the latest message of a conversation plus the reader's unread count.
type ConversationHead struct {
	Last        domain.Message
	UnreadCount int
}

// ConversationHeads lists the user's conversations, most recently active first.
func (r Repo) ConversationHeads(ctx context.Context, userID string) ([]ConversationHead, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+`,
(SELECT COUNT(*) FROM messages u WHERE u.conversation_id=m.conversation_id AND u.receiver_id=? AND u.is_read=0)
FROM messages m
WHERE m.seq = (SELECT MAX(x.seq) FROM messages x WHERE x.conversation_id=m.conversation_id)
  AND (m.sender_id=? OR m.receiver_id=?)
ORDER BY m.seq DESC`, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ConversationHead
	for rows.Next() {
		var head ConversationHead
		head.Last, err = scanMessage(rows, &head.UnreadCount)
		if err != nil {
			return nil, err
		}
		res = append(res, head)
	}
	return res, rows.Err()
}

// MarkConversationRead marks every unread message addressed to readerID as read.
func (r Repo) MarkConversationRead(ctx context.Context, tx *sql.Tx, conversationID, readerID, now string) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE messages SET is_read=1, read_at=? WHERE conversation_id=? AND receiver_id=? AND is_read=0`,
		now, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteMessage(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

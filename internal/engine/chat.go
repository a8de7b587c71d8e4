package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"refeed/internal/domain"
	"refeed/internal/engine/auth"
	"refeed/internal/errs"
	"refeed/internal/events"
	"refeed/internal/notify"
)

// ConversationID is the same for both directions between two users.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// MessageInput is a direct message.
type MessageInput struct {
	ReceiverID  string   `json:"receiver_id" validate:"required"`
	Content     string   `json:"content" validate:"required,max=1000"`
	MessageType string   `json:"message_type,omitempty" validate:"omitempty,oneof=text image location system"`
	ListingID   *string  `json:"listing_id,omitempty"`
	MissionID   *string  `json:"mission_id,omitempty"`
	Attachments []string `json:"attachments,omitempty" validate:"omitempty,max=5,dive,url"`
}

func (e Engine) SendMessage(ctx context.Context, caller auth.Caller, in MessageInput) (domain.Message, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := validateInput(in); err != nil {
		return domain.Message{}, err
	}
	if in.ReceiverID == caller.UserID {
		return domain.Message{}, fmt.Errorf("%w: cannot message yourself", errs.ErrInvalidInput)
	}
	if in.MessageType == "" {
		in.MessageType = "text"
	}
	attachments := in.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	now := e.nowString()
	m := domain.Message{
		ID:             newID(),
		ConversationID: ConversationID(caller.UserID, in.ReceiverID),
		SenderID:       caller.UserID,
		ReceiverID:     in.ReceiverID,
		ListingID:      in.ListingID,
		MissionID:      in.MissionID,
		Content:        in.Content,
		MessageType:    in.MessageType,
		Attachments:    attachments,
		CreatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetUser(ctx, tx, in.ReceiverID); err != nil {
		return domain.Message{}, userErr(in.ReceiverID, err)
	}
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.MessageSent, "message", m.ID, caller.UserID, events.EventPayload{
		"conversation_id": m.ConversationID,
		"receiver_id":     m.ReceiverID,
	}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	e.broadcast([]string{m.ReceiverID}, notify.EventNewMessage, m)
	return m, nil
}

// ConversationPage returns messages with otherUserID oldest first. Before is a message id
// to page backwards from.
func (e Engine) ConversationPage(ctx context.Context, caller auth.Caller, otherUserID string, limit int, before string) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	convID := ConversationID(caller.UserID, otherUserID)
	var beforeSeq int64
	if before != "" {
		anchor, err := e.Repo.GetMessage(ctx, nil, before)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown cursor message %s", errs.ErrInvalidInput, before)
			}
			return nil, err
		}
		if anchor.ConversationID != convID {
			return nil, fmt.Errorf("%w: cursor message belongs to another conversation", errs.ErrInvalidInput)
		}
		beforeSeq = anchor.Seq
	}
	msgs, err := e.Repo.ListConversation(ctx, convID, limit, beforeSeq)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// Conversations lists the caller's conversations with the latest message and unread count.
func (e Engine) Conversations(ctx context.Context, caller auth.Caller) ([]domain.Conversation, error) {
	heads, err := e.Repo.ConversationHeads(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	others := make([]string, 0, len(heads))
	for _, h := range heads {
		others = append(others, otherParty(h.Last, caller.UserID))
	}
	users, err := e.Repo.UsersByIDs(ctx, others)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(heads))
	for i, h := range heads {
		other := domain.UserSummary{ID: others[i]}
		if u, ok := users[others[i]]; ok {
			other = u.Summary()
		}
		res = append(res, domain.Conversation{
			ID:          h.Last.ConversationID,
			OtherUser:   other,
			LastMessage: h.Last,
			UnreadCount: h.UnreadCount,
		})
	}
	return res, nil
}

func otherParty(m domain.Message, userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// MarkConversationRead marks messages from otherUserID to the caller as read and returns how many changed.
func (e Engine) MarkConversationRead(ctx context.Context, caller auth.Caller, otherUserID string) (int64, error) {
	return e.Repo.MarkConversationRead(ctx, nil, ConversationID(caller.UserID, otherUserID), caller.UserID, e.nowString())
}

// DeleteMessage removes one of the caller's own messages.
func (e Engine) DeleteMessage(ctx context.Context, caller auth.Caller, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMessage(ctx, tx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
		}
		return err
	}
	if m.SenderID != caller.UserID {
		return auth.ForbiddenError{Action: "delete message", Reason: "only the sender may delete a message"}
	}
	if err := e.Repo.DeleteMessage(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

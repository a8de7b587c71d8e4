package engine_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"refeed/internal/domain"
	"refeed/internal/engine"
	"refeed/internal/errs"
)

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestConversationKeepsSendOrderWithinOneSecond(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)

	// The clock never moves, so every message shares one created_at.
	var want []string
	for i := 0; i < 20; i++ {
		content := fmt.Sprintf("m%02d", i)
		want = append(want, content)
		_, err := env.Engine.SendMessage(env.Ctx, donor, engine.MessageInput{ReceiverID: receiver.UserID, Content: content})
		require.NoError(t, err)
	}

	all, err := env.Engine.ConversationPage(env.Ctx, receiver, donor.UserID, 0, "")
	require.NoError(t, err)
	require.Equal(t, want, contents(all))

	last, err := env.Engine.ConversationPage(env.Ctx, donor, receiver.UserID, 8, "")
	require.NoError(t, err)
	require.Equal(t, want[12:], contents(last))
	middle, err := env.Engine.ConversationPage(env.Ctx, donor, receiver.UserID, 8, last[0].ID)
	require.NoError(t, err)
	require.Equal(t, want[4:12], contents(middle))
	first, err := env.Engine.ConversationPage(env.Ctx, donor, receiver.UserID, 8, middle[0].ID)
	require.NoError(t, err)
	require.Equal(t, want[:4], contents(first))

	convs, err := env.Engine.Conversations(env.Ctx, receiver)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "m19", convs[0].LastMessage.Content)
	require.Equal(t, 20, convs[0].UnreadCount)
	require.Equal(t, donor.UserID, convs[0].OtherUser.ID)
}

func TestConversationPageCursorRules(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)

	other, err := env.Engine.SendMessage(env.Ctx, donor, engine.MessageInput{ReceiverID: volunteer.UserID, Content: "pickup at 5?"})
	require.NoError(t, err)
	_, err = env.Engine.ConversationPage(env.Ctx, donor, receiver.UserID, 10, other.ID)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = env.Engine.ConversationPage(env.Ctx, donor, receiver.UserID, 10, "missing")
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	empty, err := env.Engine.ConversationPage(env.Ctx, donor, receiver.UserID, 10, "")
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	_, err = env.Engine.SendMessage(env.Ctx, donor, engine.MessageInput{ReceiverID: donor.UserID, Content: "note to self"})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestConversationsDecodeAttachments(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)

	_, err := env.Engine.SendMessage(env.Ctx, donor, engine.MessageInput{
		ReceiverID:  receiver.UserID,
		Content:     "see photo",
		MessageType: "image",
		Attachments: []string{"https://img.example.org/crate.jpg"},
	})
	require.NoError(t, err)

	convs, err := env.Engine.Conversations(env.Ctx, donor)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, []string{"https://img.example.org/crate.jpg"}, convs[0].LastMessage.Attachments)
	require.Equal(t, 0, convs[0].UnreadCount)

	n, err := env.Engine.MarkConversationRead(env.Ctx, receiver, donor.UserID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	convs, err = env.Engine.Conversations(env.Ctx, receiver)
	require.NoError(t, err)
	require.Equal(t, 0, convs[0].UnreadCount)
}

func TestDeleteMessageBySenderOnly(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)

	msg, err := env.Engine.SendMessage(env.Ctx, donor, engine.MessageInput{ReceiverID: receiver.UserID, Content: "hello"})
	require.NoError(t, err)

	require.ErrorIs(t, env.Engine.DeleteMessage(env.Ctx, receiver, msg.ID), errs.ErrForbidden)
	require.ErrorIs(t, env.Engine.DeleteMessage(env.Ctx, donor, "missing"), errs.ErrNotFound)
	require.NoError(t, env.Engine.DeleteMessage(env.Ctx, donor, msg.ID))
	require.ErrorIs(t, env.Engine.DeleteMessage(env.Ctx, donor, msg.ID), errs.ErrNotFound)

	page, err := env.Engine.ConversationPage(env.Ctx, receiver, donor.UserID, 10, "")
	require.NoError(t, err)
	require.Empty(t, page)
}

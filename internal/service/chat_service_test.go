// file: internal/service/chat_service_test.go
package service

import (
	"LinguaLearn/internal/core/port"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatService(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	uid := seedUser(t, st, "gina")
	other := seedUser(t, st, "hank")
	svc := NewChatService(st.DB, st.Reconciler)

	sess, err := svc.CreateSession(ctx, uid, "French")
	require.NoError(t, err)
	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err, "会话 ID 应为 UUID")
	assert.Equal(t, "french", sess.Language)

	first, err := svc.AppendMessage(ctx, uid, sess.ID, "Bonjour", "Bonjour ! Ça va ?")
	require.NoError(t, err)
	assert.Positive(t, first.ID)
	assert.Equal(t, "Bonjour ! Ça va ?", first.BotResponse)
	_, err = svc.AppendMessage(ctx, uid, sess.ID, "Oui", "Très bien.")
	require.NoError(t, err)

	t.Run("会话列表含消息数", func(t *testing.T) {
		list, err := svc.Sessions(ctx, uid)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, sess.ID, list[0].ID)
		assert.Equal(t, int64(2), list[0].MessageCount)
		assert.False(t, list[0].StartedAt.IsZero())
	})

	t.Run("消息按顺序返回", func(t *testing.T) {
		msgs, err := svc.Messages(ctx, uid, sess.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Bonjour", msgs[0].Message)
		assert.Equal(t, "Oui", msgs[1].Message)
	})

	t.Run("其他用户无法访问", func(t *testing.T) {
		_, err := svc.Messages(ctx, other, sess.ID)
		assert.ErrorIs(t, err, port.ErrNotFound)
		_, err = svc.AppendMessage(ctx, other, sess.ID, "hi", "")
		assert.ErrorIs(t, err, port.ErrNotFound)
		assert.ErrorIs(t, svc.DeleteSession(ctx, other, sess.ID), port.ErrNotFound)
	})

	t.Run("空消息", func(t *testing.T) {
		_, err := svc.AppendMessage(ctx, uid, sess.ID, "  ", "")
		assert.ErrorIs(t, err, port.ErrInvalidInput)
	})

	t.Run("删除会话连同消息", func(t *testing.T) {
		require.NoError(t, svc.DeleteSession(ctx, uid, sess.ID))
		_, err := svc.Messages(ctx, uid, sess.ID)
		assert.ErrorIs(t, err, port.ErrNotFound)

		row, _, err := st.DB.ExecuteOne(ctx, "SELECT COUNT(*) AS n FROM chat_messages")
		require.NoError(t, err)
		assert.Zero(t, row.Int64("n", -1))
	})
}

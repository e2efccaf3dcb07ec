// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

// Run exercises stores built by newStore against the Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"CreateChat_Defaults", testCreateChatDefaults},
		{"CreateChat_Named", testCreateChatNamed},
		{"GetChat_NotFound", testGetChatNotFound},
		{"AppendMessage_RoundTrip", testAppendRoundTrip},
		{"AppendMessage_Order", testAppendOrder},
		{"AppendMessage_Invalid", testAppendInvalid},
		{"AppendMessage_NotFound", testAppendNotFound},
		{"ListChats_OrderAndPaging", testListChats},
		{"ListChats_Idempotent", testListIdempotent},
		{"UpdateChatMetadata", testUpdateMetadata},
		{"UpdateChatMetadata_NotFound", testUpdateNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func ctx() context.Context { return context.Background() }

func mustCreate(t *testing.T, s store.Store, name string) *models.Chat {
	t.Helper()
	c, err := s.CreateChat(ctx(), name, "")
	require.NoError(t, err)
	return c
}

func userMsg(content string) store.NewMessage {
	return store.NewMessage{Role: models.RoleUser, InteractionType: models.InteractionCompletion, MessageContent: content}
}

func testCreateChatDefaults(t *testing.T, s store.Store) {
	c, err := s.CreateChat(ctx(), "", "")
	require.NoError(t, err)

	assert.NotEmpty(t, c.ChatID)
	assert.Equal(t, models.DefaultChatName, c.ChatName)
	assert.Equal(t, models.DefaultConfigName, c.ConfigName)
	assert.False(t, c.CreatedAt.IsZero())
	assert.True(t, c.LastUpdatedAt.Equal(c.CreatedAt))

	require.Len(t, c.Messages, 1)
	root := c.Messages[0]
	assert.Equal(t, models.RootMessageID, root.MessageID)
	assert.Equal(t, models.RoleSystem, root.Role)
	assert.Equal(t, "", root.ParentID)
	assert.Equal(t, "", root.MessageContent)
	assert.Equal(t, models.StatusSuccess, root.Status)

	got, err := s.GetChat(ctx(), c.ChatID)
	require.NoError(t, err)
	assert.Equal(t, c.ChatID, got.ChatID)
	assert.True(t, got.CreatedAt.Equal(c.CreatedAt))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, models.RootMessageID, got.Messages[0].MessageID)
}

func testCreateChatNamed(t *testing.T, s store.Store) {
	c, err := s.CreateChat(ctx(), "Pricing bot", "openai")
	require.NoError(t, err)
	assert.Equal(t, "Pricing bot", c.ChatName)
	assert.Equal(t, "openai", c.ConfigName)

	other := mustCreate(t, s, "")
	assert.NotEqual(t, c.ChatID, other.ChatID)
}

func testGetChatNotFound(t *testing.T, s store.Store) {
	_, err := s.GetChat(ctx(), "no-such-chat")
	assert.ErrorIs(t, err, store.ErrChatNotFound)
}

func testAppendRoundTrip(t *testing.T, s store.Store) {
	c := mustCreate(t, s, "")
	before := c.LastUpdatedAt

	id, updated, err := s.AppendMessage(ctx(), c.ChatID, userMsg("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NotNil(t, updated)

	got, err := s.GetChat(ctx(), c.ChatID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	last := got.LastMessage()
	assert.Equal(t, id, last.MessageID)
	assert.Equal(t, "hello", last.MessageContent)
	assert.Equal(t, models.RootMessageID, last.ParentID)
	assert.Equal(t, models.StatusSuccess, last.Status)
	assert.True(t, got.LastUpdatedAt.After(before), "last_updated_at %v should be after %v", got.LastUpdatedAt, before)
	assert.True(t, updated.LastUpdatedAt.Equal(got.LastUpdatedAt))
	assert.Len(t, updated.Messages, 2)
}

func testAppendOrder(t *testing.T, s store.Store) {
	c := mustCreate(t, s, "")
	parent := models.RootMessageID
	var ids []string
	prev := c.LastUpdatedAt
	for _, content := range []string{"one", "two", "three", "four"} {
		msg := userMsg(content)
		msg.ParentID = parent
		id, updated, err := s.AppendMessage(ctx(), c.ChatID, msg)
		require.NoError(t, err)
		assert.True(t, updated.LastUpdatedAt.After(prev))
		prev = updated.LastUpdatedAt
		ids = append(ids, id)
		parent = id
	}

	got, err := s.GetChat(ctx(), c.ChatID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 5)
	for i, id := range ids {
		m := got.Messages[i+1]
		assert.Equal(t, id, m.MessageID)
		if i > 0 {
			assert.Equal(t, ids[i-1], m.ParentID)
		}
	}
	assert.Equal(t, "four", got.LastMessage().MessageContent)
}

func testAppendInvalid(t *testing.T, s store.Store) {
	c := mustCreate(t, s, "")
	_, _, err := s.AppendMessage(ctx(), c.ChatID, store.NewMessage{Role: models.RoleUser})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	got, err := s.GetChat(ctx(), c.ChatID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1, "invalid append must not write")
}

func testAppendNotFound(t *testing.T, s store.Store) {
	_, _, err := s.AppendMessage(ctx(), "missing", userMsg("x"))
	assert.ErrorIs(t, err, store.ErrChatNotFound)
}

func testListChats(t *testing.T, s store.Store) {
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")
	c := mustCreate(t, s, "c")
	// Touch a so it becomes the most recent.
	_, _, err := s.AppendMessage(ctx(), a.ChatID, userMsg("bump"))
	require.NoError(t, err)

	res, err := s.ListChats(ctx(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	assert.Equal(t, store.DefaultListLimit, res.Limit)
	assert.Equal(t, 0, res.Skip)
	require.Len(t, res.Chats, 3)
	assert.Equal(t, []string{a.ChatID, c.ChatID, b.ChatID}, summaryIDs(res.Chats))
	assert.Equal(t, "a", res.Chats[0].ChatName)

	page, err := s.ListChats(ctx(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, []string{c.ChatID}, summaryIDs(page.Chats))

	huge, err := s.ListChats(ctx(), 10_000, -5)
	require.NoError(t, err)
	assert.Equal(t, store.MaxListLimit, huge.Limit)
	assert.Equal(t, 0, huge.Skip)

	past, err := s.ListChats(ctx(), 10, 10)
	require.NoError(t, err)
	assert.Empty(t, past.Chats)
	assert.NotNil(t, past.Chats, "empty pages encode as []")
}

func testListIdempotent(t *testing.T, s store.Store) {
	for i := 0; i < 4; i++ {
		mustCreate(t, s, "")
	}
	first, err := s.ListChats(ctx(), 3, 1)
	require.NoError(t, err)
	second, err := s.ListChats(ctx(), 3, 1)
	require.NoError(t, err)
	assert.Equal(t, summaryIDs(first.Chats), summaryIDs(second.Chats))
	assert.Equal(t, first.Total, second.Total)
}

func testUpdateMetadata(t *testing.T, s store.Store) {
	c := mustCreate(t, s, "")

	name := "Renamed"
	got, err := s.UpdateChatMetadata(ctx(), c.ChatID, store.MetadataPatch{ChatName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.ChatName)
	assert.Equal(t, models.DefaultConfigName, got.ConfigName)
	assert.True(t, got.LastUpdatedAt.After(c.LastUpdatedAt))

	cfg := "anthropic"
	got2, err := s.UpdateChatMetadata(ctx(), c.ChatID, store.MetadataPatch{ConfigName: &cfg})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got2.ChatName)
	assert.Equal(t, "anthropic", got2.ConfigName)
	assert.True(t, got2.LastUpdatedAt.After(got.LastUpdatedAt))

	// An empty patch still bumps the timestamp.
	got3, err := s.UpdateChatMetadata(ctx(), c.ChatID, store.MetadataPatch{})
	require.NoError(t, err)
	assert.True(t, got3.LastUpdatedAt.After(got2.LastUpdatedAt))
	assert.Len(t, got3.Messages, 1)
}

func testUpdateNotFound(t *testing.T, s store.Store) {
	name := "x"
	_, err := s.UpdateChatMetadata(ctx(), "missing", store.MetadataPatch{ChatName: &name})
	assert.ErrorIs(t, err, store.ErrChatNotFound)
}

func summaryIDs(in []models.ChatSummary) []string {
	out := make([]string, len(in))
	for i, c := range in {
		out[i] = c.ChatID
	}
	return out
}

package view

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heyochat/internal/chat"
	"heyochat/internal/models"
	"heyochat/internal/websocket"
)

type fakeOps struct {
	selected []int64
	sent     []string
	queries  []string
	created  []int64
	typing   int
}

func (f *fakeOps) SelectConversation(ctx context.Context, partnerID int64) error {
	f.selected = append(f.selected, partnerID)
	return nil
}

func (f *fakeOps) SendMessage(content string) <-chan error {
	f.sent = append(f.sent, content)
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (f *fakeOps) Search(ctx context.Context, query string) error {
	f.queries = append(f.queries, query)
	return nil
}

func (f *fakeOps) CreateConversation(ctx context.Context, friendID int64) (*models.Conversation, error) {
	f.created = append(f.created, friendID)
	return &models.Conversation{PartnerID: friendID}, nil
}

func (f *fakeOps) FriendsWithoutChat(ctx context.Context) ([]models.User, error) {
	return []models.User{{ID: 4}}, nil
}

func (f *fakeOps) NotifyTyping() { f.typing++ }

func TestGettersReflectLatestSnapshot(t *testing.T) {
	store := NewStore()
	a := NewAdapter(store, &fakeOps{})

	assert.Empty(t, a.Conversations())
	assert.Nil(t, a.Selected())
	assert.Equal(t, websocket.StateDisconnected, a.Connection())

	sel := models.Conversation{PartnerID: 5}
	store.Publish(chat.Snapshot{
		Version:       1,
		Conversations: []models.Conversation{{PartnerID: 5}, {PartnerID: 6}},
		Selected:      &sel,
		Messages:      []models.ChatMessage{{ID: 1}},
		Typing:        &models.TypingIndicator{PartnerID: 5, Username: "bob"},
		Connection:    websocket.StateConnected,
	})

	assert.Len(t, a.Conversations(), 2)
	assert.Equal(t, int64(5), a.Selected().PartnerID)
	assert.Len(t, a.Messages(), 1)
	assert.Equal(t, "bob", a.Typing().Username)
	assert.Equal(t, websocket.StateConnected, a.Connection())

	store.Publish(chat.Snapshot{
		Version:       2,
		Conversations: []models.Conversation{{PartnerID: 5}, {PartnerID: 6}},
		Filtered:      []models.Conversation{{PartnerID: 6}},
	})
	require.Len(t, a.Conversations(), 1)
	assert.Equal(t, int64(6), a.Conversations()[0].PartnerID)
}

func TestWatchReplaysAndStreams(t *testing.T) {
	store := NewStore()
	a := NewAdapter(store, &fakeOps{})
	store.Publish(chat.Snapshot{Version: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch := a.Watch(ctx)

	assert.Equal(t, uint64(1), (<-watch).Version)
	store.Publish(chat.Snapshot{Version: 2})
	store.Publish(chat.Snapshot{Version: 3})
	assert.Equal(t, uint64(2), (<-watch).Version)
	assert.Equal(t, uint64(3), (<-watch).Version)
}

func TestErrorsAreNotReplayed(t *testing.T) {
	store := NewStore()
	a := NewAdapter(store, &fakeOps{})
	store.PublishError(models.DomainError{Message: "before"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := a.Errors(ctx)
	store.PublishError(models.DomainError{Message: "after", Category: models.CategoryNotContact})

	select {
	case e := <-errs:
		assert.Equal(t, "after", e.Message)
		assert.Equal(t, models.CategoryNotContact, e.Category)
	case <-time.After(time.Second):
		t.Fatal("no error delivered")
	}
}

func TestCloseEndsStreams(t *testing.T) {
	store := NewStore()
	a := NewAdapter(store, &fakeOps{})
	watch := a.Watch(context.Background())
	errs := a.Errors(context.Background())
	<-watch

	store.Close()
	_, ok := <-watch
	assert.False(t, ok)
	_, ok = <-errs
	assert.False(t, ok)
}

func TestOperationsAreForwarded(t *testing.T) {
	ops := &fakeOps{}
	a := NewAdapter(NewStore(), ops)
	ctx := context.Background()

	require.NoError(t, a.SelectConversation(ctx, 5))
	require.NoError(t, <-a.SendMessage("hi"))
	require.NoError(t, a.SearchConversations(ctx, "bo"))
	conv, err := a.OpenNewConversation(ctx, 9)
	require.NoError(t, err)
	friends, err := a.FriendsWithoutChat(ctx)
	require.NoError(t, err)
	a.NotifyTyping()

	assert.Equal(t, []int64{5}, ops.selected)
	assert.Equal(t, []string{"hi"}, ops.sent)
	assert.Equal(t, []string{"bo"}, ops.queries)
	assert.Equal(t, int64(9), conv.PartnerID)
	assert.Len(t, friends, 1)
	assert.Equal(t, 1, ops.typing)
}

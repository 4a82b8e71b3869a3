// Package view exposes read-only state for a UI and forwards user actions
// to the synchronizer. It holds no state of its own beyond the latest
// snapshot.
package view

import (
	"context"

	"heyochat/internal/chat"
	"heyochat/internal/models"
	"heyochat/internal/pubsub"
	"heyochat/internal/websocket"
)

// Store receives snapshots and domain errors from the synchronizer and fans
// them out to watchers.
type Store struct {
	snapshots *pubsub.Feed[chat.Snapshot]
	errors    *pubsub.Feed[models.DomainError]
}

func NewStore() *Store {
	return &Store{
		snapshots: pubsub.NewWithInitial(chat.Snapshot{}),
		errors:    pubsub.New[models.DomainError](false),
	}
}

func (s *Store) Publish(snapshot chat.Snapshot) {
	s.snapshots.Publish(snapshot)
}

func (s *Store) PublishError(err models.DomainError) {
	s.errors.Publish(err)
}

// Current returns the latest snapshot.
func (s *Store) Current() chat.Snapshot {
	snap, _ := s.snapshots.Latest()
	return snap
}

// Close ends every watch and error stream.
func (s *Store) Close() {
	s.snapshots.Close()
	s.errors.Close()
}

// Operations are the synchronizer's mutation entry points.
type Operations interface {
	SelectConversation(ctx context.Context, partnerID int64) error
	SendMessage(content string) <-chan error
	Search(ctx context.Context, query string) error
	CreateConversation(ctx context.Context, friendID int64) (*models.Conversation, error)
	FriendsWithoutChat(ctx context.Context) ([]models.User, error)
	NotifyTyping()
}

// Adapter is the presentation adapter.
type Adapter struct {
	store *Store
	ops   Operations
}

func NewAdapter(store *Store, ops Operations) *Adapter {
	return &Adapter{store: store, ops: ops}
}

// Conversations returns the visible list: search results while a search is
// active, otherwise every conversation.
func (a *Adapter) Conversations() []models.Conversation {
	return a.store.Current().Visible()
}

func (a *Adapter) Selected() *models.Conversation {
	return a.store.Current().Selected
}

func (a *Adapter) Messages() []models.ChatMessage {
	return a.store.Current().Messages
}

// Typing returns the open conversation's typing indicator, if any.
func (a *Adapter) Typing() *models.TypingIndicator {
	return a.store.Current().Typing
}

func (a *Adapter) Connection() websocket.State {
	return a.store.Current().Connection
}

// Watch streams snapshots, starting with the current one.
func (a *Adapter) Watch(ctx context.Context) <-chan chat.Snapshot {
	return a.store.snapshots.Subscribe(ctx)
}

// Errors streams domain errors published after the call.
func (a *Adapter) Errors(ctx context.Context) <-chan models.DomainError {
	return a.store.errors.Subscribe(ctx)
}

func (a *Adapter) SelectConversation(ctx context.Context, partnerID int64) error {
	return a.ops.SelectConversation(ctx, partnerID)
}

func (a *Adapter) SendMessage(content string) <-chan error {
	return a.ops.SendMessage(content)
}

func (a *Adapter) SearchConversations(ctx context.Context, query string) error {
	return a.ops.Search(ctx, query)
}

func (a *Adapter) OpenNewConversation(ctx context.Context, friendID int64) (*models.Conversation, error) {
	return a.ops.CreateConversation(ctx, friendID)
}

func (a *Adapter) FriendsWithoutChat(ctx context.Context) ([]models.User, error) {
	return a.ops.FriendsWithoutChat(ctx)
}

func (a *Adapter) NotifyTyping() {
	a.ops.NotifyTyping()
}

// Package chat holds the conversation synchronizer: the client-local,
// authoritative view of conversations and their messages, kept current from
// REST loads and live frames.
//
// All state is owned by a single goroutine started with Run. Frame handlers,
// timers and public operations post closures to it; REST calls run in the
// caller's goroutine and only their results are applied on the loop.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"heyochat/internal/config"
	"heyochat/internal/metrics"
	"heyochat/internal/models"
	"heyochat/internal/mux"
	"heyochat/internal/websocket"
)

var (
	ErrNoConversation = errors.New("no conversation selected")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrStopped        = errors.New("synchronizer stopped")
)

// API is the REST collaborator.
type API interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, partnerID int64) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, partnerID int64) error
	UnreadCount(ctx context.Context) (int, error)
	SearchConversations(ctx context.Context, query string) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, friendID int64) (*models.Conversation, error)
	FriendsWithoutChat(ctx context.Context) ([]models.User, error)
}

// Conn is the connection manager as seen by the synchronizer.
type Conn interface {
	Send(destination string, payload any) <-chan error
	States(ctx context.Context) <-chan websocket.State
}

// Subscriber is the channel multiplexer.
type Subscriber interface {
	Subscribe(name string, handler mux.Handler) *mux.Subscription
	Unsubscribe(name string)
}

// Publisher receives snapshots and domain errors.
type Publisher interface {
	Publish(snapshot Snapshot)
	PublishError(err models.DomainError)
}

// Deps are the collaborators of a Synchronizer.
type Deps struct {
	API        API
	Conn       Conn
	Subscriber Subscriber
	Publisher  Publisher
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Config tunes a Synchronizer.
type Config struct {
	TypingTimeout     time.Duration
	TypingThrottle    time.Duration
	RequestTimeout    time.Duration
	ResyncOnReconnect bool
}

// ConfigFrom extracts synchronizer settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TypingTimeout:     cfg.Chat.TypingTimeout,
		TypingThrottle:    cfg.Chat.TypingThrottle,
		RequestTimeout:    cfg.Chat.RequestTimeout,
		ResyncOnReconnect: cfg.Chat.ResyncOnReconnect,
	}
}

type historyLoad struct {
	live []models.ChatMessage
}

type typingState struct {
	indicator models.TypingIndicator
	gen       uint64
	timer     *time.Timer
}

// Synchronizer maintains the conversation list and message sequences.
type Synchronizer struct {
	api     API
	conn    Conn
	subs    Subscriber
	pub     Publisher
	logger  *zap.Logger
	metrics *metrics.Collector
	cfg     Config

	events        chan func()
	done          chan struct{}
	typingLimiter *rate.Limiter

	// Loop-owned state.
	self          int64
	conversations []models.Conversation
	filtered      []models.Conversation
	query         string
	selected      int64
	histories     map[int64][]models.ChatMessage
	partial       map[int64]bool
	loads         map[int64]*historyLoad
	typing        map[int64]*typingState
	connState     websocket.State
	connectedOnce bool
	version       uint64
}

// New creates a synchronizer. Call Run before using any operation.
func New(deps Deps, cfg Config) *Synchronizer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Publisher == nil {
		deps.Publisher = discard{}
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.TypingThrottle > 0 {
		limit = rate.Every(cfg.TypingThrottle)
	}
	return &Synchronizer{
		api:           deps.API,
		conn:          deps.Conn,
		subs:          deps.Subscriber,
		pub:           deps.Publisher,
		logger:        deps.Logger.Named("chat"),
		metrics:       deps.Metrics,
		cfg:           cfg,
		events:        make(chan func()),
		done:          make(chan struct{}),
		typingLimiter: rate.NewLimiter(limit, 1),
		histories:     make(map[int64][]models.ChatMessage),
		partial:       make(map[int64]bool),
		loads:         make(map[int64]*historyLoad),
		typing:        make(map[int64]*typingState),
	}
}

// Run processes connection-state changes and posted events until ctx is
// done. Typing timers are stopped on exit.
func (s *Synchronizer) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.stopTimers()

	states := s.conn.States(ctx)
	s.logger.Info("Synchronizer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Synchronizer stopped")
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.onState(st)
		case fn := <-s.events:
			fn()
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Synchronizer) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrStopped
	}
	<-finished
	return nil
}

// post queues fn on the loop without waiting for it to run.
func (s *Synchronizer) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// SetIdentity records the current user's id, used to tell incoming from
// self-authored messages.
func (s *Synchronizer) SetIdentity(userID int64) error {
	return s.do(func() { s.self = userID })
}

// Snapshot returns the current state.
func (s *Synchronizer) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.do(func() { snap = s.snapshot() })
	return snap, err
}

func (s *Synchronizer) onState(st websocket.State) {
	s.connState = st
	switch st {
	case websocket.StateConnected:
		s.subscribeChannels()
		s.announce(models.AppUserOnline)
		if s.connectedOnce && s.cfg.ResyncOnReconnect {
			go s.resync()
		}
		s.connectedOnce = true
	case websocket.StateDisconnected, websocket.StateError:
		s.clearTyping()
	}
	s.publish()
}

func (s *Synchronizer) subscribeChannels() {
	s.subs.Subscribe(models.QueueMessages, mux.JSON(func(m models.ChatMessage) {
		s.post(func() { s.applyMessage(m) })
	}))
	s.subs.Subscribe(models.QueueTyping, mux.JSON(func(t models.TypingSignal) {
		s.post(func() { s.applyTyping(t) })
	}))
	s.subs.Subscribe(models.QueueStatus, mux.JSON(func(p models.PresenceUpdate) {
		s.post(func() { s.applyPresence(p) })
	}))
	s.subs.Subscribe(models.QueueErrors, mux.JSON(func(n models.ErrorNotice) {
		s.post(func() { s.applyErrorNotice(n) })
	}))
	s.logger.Debug("Channels subscribed", zap.Strings("channels", models.UserQueues))
}

func (s *Synchronizer) announce(destination string) {
	result := s.conn.Send(destination, struct{}{})
	go func() {
		if err := <-result; err != nil {
			s.logger.Warn("Presence announcement failed", zap.String("destination", destination), zap.Error(err))
		}
	}()
}

// Load fetches the conversation list and opens the first conversation when
// nothing is selected yet.
func (s *Synchronizer) Load(ctx context.Context) error {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	var first int64
	err = s.do(func() {
		s.replaceConversations(convs)
		if s.selected == 0 && len(s.conversations) > 0 {
			first = s.conversations[0].PartnerID
		}
		s.publish()
	})
	if err != nil {
		return err
	}
	if first != 0 {
		return s.SelectConversation(ctx, first)
	}
	return nil
}

// SelectConversation opens the conversation with partnerID, loading its
// history unless cached and marking it read when it has unread messages.
func (s *Synchronizer) SelectConversation(ctx context.Context, partnerID int64) error {
	var needLoad bool
	var unread int
	err := s.do(func() {
		s.selected = partnerID
		_, cached := s.histories[partnerID]
		cached = cached && !s.partial[partnerID]
		_, loading := s.loads[partnerID]
		if !cached && !loading {
			needLoad = true
			s.loads[partnerID] = &historyLoad{}
		}
		if c := s.find(partnerID); c != nil {
			unread = c.UnreadCount
		}
		s.publish()
	})
	if err != nil {
		return err
	}

	if needLoad {
		msgs, loadErr := s.api.Messages(ctx, partnerID)
		err := s.do(func() {
			load := s.loads[partnerID]
			delete(s.loads, partnerID)
			var live []models.ChatMessage
			if load != nil {
				live = load.live
			}
			live = append(slices.Clone(s.histories[partnerID]), live...)
			if loadErr != nil {
				// Keep what arrived live so the open conversation still
				// shows it; the next selection retries the load.
				s.histories[partnerID] = mergeMessages([]models.ChatMessage{}, live)
				s.partial[partnerID] = true
			} else {
				s.histories[partnerID] = mergeMessages(msgs, live)
				delete(s.partial, partnerID)
			}
			s.publish()
		})
		if loadErr != nil {
			return fmt.Errorf("load history for %d: %w", partnerID, loadErr)
		}
		if err != nil {
			return err
		}
	}

	if unread > 0 {
		if err := s.api.MarkRead(ctx, partnerID); err != nil {
			return fmt.Errorf("mark read %d: %w", partnerID, err)
		}
		return s.do(func() {
			s.zeroUnread(partnerID)
			s.publish()
		})
	}
	return nil
}

// SendMessage sends content to the open conversation's partner.
func (s *Synchronizer) SendMessage(content string) <-chan error {
	var partner int64
	if err := s.do(func() { partner = s.selected }); err != nil {
		return failed(err)
	}
	if partner == 0 {
		return failed(ErrNoConversation)
	}
	return s.SendTo(partner, content)
}

// SendTo sends content to partnerID over the live connection. No local echo
// is inserted; the message appears when the server echoes it back. The
// returned channel reports the transport outcome; delivery failures are
// also published on the error stream.
func (s *Synchronizer) SendTo(partnerID int64, content string) <-chan error {
	content = strings.TrimSpace(content)
	if content == "" {
		return failed(ErrEmptyMessage)
	}

	sent := s.conn.Send(models.AppChatSend, models.SendMessageRequest{ReceiverID: partnerID, Content: content})
	result := make(chan error, 1)
	go func() {
		err := <-sent
		if err != nil {
			s.logger.Warn("Message not delivered", zap.Int64("partner_id", partnerID), zap.Error(err))
			s.pub.PublishError(models.DomainError{
				Type:     models.ErrorTypeDelivery,
				Message:  "Message could not be delivered: " + err.Error(),
				Category: models.CategoryDelivery,
			})
		}
		result <- err
	}()
	return result
}

func failed(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

// NotifyTyping tells the open conversation's partner that the user is
// typing. Calls are throttled.
func (s *Synchronizer) NotifyTyping() {
	var partner int64
	if err := s.do(func() { partner = s.selected }); err != nil || partner == 0 {
		return
	}
	if !s.typingLimiter.Allow() {
		return
	}
	s.conn.Send(models.AppChatTyping, models.TypingRequest{ReceiverID: partner})
}

// Search filters the visible list by partner name on the server. An empty
// query clears the filter; a failed search falls back to the full list.
func (s *Synchronizer) Search(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.do(func() {
			s.query = ""
			s.filtered = nil
			s.publish()
		})
	}

	found, err := s.api.SearchConversations(ctx, query)
	if err != nil {
		s.do(func() {
			s.query = ""
			s.filtered = nil
			s.publish()
		})
		return fmt.Errorf("search %q: %w", query, err)
	}
	return s.do(func() {
		s.query = query
		s.filtered = slices.Clone(found)
		if s.filtered == nil {
			s.filtered = []models.Conversation{}
		}
		SortConversations(s.filtered)
		s.publish()
	})
}

// CreateConversation opens a conversation with a friend, adds it to the
// list and selects it.
func (s *Synchronizer) CreateConversation(ctx context.Context, friendID int64) (*models.Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, friendID)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), notContactText) {
			s.pub.PublishError(models.DomainError{
				Type:     models.ErrorTypeMessage,
				Message:  err.Error(),
				Category: models.CategoryNotContact,
			})
		}
		return nil, fmt.Errorf("create conversation with %d: %w", friendID, err)
	}

	err = s.do(func() {
		if c := s.find(conv.PartnerID); c == nil {
			s.conversations = append([]models.Conversation{*conv}, s.conversations...)
			SortConversations(s.conversations)
		}
		s.query = ""
		s.filtered = nil
		s.metrics.Conversations.Set(float64(len(s.conversations)))
		s.publish()
	})
	if err != nil {
		return nil, err
	}
	if err := s.SelectConversation(ctx, conv.PartnerID); err != nil {
		return conv, err
	}
	return conv, nil
}

// FriendsWithoutChat lists friends that can be offered a new conversation.
func (s *Synchronizer) FriendsWithoutChat(ctx context.Context) ([]models.User, error) {
	return s.api.FriendsWithoutChat(ctx)
}

// UnreadTotal returns the server's unread count across conversations.
func (s *Synchronizer) UnreadTotal(ctx context.Context) (int, error) {
	return s.api.UnreadCount(ctx)
}

// resync reloads the list and the open history after a reconnect, so that
// messages exchanged during the outage are not missed.
func (s *Synchronizer) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	convs, err := s.api.Conversations(ctx)
	if err != nil {
		s.logger.Warn("Resync of conversations failed", zap.Error(err))
		return
	}
	var open int64
	err = s.do(func() {
		s.replaceConversations(convs)
		for id := range s.histories {
			if id != s.selected {
				delete(s.histories, id)
				delete(s.partial, id)
			}
		}
		open = s.selected
		s.publish()
	})
	if err != nil || open == 0 {
		return
	}
	msgs, err := s.api.Messages(ctx, open)
	if err != nil {
		s.logger.Warn("Resync of history failed", zap.Int64("partner_id", open), zap.Error(err))
		return
	}
	s.post(func() {
		if seq, ok := s.histories[open]; ok {
			s.histories[open] = mergeMessages(msgs, seq)
			delete(s.partial, open)
		} else if _, loading := s.loads[open]; !loading {
			s.histories[open] = msgs
		}
		s.publish()
	})
	s.logger.Info("Resynced after reconnect", zap.Int("conversations", len(convs)))
}

// refresh reloads the list after a message from an unknown partner.
func (s *Synchronizer) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		s.logger.Warn("Conversation refresh failed", zap.Error(err))
		return
	}
	s.post(func() {
		s.replaceConversations(convs)
		s.publish()
	})
}

func (s *Synchronizer) markRead(partner int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.api.MarkRead(ctx, partner); err != nil {
		s.logger.Warn("Mark read failed", zap.Int64("partner_id", partner), zap.Error(err))
	}
}

// replaceConversations installs a fresh list. Local unread counts for the
// open conversation stay at zero.
func (s *Synchronizer) replaceConversations(convs []models.Conversation) {
	s.conversations = slices.Clone(convs)
	if s.conversations == nil {
		s.conversations = []models.Conversation{}
	}
	SortConversations(s.conversations)
	s.metrics.Conversations.Set(float64(len(s.conversations)))
}

func (s *Synchronizer) find(partnerID int64) *models.Conversation {
	for i := range s.conversations {
		if s.conversations[i].PartnerID == partnerID {
			return &s.conversations[i]
		}
	}
	return nil
}

func (s *Synchronizer) zeroUnread(partnerID int64) {
	if c := s.find(partnerID); c != nil {
		c.UnreadCount = 0
	}
	for i := range s.filtered {
		if s.filtered[i].PartnerID == partnerID {
			s.filtered[i].UnreadCount = 0
		}
	}
}

func (s *Synchronizer) publish() {
	s.version++
	s.pub.Publish(s.snapshot())
}

type discard struct{}

func (discard) Publish(Snapshot)                {}
func (discard) PublishError(models.DomainError) {}

func (s *Synchronizer) snapshot() Snapshot {
	snap := Snapshot{
		Version:       s.version,
		Conversations: slices.Clone(s.conversations),
		Query:         s.query,
		Connection:    s.connState,
	}
	if s.filtered != nil {
		snap.Filtered = slices.Clone(s.filtered)
	}
	if s.selected != 0 {
		if c := s.find(s.selected); c != nil {
			sel := *c
			snap.Selected = &sel
		} else {
			snap.Selected = &models.Conversation{PartnerID: s.selected}
		}
		snap.Messages = slices.Clone(s.histories[s.selected])
		if t, ok := s.typing[s.selected]; ok {
			ind := t.indicator
			snap.Typing = &ind
		}
	}
	return snap
}

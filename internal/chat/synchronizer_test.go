package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heyochat/internal/models"
	"heyochat/internal/mux"
	"heyochat/internal/pubsub"
	"heyochat/internal/websocket"
)

const self int64 = 1

func at(minute int) models.Time {
	return models.NewTime(time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC))
}

type fakeAPI struct {
	mu            sync.Mutex
	conversations []models.Conversation
	histories     map[int64][]models.ChatMessage
	search        []models.Conversation
	searchErr     error
	created       *models.Conversation
	createErr     error
	markReadErr   error
	historyGate   chan struct{}
	historyErr    error

	conversationCalls int
	historyCalls      map[int64]int
	markRead          []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		histories:    make(map[int64][]models.ChatMessage),
		historyCalls: make(map[int64]int),
	}
}

func (f *fakeAPI) Conversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversationCalls++
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) Messages(ctx context.Context, partnerID int64) ([]models.ChatMessage, error) {
	f.mu.Lock()
	gate := f.historyGate
	f.historyCalls[partnerID]++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]models.ChatMessage(nil), f.histories[partnerID]...), nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, partnerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, partnerID)
	return f.markReadErr
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	return 3, nil
}

func (f *fakeAPI) SearchConversations(ctx context.Context, query string) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.search, f.searchErr
}

func (f *fakeAPI) CreateConversation(ctx context.Context, friendID int64) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.createErr
}

func (f *fakeAPI) FriendsWithoutChat(ctx context.Context) ([]models.User, error) {
	return []models.User{{ID: 12, Username: "zoe"}}, nil
}

func (f *fakeAPI) markReadCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.markRead...)
}

func (f *fakeAPI) calls() (int, map[int64]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hc := make(map[int64]int, len(f.historyCalls))
	for k, v := range f.historyCalls {
		hc[k] = v
	}
	return f.conversationCalls, hc
}

type sent struct {
	destination string
	payload     any
}

type fakeConn struct {
	mu      sync.Mutex
	states  *pubsub.Feed[websocket.State]
	sent    []sent
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{states: pubsub.NewWithInitial(websocket.StateDisconnected)}
}

func (c *fakeConn) Send(destination string, payload any) <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{destination, payload})
	ch := make(chan error, 1)
	ch <- c.sendErr
	return ch
}

func (c *fakeConn) States(ctx context.Context) <-chan websocket.State {
	return c.states.Subscribe(ctx)
}

func (c *fakeConn) sentTo(destination string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, s := range c.sent {
		if s.destination == destination {
			out = append(out, s.payload)
		}
	}
	return out
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]mux.Handler
	calls    []string
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]mux.Handler)}
}

func (f *fakeSubscriber) Subscribe(name string, h mux.Handler) *mux.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, name)
}

func (f *fakeSubscriber) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSubscriber) deliver(t *testing.T, name string, v any) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[name]
	f.mu.Unlock()
	require.True(t, ok, "no handler for %s", name)
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, h(data))
}

type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	errors    []models.DomainError
}

func (r *recorder) Publish(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) PublishError(e models.DomainError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}

func (r *recorder) latest() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return Snapshot{}
	}
	return r.snapshots[len(r.snapshots)-1]
}

func (r *recorder) domainErrors() []models.DomainError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DomainError(nil), r.errors...)
}

// typingClears counts transitions from a visible indicator to none.
func (r *recorder) typingClears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := 1; i < len(r.snapshots); i++ {
		if r.snapshots[i-1].Typing != nil && r.snapshots[i].Typing == nil {
			n++
		}
	}
	return n
}

type harness struct {
	sync *Synchronizer
	api  *fakeAPI
	conn *fakeConn
	subs *fakeSubscriber
	pub  *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		api:  newFakeAPI(),
		conn: newFakeConn(),
		subs: newFakeSubscriber(),
		pub:  &recorder{},
	}
	if cfg.TypingTimeout == 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	h.sync = New(Deps{
		API:        h.api,
		Conn:       h.conn,
		Subscriber: h.subs,
		Publisher:  h.pub,
		Logger:     zap.NewNop(),
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sync.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, h.sync.SetIdentity(self))
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.conn.states.Publish(websocket.StateConnected)
	require.Eventually(t, func() bool {
		return h.pub.latest().Connection == websocket.StateConnected
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.sync.Snapshot()
	require.NoError(t, err)
	return snap
}

func partners(cs []models.Conversation) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.PartnerID
	}
	return out
}

func TestLoadSortsAndSelectsFirst(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{
		{ID: 1, PartnerID: 3, LastMessageAt: at(1)},
		{ID: 2, PartnerID: 4},
		{ID: 3, PartnerID: 5, LastMessageAt: at(5)},
	}
	h.api.histories[5] = []models.ChatMessage{{ID: 100, SenderID: 5, ReceiverID: self, Content: "old"}}

	require.NoError(t, h.sync.Load(context.Background()))

	snap := h.snapshot(t)
	assert.Equal(t, []int64{5, 3, 4}, partners(snap.Conversations))
	require.NotNil(t, snap.Selected)
	assert.Equal(t, int64(5), snap.Selected.PartnerID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "old", snap.Messages[0].Content)
}

func TestLoadEmptyList(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.sync.Load(context.Background()))

	snap := h.snapshot(t)
	assert.Empty(t, snap.Conversations)
	assert.Nil(t, snap.Selected)
}

func TestConnectedSubscribesAndAnnounces(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)

	assert.ElementsMatch(t, models.UserQueues, h.subs.subscribeCalls())
	require.Eventually(t, func() bool {
		return len(h.conn.sentTo(models.AppUserOnline)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestIncomingMessageOnOpenConversation(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{
		{ID: 1, PartnerID: 3, LastMessageAt: at(9)},
		{ID: 2, PartnerID: 5, LastMessageAt: at(1)},
	}
	require.NoError(t, h.sync.Load(context.Background()))
	require.NoError(t, h.sync.SelectConversation(context.Background(), 5))
	h.connect(t)

	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{
		ID: 200, SenderID: 5, ReceiverID: self, Content: "hi", CreatedAt: at(30),
	})

	require.Eventually(t, func() bool {
		return len(h.pub.latest().Messages) == 1
	}, time.Second, 5*time.Millisecond)
	snap := h.snapshot(t)
	assert.Equal(t, "hi", snap.Messages[0].Content)
	assert.Equal(t, []int64{5, 3}, partners(snap.Conversations))
	assert.Equal(t, "hi", snap.Conversations[0].LastMessage)
	assert.Equal(t, 0, snap.Conversations[0].UnreadCount)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int64{5}, h.api.markReadCalls())
	}, time.Second, 5*time.Millisecond)
}

func TestFailedHistoryLoadKeepsLiveMessages(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{ID: 2, PartnerID: 5, LastMessageAt: at(1)}}
	h.api.histories[5] = []models.ChatMessage{{ID: 1, SenderID: 5, ReceiverID: self, Content: "old", CreatedAt: at(0)}}
	h.api.historyErr = errors.New("503")
	h.connect(t)

	err := h.sync.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(5), h.snapshot(t).Selected.PartnerID)

	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{
		ID: 9, SenderID: 5, ReceiverID: self, Content: "live", CreatedAt: at(30),
	})
	require.Eventually(t, func() bool {
		return len(h.pub.latest().Messages) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "live", h.snapshot(t).Messages[0].Content)

	// Selecting again retries the load and keeps the live message.
	h.api.mu.Lock()
	h.api.historyErr = nil
	h.api.mu.Unlock()
	require.NoError(t, h.sync.SelectConversation(context.Background(), 5))
	snap := h.snapshot(t)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "old", snap.Messages[0].Content)
	assert.Equal(t, "live", snap.Messages[1].Content)
	_, historyCalls := h.api.calls()
	assert.Equal(t, 2, historyCalls[5])
}

func TestSnapshotDoesNotBumpVersion(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)
	first := h.snapshot(t)
	second := h.snapshot(t)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, h.pub.latest().Version, first.Version)

	h.conn.states.Publish(websocket.StateDisconnected)
	require.Eventually(t, func() bool {
		return h.pub.latest().Connection == websocket.StateDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Greater(t, h.snapshot(t).Version, first.Version)
}

func TestSetIdentityAfterStop(t *testing.T) {
	s := New(Deps{API: newFakeAPI(), Conn: newFakeConn(), Subscriber: newFakeSubscriber()}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.ErrorIs(t, s.SetIdentity(self), ErrStopped)
}

func TestUnreadCounting(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{
		{ID: 1, PartnerID: 3, LastMessageAt: at(9)},
		{ID: 2, PartnerID: 5, LastMessageAt: at(1)},
	}
	require.NoError(t, h.sync.Load(context.Background())) // opens 3
	h.connect(t)

	// incoming to a closed conversation counts
	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{ID: 1, SenderID: 5, ReceiverID: self, Content: "a", CreatedAt: at(20)})
	// self-authored does not
	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{ID: 2, SenderID: self, ReceiverID: 5, Content: "b", CreatedAt: at(21)})
	// incoming to the open conversation does not
	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{ID: 3, SenderID: 3, ReceiverID: self, Content: "c", CreatedAt: at(22)})

	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = h.snapshot(t)
		return snap.Conversations[0].LastMessage == "c"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{3, 5}, partners(snap.Conversations))
	assert.Equal(t, 0, snap.Conversations[0].UnreadCount)
	assert.Equal(t, 1, snap.Conversations[1].UnreadCount)
	assert.Equal(t, "b", snap.Conversations[1].LastMessage)

	// selecting marks read and zeroes the count
	require.NoError(t, h.sync.SelectConversation(context.Background(), 5))
	snap = h.snapshot(t)
	assert.Equal(t, 0, snap.Conversations[1].UnreadCount)
	assert.Contains(t, h.api.markReadCalls(), int64(5))
}

func TestMarkReadFailureKeepsCount(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{ID: 2, PartnerID: 5, UnreadCount: 4}}
	h.api.markReadErr = errors.New("boom")

	require.Error(t, h.sync.Load(context.Background()))
	snap := h.snapshot(t)
	require.NotNil(t, snap.Selected)
	assert.Equal(t, 4, snap.Conversations[0].UnreadCount)
	assert.Equal(t, []int64{5}, h.api.markReadCalls())
}

func TestMessagesAppearOnceInArrivalOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{ID: 2, PartnerID: 5}}
	require.NoError(t, h.sync.Load(context.Background()))
	h.connect(t)

	msgs := []models.ChatMessage{
		{ID: 11, SenderID: 5, ReceiverID: self, Content: "late", CreatedAt: at(30)},
		{ID: 10, SenderID: self, ReceiverID: 5, Content: "early", CreatedAt: at(10)},
		{ID: 11, SenderID: 5, ReceiverID: self, Content: "late", CreatedAt: at(30)},
	}
	for _, m := range msgs {
		h.subs.deliver(t, models.QueueMessages, m)
	}

	require.Eventually(t, func() bool {
		return h.snapshot(t).Conversations[0].LastMessage == "late" && len(h.snapshot(t).Messages) == 2
	}, time.Second, 5*time.Millisecond)
	snap := h.snapshot(t)
	assert.Equal(t, int64(11), snap.Messages[0].ID)
	assert.Equal(t, int64(10), snap.Messages[1].ID)
}

func TestHistoryCachedPerSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{PartnerID: 5, LastMessageAt: at(2)}, {PartnerID: 6, LastMessageAt: at(1)}}
	require.NoError(t, h.sync.Load(context.Background()))
	require.NoError(t, h.sync.SelectConversation(context.Background(), 6))
	require.NoError(t, h.sync.SelectConversation(context.Background(), 5))

	_, historyCalls := h.api.calls()
	assert.Equal(t, 1, historyCalls[5])
	assert.Equal(t, 1, historyCalls[6])
}

func TestLiveMessageDuringHistoryLoadIsMerged(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{PartnerID: 5}}
	h.api.histories[5] = []models.ChatMessage{
		{ID: 1, SenderID: 5, ReceiverID: self, Content: "one"},
		{ID: 2, SenderID: 5, ReceiverID: self, Content: "two"},
	}
	h.connect(t)
	gate := make(chan struct{})
	h.api.historyGate = gate

	loaded := make(chan error, 1)
	go func() { loaded <- h.sync.Load(context.Background()) }()
	require.Eventually(t, func() bool {
		_, hc := h.api.calls()
		return hc[5] == 1
	}, time.Second, 5*time.Millisecond)

	// one duplicate of the history, one genuinely new
	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{ID: 2, SenderID: 5, ReceiverID: self, Content: "two"})
	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{ID: 3, SenderID: 5, ReceiverID: self, Content: "three"})
	h.snapshot(t) // flush posted events
	close(gate)
	require.NoError(t, <-loaded)

	var contents []string
	for _, m := range h.snapshot(t).Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents)
}

func TestUnknownPartnerCreatesPlaceholderAndRefreshes(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)
	h.api.conversations = []models.Conversation{{ID: 9, PartnerID: 8, PartnerUsername: "max", LastMessageAt: at(40), LastMessage: "yo", UnreadCount: 1}}

	h.subs.deliver(t, models.QueueMessages, models.ChatMessage{ID: 1, SenderID: 8, SenderUsername: "max", ReceiverID: self, Content: "yo", CreatedAt: at(40)})

	require.Eventually(t, func() bool {
		snap := h.snapshot(t)
		return len(snap.Conversations) == 1 && snap.Conversations[0].ID == 9
	}, time.Second, 5*time.Millisecond)
}

func TestTypingDebounce(t *testing.T) {
	const timeout = 300 * time.Millisecond
	h := newHarness(t, Config{TypingTimeout: timeout})
	h.api.conversations = []models.Conversation{{PartnerID: 5}}
	require.NoError(t, h.sync.Load(context.Background()))
	h.connect(t)

	h.subs.deliver(t, models.QueueTyping, models.TypingSignal{UserID: 5, Username: "bob"})
	time.Sleep(120 * time.Millisecond)
	second := time.Now()
	h.subs.deliver(t, models.QueueTyping, models.TypingSignal{UserID: 5, Username: "bob"})

	require.Eventually(t, func() bool { return h.snapshot(t).Typing != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", h.snapshot(t).Typing.Username)

	require.Eventually(t, func() bool { return h.snapshot(t).Typing == nil }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(second), timeout)

	time.Sleep(timeout)
	assert.Equal(t, 1, h.pub.typingClears())
}

func TestTypingFromOtherPartnerIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{PartnerID: 5}, {PartnerID: 6}}
	require.NoError(t, h.sync.Load(context.Background()))
	h.connect(t)

	h.subs.deliver(t, models.QueueTyping, models.TypingSignal{UserID: 6, Username: "eve"})
	assert.Nil(t, h.snapshot(t).Typing)
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{PartnerID: 5}}
	require.NoError(t, h.sync.Load(context.Background()))
	h.connect(t)

	h.subs.deliver(t, models.QueueTyping, models.TypingSignal{UserID: 5, Username: "bob"})
	require.Eventually(t, func() bool { return h.snapshot(t).Typing != nil }, time.Second, 5*time.Millisecond)

	h.conn.states.Publish(websocket.StateDisconnected)
	require.Eventually(t, func() bool { return h.snapshot(t).Typing == nil }, time.Second, 5*time.Millisecond)
}

func TestPresenceUpdatesBothLists(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{PartnerID: 5, PartnerUsername: "bob"}, {PartnerID: 6, PartnerUsername: "eve"}}
	h.api.search = []models.Conversation{{PartnerID: 5, PartnerUsername: "bob"}}
	require.NoError(t, h.sync.Load(context.Background()))
	require.NoError(t, h.sync.Search(context.Background(), "bo"))
	h.connect(t)

	h.subs.deliver(t, models.QueueStatus, models.PresenceUpdate{UserID: 5, Online: true})

	require.Eventually(t, func() bool {
		snap := h.snapshot(t)
		return snap.Conversations[0].PartnerOnline && snap.Filtered[0].PartnerOnline
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.snapshot(t).Conversations[1].PartnerOnline)
}

func TestErrorNoticesAreCategorized(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)

	h.subs.deliver(t, models.QueueErrors, models.ErrorNotice{Error: "You can only message your friends", Type: models.ErrorTypeMessage})
	h.subs.deliver(t, models.QueueErrors, models.ErrorNotice{Error: "Something broke", Type: models.ErrorTypeMessage})

	require.Eventually(t, func() bool { return len(h.pub.domainErrors()) == 2 }, time.Second, 5*time.Millisecond)
	errs := h.pub.domainErrors()
	assert.Equal(t, models.CategoryNotContact, errs[0].Category)
	assert.Equal(t, models.CategoryGeneric, errs[1].Category)
	assert.Equal(t, "Something broke", errs[1].Message)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, Config{})

	assert.ErrorIs(t, <-h.sync.SendMessage("hi"), ErrNoConversation)

	h.api.conversations = []models.Conversation{{PartnerID: 5}}
	require.NoError(t, h.sync.Load(context.Background()))

	assert.ErrorIs(t, <-h.sync.SendMessage("   "), ErrEmptyMessage)
	require.NoError(t, <-h.sync.SendMessage(" hi "))

	payloads := h.conn.sentTo(models.AppChatSend)
	require.Len(t, payloads, 1)
	assert.Equal(t, models.SendMessageRequest{ReceiverID: 5, Content: "hi"}, payloads[0])
	// no optimistic echo
	assert.Empty(t, h.snapshot(t).Messages)
}

func TestSendFailureIsPublished(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.sendErr = websocket.ErrDeliveryTimeout

	err := <-h.sync.SendTo(5, "hi")
	assert.ErrorIs(t, err, websocket.ErrDeliveryTimeout)

	errs := h.pub.domainErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, models.CategoryDelivery, errs[0].Category)
}

func TestNotifyTypingIsThrottled(t *testing.T) {
	h := newHarness(t, Config{TypingThrottle: time.Hour})
	h.sync.NotifyTyping()
	assert.Empty(t, h.conn.sentTo(models.AppChatTyping), "nothing open")

	h.api.conversations = []models.Conversation{{PartnerID: 5}}
	require.NoError(t, h.sync.Load(context.Background()))
	h.sync.NotifyTyping()
	h.sync.NotifyTyping()

	payloads := h.conn.sentTo(models.AppChatTyping)
	require.Len(t, payloads, 1)
	assert.Equal(t, models.TypingRequest{ReceiverID: 5}, payloads[0])
}

func TestSearch(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{PartnerID: 5, PartnerUsername: "bob"}, {PartnerID: 6, PartnerUsername: "eve"}}
	require.NoError(t, h.sync.Load(context.Background()))

	h.api.search = []models.Conversation{{PartnerID: 6, PartnerUsername: "eve"}}
	require.NoError(t, h.sync.Search(context.Background(), "ev"))
	snap := h.snapshot(t)
	assert.Equal(t, "ev", snap.Query)
	assert.Equal(t, []int64{6}, partners(snap.Visible()))

	require.NoError(t, h.sync.Search(context.Background(), "  "))
	snap = h.snapshot(t)
	assert.Nil(t, snap.Filtered)
	assert.Len(t, snap.Visible(), 2)

	h.api.searchErr = errors.New("down")
	require.Error(t, h.sync.Search(context.Background(), "x"))
	assert.Len(t, h.snapshot(t).Visible(), 2)
}

func TestCreateConversation(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.conversations = []models.Conversation{{PartnerID: 5, LastMessageAt: at(1)}}
	require.NoError(t, h.sync.Load(context.Background()))

	h.api.created = &models.Conversation{ID: 7, PartnerID: 12, PartnerUsername: "zoe"}
	conv, err := h.sync.CreateConversation(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), conv.PartnerID)

	snap := h.snapshot(t)
	assert.ElementsMatch(t, []int64{5, 12}, partners(snap.Conversations))
	require.NotNil(t, snap.Selected)
	assert.Equal(t, int64(12), snap.Selected.PartnerID)
}

func TestCreateConversationWithNonFriend(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.createErr = errors.New("api: status 400: You can only message your friends")

	_, err := h.sync.CreateConversation(context.Background(), 99)
	require.Error(t, err)
	errs := h.pub.domainErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, models.CategoryNotContact, errs[0].Category)
}

func TestReconnectResubscribesAndResyncs(t *testing.T) {
	h := newHarness(t, Config{ResyncOnReconnect: true})
	h.api.conversations = []models.Conversation{{PartnerID: 5, LastMessageAt: at(1)}}
	h.api.histories[5] = []models.ChatMessage{{ID: 1, SenderID: 5, ReceiverID: self, Content: "one"}}
	require.NoError(t, h.sync.Load(context.Background()))
	h.connect(t)

	h.conn.states.Publish(websocket.StateDisconnected)
	// partner wrote while we were away
	h.api.mu.Lock()
	h.api.histories[5] = append(h.api.histories[5], models.ChatMessage{ID: 2, SenderID: 5, ReceiverID: self, Content: "missed"})
	h.api.conversations[0].LastMessage = "missed"
	h.api.conversations[0].LastMessageAt = at(50)
	h.api.mu.Unlock()
	h.connect(t)

	require.Eventually(t, func() bool {
		return len(h.snapshot(t).Messages) == 2
	}, time.Second, 5*time.Millisecond)
	snap := h.snapshot(t)
	assert.Equal(t, "missed", snap.Messages[1].Content)
	assert.Equal(t, "missed", snap.Conversations[0].LastMessage)

	assert.Len(t, h.subs.subscribeCalls(), 8)
	assert.Len(t, h.conn.sentTo(models.AppUserOnline), 2)
}

func TestReconnectWithoutResync(t *testing.T) {
	h := newHarness(t, Config{ResyncOnReconnect: false})
	require.NoError(t, h.sync.Load(context.Background()))
	h.connect(t)
	h.conn.states.Publish(websocket.StateDisconnected)
	h.connect(t)

	time.Sleep(50 * time.Millisecond)
	convCalls, _ := h.api.calls()
	assert.Equal(t, 1, convCalls)
}

func TestPassthroughs(t *testing.T) {
	h := newHarness(t, Config{})

	friends, err := h.sync.FriendsWithoutChat(context.Background())
	require.NoError(t, err)
	assert.Len(t, friends, 1)

	n, err := h.sync.UnreadTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSortConversations(t *testing.T) {
	cs := []models.Conversation{
		{PartnerID: 1},
		{PartnerID: 2, LastMessageAt: at(5)},
		{PartnerID: 3},
		{PartnerID: 4, LastMessageAt: at(9)},
		{PartnerID: 5, LastMessageAt: at(5)},
	}
	SortConversations(cs)
	assert.Equal(t, []int64{4, 2, 5, 1, 3}, partners(cs))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		text string
		want models.ErrorCategory
	}{
		{"You can only message your friends", models.CategoryNotContact},
		{"YOU CAN ONLY MESSAGE YOUR FRIENDS.", models.CategoryNotContact},
		{"Message too long", models.CategoryGeneric},
		{"", models.CategoryGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Categorize(tt.text), tt.text)
	}
}

func TestOperationsAfterStop(t *testing.T) {
	s := New(Deps{API: newFakeAPI(), Conn: newFakeConn(), Subscriber: newFakeSubscriber()}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	_, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, <-s.SendMessage("hi"), ErrStopped)
}

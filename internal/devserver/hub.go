package devserver

import (
	"context"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"heyochat/internal/db"
	"heyochat/internal/models"
	"heyochat/internal/stomp"
)

const (
	notFriendsMessage   = "You can only message your friends"
	emptyMessageMessage = "Message content cannot be empty"
	selfMessageMessage  = "You cannot message yourself"
)

// RejectedError is a business rule violation reported back to the sender.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

// Hub tracks connected sessions per user and routes frames to them.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	userMap    map[int64]map[*Client]bool
	mu         sync.RWMutex
	logger     *zap.Logger
	db         *db.DB
	done       chan struct{}
}

func NewHub(database *db.DB, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		userMap:    make(map[int64]map[*Client]bool),
		logger:     logger.Named("hub"),
		db:         database,
		done:       make(chan struct{}),
	}
}

// Run serializes session registration until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Hub started")
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			sessions, ok := h.userMap[client.userID]
			if !ok {
				sessions = make(map[*Client]bool)
				h.userMap[client.userID] = sessions
			}
			sessions[client] = true
			first := len(sessions) == 1
			h.mu.Unlock()
			close(client.ready)
			h.logger.Info("Client connected",
				zap.String("username", client.username),
				zap.Int64("user_id", client.userID),
				zap.Int("clients", len(h.clients)))
			if first {
				h.BroadcastPresence(client.userID, true)
			}

		case client := <-h.Unregister:
			h.mu.Lock()
			last := false
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				sessions := h.userMap[client.userID]
				delete(sessions, client)
				if len(sessions) == 0 {
					delete(h.userMap, client.userID)
					last = true
				}
				close(client.send)
			}
			remaining := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client disconnected",
				zap.String("username", client.username),
				zap.Int64("user_id", client.userID),
				zap.Int("clients", remaining))
			if last {
				h.BroadcastPresence(client.userID, false)
			}

		case <-ctx.Done():
			h.logger.Info("Hub stopped")
			return
		}
	}
}

// IsOnline reports whether userID has at least one live session.
func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userMap[userID]) > 0
}

// SendToUser delivers payload as a MESSAGE on destination to every session
// of userID that subscribed to it.
func (h *Hub) SendToUser(userID int64, destination string, payload interface{}) error {
	body, err := sonic.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal payload", zap.Error(err))
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions, ok := h.userMap[userID]
	if !ok {
		h.logger.Debug("User not connected", zap.Int64("user_id", userID))
		return nil
	}
	for client := range sessions {
		subID, ok := client.subscription(destination)
		if !ok {
			continue
		}
		frame := stomp.New(stomp.CmdMessage,
			stomp.HdrDestination, destination,
			stomp.HdrSubscription, subID,
			stomp.HdrMessageID, uuid.NewString(),
			stomp.HdrContentType, "application/json",
		)
		frame.Body = body
		if !client.enqueue(stomp.Marshal(frame)) {
			h.logger.Warn("Send buffer full, dropping frame",
				zap.Int64("user_id", userID),
				zap.String("destination", destination))
		}
	}
	return nil
}

// BroadcastPresence tells userID's friends that userID went on or offline.
func (h *Hub) BroadcastPresence(userID int64, online bool) {
	friends, err := h.db.FriendIDs(userID)
	if err != nil {
		h.logger.Error("Failed to load friends", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	update := models.PresenceUpdate{UserID: userID, Online: online}
	for _, id := range friends {
		h.SendToUser(id, models.QueueStatus, update)
	}
}

// Deliver validates and stores a chat message, then echoes it to both
// parties. Rule violations come back as *RejectedError.
func (h *Hub) Deliver(sender *models.User, req models.SendMessageRequest) (*models.ChatMessage, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, &RejectedError{Message: emptyMessageMessage}
	}
	if req.ReceiverID == sender.ID {
		return nil, &RejectedError{Message: selfMessageMessage}
	}
	friends, err := h.db.AreFriends(sender.ID, req.ReceiverID)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, &RejectedError{Message: notFriendsMessage}
	}

	msg, err := h.db.SaveMessage(sender.ID, req.ReceiverID, content)
	if err != nil {
		return nil, err
	}
	h.SendToUser(sender.ID, models.QueueMessages, msg)
	h.SendToUser(req.ReceiverID, models.QueueMessages, msg)
	return msg, nil
}

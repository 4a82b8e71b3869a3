package models

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

type User struct {
	ID        int64  `json:"id" db:"id"`
	Username  string `json:"username" db:"username"`
	Password  string `json:"-" db:"password"`
	Email     string `json:"email,omitempty" db:"email"`
	AvatarURL string `json:"avatarUrl,omitempty" db:"avatar_url"`
	Online    bool   `json:"online" db:"online"`
}

// Conversation is one direct-chat thread as seen by the current user.
// A zero LastMessageAt means the thread has no messages yet.
type Conversation struct {
	ID               int64  `json:"id"`
	PartnerID        int64  `json:"partnerId"`
	PartnerUsername  string `json:"partnerUsername"`
	PartnerAvatarURL string `json:"partnerAvatarUrl,omitempty"`
	PartnerOnline    bool   `json:"partnerOnline"`
	LastMessage      string `json:"lastMessage,omitempty"`
	LastMessageAt    Time   `json:"lastMessageAt"`
	UnreadCount      int    `json:"unreadCount"`
}

type ChatMessage struct {
	ID               int64  `json:"id" db:"id"`
	SenderID         int64  `json:"senderId" db:"sender_id"`
	SenderUsername   string `json:"senderUsername,omitempty"`
	SenderAvatarURL  string `json:"senderAvatarUrl,omitempty"`
	ReceiverID       int64  `json:"receiverId" db:"receiver_id"`
	ReceiverUsername string `json:"receiverUsername,omitempty"`
	Content          string `json:"content" db:"content"`
	Read             bool   `json:"read" db:"read"`
	CreatedAt        Time   `json:"createdAt" db:"created_at"`
}

// PartnerOf returns the other side of the message relative to self.
func (m ChatMessage) PartnerOf(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Inbound frame payloads
type TypingSignal struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type PresenceUpdate struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

type ErrorNotice struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// Outbound frame payloads
type SendMessageRequest struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

type TypingRequest struct {
	ReceiverID int64 `json:"receiverId"`
}

// TypingIndicator marks a partner as currently typing. Ephemeral.
type TypingIndicator struct {
	PartnerID int64
	Username  string
	Since     time.Time
}

type ErrorCategory string

const (
	CategoryNotContact ErrorCategory = "not_contact"
	CategoryDelivery   ErrorCategory = "delivery"
	CategoryGeneric    ErrorCategory = "generic"
)

// DomainError is a server-reported business rule violation or a failed
// delivery. It is published on the error stream, never returned.
type DomainError struct {
	Type     string
	Message  string
	Category ErrorCategory
}

func (e DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Request/Response structures
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type UnreadCount struct {
	Count int `json:"count"`
}

type APIError struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Time accepts both zoned RFC 3339 timestamps and the zone-less local
// timestamps the backend emits. The zero value encodes as null.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func NewTime(t time.Time) Time {
	return Time{Time: t}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Time.Format(time.RFC3339Nano) + `"`), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		t.Time = time.Time{}
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

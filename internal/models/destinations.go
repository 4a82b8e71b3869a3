package models

// Inbound channels, scoped to the authenticated user by the broker.
const (
	QueueMessages = "/user/queue/messages"
	QueueTyping   = "/user/queue/typing"
	QueueStatus   = "/user/queue/status"
	QueueErrors   = "/user/queue/errors"
)

// Outbound send targets.
const (
	AppChatSend    = "/app/chat.send"
	AppChatTyping  = "/app/chat.typing"
	AppUserOnline  = "/app/user.online"
	AppUserOffline = "/app/user.offline"
)

// UserQueues lists every per-user inbound channel.
var UserQueues = []string{QueueMessages, QueueTyping, QueueStatus, QueueErrors}

// Error types carried in ErrorNotice.Type.
const (
	ErrorTypeMessage  = "MESSAGE_ERROR"
	ErrorTypeDelivery = "DELIVERY_ERROR"
)

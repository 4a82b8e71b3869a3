package devserver

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heyochat/internal/auth"
	"heyochat/internal/models"
	"heyochat/internal/stomp"
)

const (
	writeWait     = 10 * time.Second
	handshakeWait = 10 * time.Second
	maxFrameSize  = 64 << 10
	sendBuffer    = 256
)

// Client is one STOMP session on the devserver.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	ready    chan struct{}
	logger   *zap.Logger
	secret   []byte
	userID   int64
	username string

	heartbeatOut time.Duration
	heartbeatIn  time.Duration

	mu   sync.Mutex
	subs map[string]string
}

func NewClient(hub *Hub, conn *websocket.Conn, secret []byte, heartbeatOut, heartbeatIn time.Duration) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		ready:        make(chan struct{}),
		logger:       hub.logger.Named("client"),
		secret:       secret,
		heartbeatOut: heartbeatOut,
		heartbeatIn:  heartbeatIn,
		subs:         make(map[string]string),
	}
}

// Serve runs the CONNECT handshake and then the pumps. It returns when the
// session ends.
func (c *Client) Serve() {
	if err := c.handshake(); err != nil {
		c.logger.Info("Handshake rejected", zap.Error(err))
		c.conn.Close()
		return
	}
	go c.WritePump()
	c.ReadPump()
}

func (c *Client) handshake() error {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	frame, err := stomp.Unmarshal(data)
	if err != nil {
		c.writeError("malformed frame")
		return err
	}
	if frame.Command != stomp.CmdConnect && frame.Command != stomp.CmdStomp {
		c.writeError("expected CONNECT")
		return errors.New("expected CONNECT, got " + frame.Command)
	}

	token := strings.TrimPrefix(frame.Header.Get(stomp.HdrAuthorization), "Bearer ")
	identity, err := auth.Verify(c.secret, token)
	if err != nil {
		c.writeError("Invalid or expired token")
		return err
	}
	user, err := c.hub.db.GetUserByID(identity.UserID)
	if err != nil {
		c.writeError("Unknown user")
		return err
	}
	c.userID = user.ID
	c.username = user.Username

	// Server perspective: our out pairs with the client's in and vice versa.
	out, in, err := stomp.NegotiateHeartBeat(c.heartbeatOut, c.heartbeatIn, frame.Header.Get(stomp.HdrHeartBeat))
	if err != nil {
		c.writeError("invalid heart-beat")
		return err
	}
	offered := stomp.FormatHeartBeat(c.heartbeatOut, c.heartbeatIn)
	c.heartbeatOut, c.heartbeatIn = out, in

	select {
	case c.hub.Register <- c:
	case <-c.hub.done:
		return errors.New("hub stopped")
	}
	<-c.ready

	connected := stomp.New(stomp.CmdConnected,
		stomp.HdrVersion, "1.2",
		stomp.HdrHeartBeat, offered,
		"server", "heyochat-devserver",
		"user-name", c.username,
	)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, stomp.Marshal(connected)); err != nil {
		c.unregister()
		return err
	}
	c.conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *Client) writeError(message string) {
	frame := stomp.New(stomp.CmdError, stomp.HdrMessage, message)
	frame.Body = []byte(message)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.TextMessage, stomp.Marshal(frame))
}

// unregister hands the session back to the hub, which closes send and so
// lets the write pump drain and close the connection.
func (c *Client) unregister() {
	select {
	case c.hub.Unregister <- c:
	case <-c.hub.done:
		c.conn.Close()
	}
}

// enqueue hands data to the write pump without blocking. Callers sending to
// other clients hold the hub's read lock.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) subscription(destination string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.subs[destination]
	return id, ok
}

func (c *Client) ReadPump() {
	defer c.unregister()

	for {
		if c.heartbeatIn > 0 {
			c.conn.SetReadDeadline(time.Now().Add(2 * c.heartbeatIn))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("Read failed", zap.Int64("user_id", c.userID), zap.Error(err))
			}
			return
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		frame, err := stomp.Unmarshal(data)
		if err != nil {
			c.logger.Warn("Malformed frame", zap.Int64("user_id", c.userID), zap.Error(err))
			continue
		}
		if !c.handle(frame) {
			return
		}
	}
}

// handle processes one client frame. It returns false when the session
// should end.
func (c *Client) handle(frame *stomp.Frame) bool {
	switch frame.Command {
	case stomp.CmdSubscribe:
		dest := frame.Header.Get(stomp.HdrDestination)
		c.mu.Lock()
		c.subs[dest] = frame.Header.Get(stomp.HdrID)
		c.mu.Unlock()
		c.logger.Debug("Subscribed", zap.Int64("user_id", c.userID), zap.String("destination", dest))

	case stomp.CmdUnsubscribe:
		id := frame.Header.Get(stomp.HdrID)
		c.mu.Lock()
		for dest, subID := range c.subs {
			if subID == id {
				delete(c.subs, dest)
			}
		}
		c.mu.Unlock()

	case stomp.CmdSend:
		c.route(frame)

	case stomp.CmdDisconnect:
		c.receipt(frame)
		return false

	default:
		c.logger.Warn("Unexpected command", zap.String("command", frame.Command))
		errFrame := stomp.New(stomp.CmdError, stomp.HdrMessage, "unexpected command "+frame.Command)
		c.enqueue(stomp.Marshal(errFrame))
		return false
	}
	c.receipt(frame)
	return true
}

func (c *Client) receipt(frame *stomp.Frame) {
	if id, ok := frame.Header.Contains(stomp.HdrReceipt); ok {
		c.enqueue(stomp.Marshal(stomp.New(stomp.CmdReceipt, stomp.HdrReceiptID, id)))
	}
}

func (c *Client) route(frame *stomp.Frame) {
	switch dest := frame.Header.Get(stomp.HdrDestination); dest {
	case models.AppChatSend:
		var req models.SendMessageRequest
		if err := sonic.Unmarshal(frame.Body, &req); err != nil {
			c.reject("Invalid message payload")
			return
		}
		sender := &models.User{ID: c.userID, Username: c.username}
		if _, err := c.hub.Deliver(sender, req); err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				c.reject(rejected.Message)
				return
			}
			c.logger.Error("Failed to deliver message", zap.Error(err))
			c.reject("Failed to send message")
		}

	case models.AppChatTyping:
		var req models.TypingRequest
		if err := sonic.Unmarshal(frame.Body, &req); err != nil {
			return
		}
		c.hub.SendToUser(req.ReceiverID, models.QueueTyping, models.TypingSignal{
			UserID:   c.userID,
			Username: c.username,
		})

	case models.AppUserOnline:
		c.hub.BroadcastPresence(c.userID, true)

	case models.AppUserOffline:
		c.hub.BroadcastPresence(c.userID, false)

	default:
		c.reject("Unknown destination " + dest)
	}
}

func (c *Client) reject(message string) {
	c.hub.SendToUser(c.userID, models.QueueErrors, models.ErrorNotice{
		Error: message,
		Type:  models.ErrorTypeMessage,
	})
}

func (c *Client) WritePump() {
	var tick <-chan time.Time
	if c.heartbeatOut > 0 {
		ticker := time.NewTicker(c.heartbeatOut)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-tick:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte{'\n'}); err != nil {
				return
			}
		}
	}
}

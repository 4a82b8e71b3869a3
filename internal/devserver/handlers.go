package devserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"heyochat/internal/auth"
	"heyochat/internal/db"
	"heyochat/internal/models"
)

const userContextKey = "user"

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, models.APIError{
		Status:  status,
		Error:   http.StatusText(status),
		Message: message,
	})
}

// WithAuth resolves the bearer token into the current user.
func (s *Server) WithAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abort(c, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		identity, err := auth.Verify(s.secret, token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		user, err := s.db.GetUserByID(identity.UserID)
		if err != nil {
			abort(c, http.StatusUnauthorized, "User not found")
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	return c.MustGet(userContextKey).(*models.User)
}

func (s *Server) issue(c *gin.Context, status int, user *models.User) {
	token, err := auth.Sign(s.secret, auth.Identity{
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: time.Now().Add(s.opts.TokenTTL),
	})
	if err != nil {
		s.logger.Error("Failed to sign token", zap.Error(err))
		abort(c, http.StatusInternalServerError, "Failed to create token")
		return
	}
	c.JSON(status, models.AuthResponse{
		Token:    token,
		Type:     "Bearer",
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	})
}

func (s *Server) HandleRegister(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		abort(c, http.StatusBadRequest, "Username and password are required")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	user, err := s.db.CreateUser(strings.TrimSpace(req.Username), req.Email, string(hashed))
	if errors.Is(err, db.ErrDuplicate) {
		abort(c, http.StatusConflict, "Username or email already exists")
		return
	}
	if err != nil {
		s.logger.Error("Failed to create user", zap.Error(err))
		abort(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.issue(c, http.StatusCreated, user)
}

func (s *Server) HandleLogin(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := s.db.GetUserByLogin(req.Username)
	if err != nil {
		abort(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		abort(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	s.issue(c, http.StatusOK, user)
}

// withPresence fills partnerOnline from the hub's live sessions.
func (s *Server) withPresence(list []models.Conversation) []models.Conversation {
	for i := range list {
		list[i].PartnerOnline = s.hub.IsOnline(list[i].PartnerID)
	}
	return list
}

func (s *Server) HandleConversations(c *gin.Context) {
	user := currentUser(c)
	list, err := s.db.ListConversations(user.ID)
	if err != nil {
		s.logger.Error("Failed to fetch conversations", zap.Int64("user_id", user.ID), zap.Error(err))
		abort(c, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}
	c.JSON(http.StatusOK, s.withPresence(list))
}

func (s *Server) HandleSearchConversations(c *gin.Context) {
	user := currentUser(c)
	list, err := s.db.SearchConversations(user.ID, c.Query("query"))
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to search conversations")
		return
	}
	c.JSON(http.StatusOK, s.withPresence(list))
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

func (s *Server) HandleMessages(c *gin.Context) {
	user := currentUser(c)
	partnerID, ok := pathID(c, "partnerId")
	if !ok {
		return
	}
	messages, err := s.db.GetMessages(user.ID, partnerID)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) HandleMarkRead(c *gin.Context) {
	user := currentUser(c)
	partnerID, ok := pathID(c, "partnerId")
	if !ok {
		return
	}
	if _, err := s.db.MarkRead(user.ID, partnerID); err != nil {
		abort(c, http.StatusInternalServerError, "Failed to mark messages as read")
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) HandleUnreadCount(c *gin.Context) {
	user := currentUser(c)
	n, err := s.db.UnreadCount(user.ID)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, models.UnreadCount{Count: n})
}

func (s *Server) HandleCreateConversation(c *gin.Context) {
	user := currentUser(c)
	friendID, ok := pathID(c, "friendId")
	if !ok {
		return
	}
	friends, err := s.db.AreFriends(user.ID, friendID)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to check friendship")
		return
	}
	if !friends {
		abort(c, http.StatusForbidden, notFriendsMessage)
		return
	}
	if _, err := s.db.EnsureConversation(user.ID, friendID); err != nil {
		abort(c, http.StatusInternalServerError, "Failed to create conversation")
		return
	}
	conv, err := s.db.GetConversation(user.ID, friendID)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	conv.PartnerOnline = s.hub.IsOnline(friendID)
	c.JSON(http.StatusOK, conv)
}

func (s *Server) HandleFriendsWithoutChat(c *gin.Context) {
	user := currentUser(c)
	friends, err := s.db.FriendsWithoutConversation(user.ID)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to fetch friends")
		return
	}
	for i := range friends {
		friends[i].Online = s.hub.IsOnline(friends[i].ID)
	}
	c.JSON(http.StatusOK, friends)
}

func (s *Server) HandleSend(c *gin.Context) {
	user := currentUser(c)
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	msg, err := s.hub.Deliver(user, req)
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		abort(c, http.StatusForbidden, rejected.Message)
		return
	}
	if err != nil {
		s.logger.Error("Failed to send message", zap.Error(err))
		abort(c, http.StatusInternalServerError, "Failed to send message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// HandleWebSocket upgrades to a STOMP session. A handshake Authorization
// header is optional, but when present it must be valid.
func (s *Server) HandleWebSocket(c *gin.Context) {
	if header := c.GetHeader("Authorization"); header != "" {
		if _, err := auth.Verify(s.secret, strings.TrimPrefix(header, "Bearer ")); err != nil {
			abort(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(s.hub, conn, s.secret, s.opts.HeartbeatOut, s.opts.HeartbeatIn)
	go client.Serve()
}

func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

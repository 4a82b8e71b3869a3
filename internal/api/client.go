// Package api is the client for the server's REST collaborator endpoints:
// conversation list, history, read marks, search and friend lookup.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"heyochat/internal/metrics"
	"heyochat/internal/models"
)

// Error is a non-2xx response from the server.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	RateLimitRPS float64
}

// Client wraps resty with retrying transport and rate limiting.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector
	mu      sync.RWMutex
}

// NewClient creates a client rooted at opts.BaseURL (for example
// http://localhost:8080/api).
func NewClient(opts Options, logger *zap.Logger, collector *metrics.Collector) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 5 * time.Second
	}
	logger = logger.Named("api")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Logger = leveledLogger{logger.Sugar()}
	// Hand the final response back instead of an opaque "giving up" error.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient())
	restyClient.
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "heyochat/1.0").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), max(1, int(opts.RateLimitRPS)))
	}

	return &Client{
		resty:   restyClient,
		limiter: limiter,
		logger:  logger,
		metrics: collector,
	}
}

// SetToken sets the bearer credential sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resty.SetAuthToken(token)
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resty.R().SetContext(ctx), nil
}

// do executes one request and decodes the success body into result.
func (c *Client) do(ctx context.Context, op, method, path string, body, result any, configure func(*resty.Request)) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RESTRequests.WithLabelValues(op, metrics.Outcome(err)).Inc()
		c.logger.Debug("Request finished",
			zap.String("op", op),
			zap.String("path", path),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}()

	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	req.SetError(&models.APIError{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	if configure != nil {
		configure(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %w", op, responseError(resp))
	}
	return nil
}

func responseError(resp *resty.Response) *Error {
	e := &Error{Status: resp.StatusCode()}
	if apiErr, ok := resp.Error().(*models.APIError); ok && apiErr != nil {
		switch {
		case apiErr.Message != "":
			e.Message = apiErr.Message
		case apiErr.Error != "":
			e.Message = apiErr.Error
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(e.Status)
	}
	return e
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, "login", http.MethodPost, "/auth/login",
		models.LoginRequest{Username: username, Password: password}, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	var out models.AuthResponse
	if err := c.do(ctx, "register", http.MethodPost, "/auth/register", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists the caller's conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, "conversations", http.MethodGet, "/chat/conversations", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the history with partnerID, oldest first.
func (c *Client) Messages(ctx context.Context, partnerID int64) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	err := c.do(ctx, "messages", http.MethodGet, "/chat/conversations/{partnerId}", nil, &out,
		func(r *resty.Request) { r.SetPathParam("partnerId", strconv.FormatInt(partnerID, 10)) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks every message from partnerID as read.
func (c *Client) MarkRead(ctx context.Context, partnerID int64) error {
	return c.do(ctx, "mark_read", http.MethodPost, "/chat/conversations/{partnerId}/read", struct{}{}, nil,
		func(r *resty.Request) { r.SetPathParam("partnerId", strconv.FormatInt(partnerID, 10)) })
}

// UnreadCount returns the server's unread total.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out models.UnreadCount
	if err := c.do(ctx, "unread_count", http.MethodGet, "/chat/unread-count", nil, &out, nil); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// SearchConversations filters conversations by partner name on the server.
func (c *Client) SearchConversations(ctx context.Context, query string) ([]models.Conversation, error) {
	var out []models.Conversation
	err := c.do(ctx, "search", http.MethodGet, "/chat/conversations/search", nil, &out,
		func(r *resty.Request) { r.SetQueryParam("query", query) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation opens a conversation with a friend.
func (c *Client) CreateConversation(ctx context.Context, friendID int64) (*models.Conversation, error) {
	var out models.Conversation
	err := c.do(ctx, "create_conversation", http.MethodPost, "/chat/conversations/create/{friendId}", struct{}{}, &out,
		func(r *resty.Request) { r.SetPathParam("friendId", strconv.FormatInt(friendID, 10)) })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FriendsWithoutChat lists friends with no conversation yet.
func (c *Client) FriendsWithoutChat(ctx context.Context) ([]models.User, error) {
	var out []models.User
	if err := c.do(ctx, "friends_without_chat", http.MethodGet, "/chat/friends/without-chat", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a message over REST. The live channel is preferred;
// this path is used by tooling.
func (c *Client) SendMessage(ctx context.Context, receiverID int64, content string) (*models.ChatMessage, error) {
	var out models.ChatMessage
	err := c.do(ctx, "send", http.MethodPost, "/chat/send",
		models.SendMessageRequest{ReceiverID: receiverID, Content: content}, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

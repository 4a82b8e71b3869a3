// Package websocket owns the single persistent STOMP-over-WebSocket
// connection: authentication at connect time, the lifecycle state machine,
// heart-beats and the queue of sends issued while the link is down.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heyochat/internal/metrics"
	"heyochat/internal/pubsub"
	"heyochat/internal/stomp"
)

// Listener receives inbound MESSAGE frames and session lifecycle events.
// Established runs once the session is writable and before the state
// becomes Connected. Teardown runs when the session goes away; graceful is
// true only for an explicit Disconnect while the socket is still usable.
type Listener interface {
	Established()
	HandleFrame(frame *stomp.Frame)
	Teardown(graceful bool)
}

type attempt struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

type pendingSend struct {
	destination string
	data        []byte
	result      chan error
	once        sync.Once
	timer       *time.Timer
}

func (p *pendingSend) resolve(err error) {
	p.once.Do(func() {
		p.result <- err
	})
}

// Manager is the connection manager. All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	dialer  *gorilla.Dialer

	mu         sync.Mutex
	state      State
	credential string
	retryCount int
	session    *session
	attempt    *attempt
	queue      []*pendingSend
	listener   Listener
	closed     bool

	states *pubsub.Feed[State]
}

// New creates a manager in the Disconnected state.
func New(cfg Config, logger *zap.Logger, collector *metrics.Collector) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.New()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("websocket"),
		metrics: collector,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		state:  StateDisconnected,
		states: pubsub.NewWithInitial(StateDisconnected),
	}
}

// SetListener installs the frame consumer. Only one listener is supported.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

func (m *Manager) currentListener() Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States streams state changes, starting with the current state. The
// channel closes when ctx is done or the manager is closed.
func (m *Manager) States(ctx context.Context) <-chan State {
	return m.states.Subscribe(ctx)
}

// RetryCount is the number of consecutive failed connect attempts.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Connect establishes the connection using credential. It is a no-op when
// already connected unless force is set, in which case the current session
// is torn down first. Concurrent callers share a single in-flight attempt.
func (m *Manager) Connect(ctx context.Context, credential string, force bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !force {
		if m.state == StateConnected && m.session != nil {
			m.mu.Unlock()
			return nil
		}
		if a := m.attempt; a != nil {
			m.mu.Unlock()
			return waitAttempt(ctx, a)
		}
	}
	m.mu.Unlock()

	if force {
		m.Disconnect()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if a := m.attempt; a != nil {
		m.mu.Unlock()
		return waitAttempt(ctx, a)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.attempt = a
	m.credential = credential
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	err := m.establish(attemptCtx, a, credential)
	cancel()
	a.finish(err)
	return err
}

func waitAttempt(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) establish(ctx context.Context, a *attempt, credential string) error {
	s, err := m.dial(ctx, credential)

	m.mu.Lock()
	if m.attempt != a {
		// Superseded by Disconnect or Close.
		m.mu.Unlock()
		if s != nil {
			s.close()
		}
		if err == nil {
			err = fmt.Errorf("%w: connect cancelled", ErrTransport)
		}
		return err
	}
	if err != nil {
		m.attempt = nil
		m.retryCount++
		m.metrics.ConnectAttempts.WithLabelValues("error").Inc()
		m.setStateLocked(StateError)
		m.mu.Unlock()
		m.logger.Warn("Connect failed", zap.Error(err), zap.Int("retry_count", m.RetryCount()))
		return err
	}
	m.session = s
	listener := m.listener
	m.mu.Unlock()

	go m.readPump(s)
	go m.writePump(s)

	if listener != nil {
		listener.Established()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != a || m.session != s {
		return fmt.Errorf("%w: connection lost during establishment", ErrTransport)
	}
	m.attempt = nil
	m.flushLocked(s)
	m.retryCount = 0
	m.metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	m.setStateLocked(StateConnected)
	m.logger.Info("Connected",
		zap.String("url", m.cfg.URL),
		zap.Duration("heartbeat_out", s.heartbeatOut),
		zap.Duration("heartbeat_in", s.heartbeatIn))
	return nil
}

// dial opens the socket and performs the STOMP CONNECT handshake.
func (m *Manager) dial(ctx context.Context, credential string) (*session, error) {
	target, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url: %v", ErrTransport, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", ErrProtocol, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, m.cfg.URL, err)
	}

	conn.SetReadLimit(maxFrame)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.cfg.ConnectTimeout)
	}

	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, target.Hostname(),
		stomp.HdrHeartBeat, stomp.FormatHeartBeat(m.cfg.HeartbeatOut, m.cfg.HeartbeatIn),
		stomp.HdrAuthorization, "Bearer "+credential,
	)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(gorilla.TextMessage, stomp.Marshal(connect)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write CONNECT: %v", ErrTransport, err)
	}
	m.metrics.FramesSent.WithLabelValues(stomp.CmdConnect).Inc()

	conn.SetReadDeadline(deadline)
	var frame *stomp.Frame
	for frame == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: handshake: %v", ErrTransport, ctx.Err())
			}
			return nil, fmt.Errorf("%w: handshake: %v", ErrTransport, err)
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		if frame, err = stomp.Unmarshal(data); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: handshake: %v", ErrProtocol, err)
		}
	}
	m.metrics.FramesReceived.WithLabelValues(frame.Command).Inc()

	switch frame.Command {
	case stomp.CmdConnected:
	case stomp.CmdError:
		conn.Close()
		msg := frame.Header.Get(stomp.HdrMessage)
		if msg == "" {
			msg = string(frame.Body)
		}
		return nil, fmt.Errorf("%w: connect rejected: %s", ErrProtocol, msg)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected %s during handshake", ErrProtocol, frame.Command)
	}

	out, in, err := stomp.NegotiateHeartBeat(m.cfg.HeartbeatOut, m.cfg.HeartbeatIn, frame.Header.Get(stomp.HdrHeartBeat))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return newSession(conn, out, in), nil
}

// Send publishes payload to destination. Payloads other than []byte and
// json.RawMessage are JSON encoded. When not connected the send is queued
// and flushed in order on the next successful connect; it fails with
// ErrDeliveryTimeout if that does not happen within the send timeout.
// The returned channel yields exactly one value.
func (m *Manager) Send(destination string, payload any) <-chan error {
	result := make(chan error, 1)

	body, err := encodePayload(payload)
	if err != nil {
		result <- fmt.Errorf("encode payload for %s: %w", destination, err)
		return result
	}
	frame := stomp.New(stomp.CmdSend,
		stomp.HdrDestination, destination,
		stomp.HdrContentType, "application/json",
	)
	frame.Body = body
	data := stomp.Marshal(frame)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		result <- ErrClosed
		return result
	}
	if m.state == StateConnected && m.session != nil {
		if m.session.enqueue(data) {
			m.metrics.FramesSent.WithLabelValues(stomp.CmdSend).Inc()
			m.traceSend(frame)
			result <- nil
			return result
		}
	}
	if len(m.queue) >= m.cfg.SendQueueLimit {
		m.metrics.DeliveryFailures.WithLabelValues("queue_full").Inc()
		result <- ErrQueueFull
		return result
	}

	p := &pendingSend{destination: destination, data: data, result: result}
	p.timer = time.AfterFunc(m.cfg.SendTimeout, func() { m.expire(p) })
	m.queue = append(m.queue, p)
	m.metrics.SendQueueDepth.Set(float64(len(m.queue)))
	m.logger.Debug("Send queued until connected",
		zap.String("destination", destination),
		zap.Int("queue_depth", len(m.queue)))
	return result
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return sonic.Marshal(v)
	}
}

func (m *Manager) expire(p *pendingSend) {
	m.mu.Lock()
	for i, q := range m.queue {
		if q == p {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.metrics.SendQueueDepth.Set(float64(len(m.queue)))
	m.mu.Unlock()

	m.metrics.DeliveryFailures.WithLabelValues("timeout").Inc()
	m.logger.Warn("Queued send timed out", zap.String("destination", p.destination))
	p.resolve(ErrDeliveryTimeout)
}

// flushLocked writes queued sends in FIFO order. Entries whose timer already
// fired are resolved by expire.
func (m *Manager) flushLocked(s *session) {
	for _, p := range m.queue {
		if !p.timer.Stop() {
			continue
		}
		if !s.enqueue(p.data) {
			m.metrics.DeliveryFailures.WithLabelValues("transport").Inc()
			p.resolve(fmt.Errorf("%w: connection lost while flushing", ErrTransport))
			continue
		}
		m.metrics.FramesSent.WithLabelValues(stomp.CmdSend).Inc()
		p.resolve(nil)
	}
	if n := len(m.queue); n > 0 {
		m.logger.Debug("Flushed queued sends", zap.Int("count", n))
	}
	m.queue = nil
	m.metrics.SendQueueDepth.Set(0)
}

func (m *Manager) traceSend(frame *stomp.Frame) {
	if m.cfg.TraceFrames {
		m.logger.Debug("Frame sent",
			zap.String("command", frame.Command),
			zap.String("destination", frame.Header.Get(stomp.HdrDestination)),
			zap.ByteString("body", frame.Body))
	}
}

// WriteFrame writes a control frame (SUBSCRIBE, UNSUBSCRIBE) on the current
// session. Unlike Send it never queues.
func (m *Manager) WriteFrame(frame *stomp.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNotConnected
	}
	if !m.session.enqueue(stomp.Marshal(frame)) {
		return ErrNotConnected
	}
	m.metrics.FramesSent.WithLabelValues(frame.Command).Inc()
	m.traceSend(frame)
	return nil
}

// Disconnect tears down the session, cancelling any in-flight attempt. It
// is a no-op when already disconnected. Queued sends are kept so that they
// can still be flushed by a later connect within their timeout.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if a := m.attempt; a != nil {
		m.attempt = nil
		a.cancel()
		a.finish(fmt.Errorf("%w: connect cancelled", ErrTransport))
	}
	s := m.session
	listener := m.listener
	if s == nil {
		if m.state != StateDisconnected {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		if listener != nil {
			listener.Teardown(false)
		}
		return
	}
	// Detached before the handshake so that the read pump, woken by the
	// broker closing the socket, does not tear the listener down again.
	s.closing.Store(true)
	m.session = nil
	m.mu.Unlock()

	if listener != nil {
		listener.Teardown(true)
	}

	receipt := uuid.NewString()
	disconnect := stomp.New(stomp.CmdDisconnect, stomp.HdrReceipt, receipt)
	if s.enqueue(stomp.Marshal(disconnect)) {
		m.metrics.FramesSent.WithLabelValues(stomp.CmdDisconnect).Inc()
		m.traceSend(disconnect)
		if !s.awaitReceipt(receipt, receiptWait) {
			m.logger.Debug("No receipt for DISCONNECT", zap.String("receipt", receipt))
		}
	}

	m.mu.Lock()
	if m.attempt == nil && m.session == nil {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
	s.close()
	m.logger.Info("Disconnected")
}

// sessionEnded handles socket loss detected by the read pump.
func (m *Manager) sessionEnded(s *session, cause error) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		s.close()
		return
	}
	m.session = nil
	listener := m.listener
	m.mu.Unlock()

	s.close()
	if listener != nil {
		listener.Teardown(false)
	}

	abnormal := false
	if !s.closing.Load() {
		var perr *protocolError
		switch {
		case errors.As(cause, &perr):
			abnormal = true
		case gorilla.IsUnexpectedCloseError(cause, gorilla.CloseNormalClosure, gorilla.CloseGoingAway):
			abnormal = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != nil || m.session != nil {
		return
	}
	if abnormal {
		m.logger.Error("Connection lost", zap.Error(cause))
		m.setStateLocked(StateError)
	} else {
		m.logger.Info("Connection closed", zap.Error(cause))
	}
	m.setStateLocked(StateDisconnected)
}

// Close disconnects and fails all queued sends with ErrClosed. The manager
// cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queue := m.queue
	m.queue = nil
	m.metrics.SendQueueDepth.Set(0)
	m.mu.Unlock()

	for _, p := range queue {
		if p.timer.Stop() {
			p.resolve(ErrClosed)
		}
	}
	m.states.Close()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("State change", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	m.metrics.ConnectionState.Set(float64(s))
	m.states.Publish(s)
}

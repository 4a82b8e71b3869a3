package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heyochat/internal/stomp"
)

const (
	writeWait   = 10 * time.Second
	receiptWait = time.Second
	sendBuffer  = 256
	maxFrame    = 1 << 20
)

var heartbeat = []byte{'\n'}

// session is one established STOMP connection. It is owned by the manager
// and discarded on teardown; a reconnect always builds a new one.
type session struct {
	conn         *gorilla.Conn
	out          chan []byte
	done         chan struct{}
	receipts     chan string
	closeOnce    sync.Once
	closing      atomic.Bool
	heartbeatOut time.Duration
	heartbeatIn  time.Duration
}

func newSession(conn *gorilla.Conn, out, in time.Duration) *session {
	return &session{
		conn:         conn,
		out:          make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		receipts:     make(chan string, 1),
		heartbeatOut: out,
		heartbeatIn:  in,
	}
}

// enqueue hands data to the write pump. It fails once the session is closed.
func (s *session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) awaitReceipt(id string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-s.receipts:
			if got == id {
				return true
			}
		case <-s.done:
			return false
		case <-timer.C:
			return false
		}
	}
}

// readPump dispatches inbound frames until the socket fails, then reports
// the loss to the manager.
func (m *Manager) readPump(s *session) {
	var cause error
	defer func() {
		m.sessionEnded(s, cause)
	}()

	for {
		if s.heartbeatIn > 0 {
			s.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeatIn))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			cause = err
			return
		}
		if stomp.IsHeartbeat(data) {
			continue
		}

		frame, err := stomp.Unmarshal(data)
		if err != nil {
			m.logger.Warn("Dropping malformed frame", zap.Error(err))
			m.metrics.FramesReceived.WithLabelValues("malformed").Inc()
			continue
		}
		m.metrics.FramesReceived.WithLabelValues(frame.Command).Inc()
		if m.cfg.TraceFrames {
			m.logger.Debug("Frame received",
				zap.String("command", frame.Command),
				zap.String("destination", frame.Header.Get(stomp.HdrDestination)),
				zap.ByteString("body", frame.Body))
		}

		switch frame.Command {
		case stomp.CmdMessage:
			if l := m.currentListener(); l != nil {
				l.HandleFrame(frame)
			}
		case stomp.CmdReceipt:
			select {
			case s.receipts <- frame.Header.Get(stomp.HdrReceiptID):
			default:
			}
		case stomp.CmdError:
			m.logger.Error("Server sent ERROR frame",
				zap.String("message", frame.Header.Get(stomp.HdrMessage)),
				zap.ByteString("body", frame.Body))
			cause = &protocolError{message: frame.Header.Get(stomp.HdrMessage)}
			return
		default:
			m.logger.Debug("Ignoring frame", zap.String("command", frame.Command))
		}
	}
}

// writePump serialises all writes to the socket and emits heart-beats.
func (m *Manager) writePump(s *session) {
	var tick <-chan time.Time
	if s.heartbeatOut > 0 {
		ticker := time.NewTicker(s.heartbeatOut)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gorilla.TextMessage, data); err != nil {
				m.logger.Warn("Write failed", zap.Error(err))
				s.close()
				return
			}
		case <-tick:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gorilla.TextMessage, heartbeat); err != nil {
				m.logger.Warn("Heart-beat failed", zap.Error(err))
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

type protocolError struct {
	message string
}

func (e *protocolError) Error() string {
	return "server error frame: " + e.message
}

func (e *protocolError) Unwrap() error {
	return ErrProtocol
}

// Package mux multiplexes named server-push channels over the single
// connection. Each channel name has at most one live handler; registrations
// made while offline are established once the connection comes up.
package mux

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"heyochat/internal/metrics"
	"heyochat/internal/stomp"
)

// ErrDecode marks payloads that could not be decoded for their channel.
var ErrDecode = errors.New("decode payload")

// Handler consumes one payload delivered on a channel.
type Handler func(payload []byte) error

// JSON adapts a typed callback into a Handler that decodes JSON payloads.
func JSON[T any](fn func(T)) Handler {
	return func(payload []byte) error {
		var v T
		if err := sonic.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		fn(v)
		return nil
	}
}

// Transport is the part of the connection manager the mux drives.
type Transport interface {
	WriteFrame(frame *stomp.Frame) error
}

type registration struct {
	name    string
	id      string
	handler Handler
	active  bool
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	mux *Mux
	reg *registration
}

// Name returns the channel name.
func (s *Subscription) Name() string {
	return s.reg.name
}

// Unsubscribe removes the registration if it is still the current one for
// its channel.
func (s *Subscription) Unsubscribe() {
	s.mux.remove(s.reg)
}

// Mux routes inbound frames to channel handlers.
type Mux struct {
	transport Transport
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu     sync.Mutex
	online bool
	regs   map[string]*registration
	byID   map[string]*registration
}

// New creates a mux writing control frames through transport.
func New(transport Transport, logger *zap.Logger, collector *metrics.Collector) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.New()
	}
	return &Mux{
		transport: transport,
		logger:    logger.Named("mux"),
		metrics:   collector,
		regs:      make(map[string]*registration),
		byID:      make(map[string]*registration),
	}
}

// Subscribe registers handler for the channel name, replacing any existing
// registration. The subscription is established immediately when online,
// otherwise on the next Established.
func (m *Mux) Subscribe(name string, handler Handler) *Subscription {
	reg := &registration{name: name, id: uuid.NewString(), handler: handler}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.regs[name]; ok {
		m.dropLocked(old, m.online)
	}
	m.regs[name] = reg
	m.byID[reg.id] = reg
	if m.online {
		m.activateLocked(reg)
	}
	return &Subscription{mux: m, reg: reg}
}

// Unsubscribe removes whatever registration exists for name.
func (m *Mux) Unsubscribe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.regs[name]; ok {
		m.dropLocked(reg, m.online)
	}
}

func (m *Mux) remove(reg *registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.regs[reg.name]; ok && cur == reg {
		m.dropLocked(reg, m.online)
	}
}

// Active lists channel names with an established subscription, sorted.
func (m *Mux) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.regs))
	for name, reg := range m.regs {
		if reg.active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Pending lists registered channel names still waiting for a connection.
func (m *Mux) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, reg := range m.regs {
		if !reg.active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Mux) activateLocked(reg *registration) {
	frame := stomp.New(stomp.CmdSubscribe,
		stomp.HdrID, reg.id,
		stomp.HdrDestination, reg.name,
		stomp.HdrAck, "auto",
	)
	if err := m.transport.WriteFrame(frame); err != nil {
		m.logger.Warn("Subscribe deferred", zap.String("channel", reg.name), zap.Error(err))
		return
	}
	reg.active = true
	m.metrics.ActiveSubscriptions.Inc()
	m.logger.Debug("Subscribed", zap.String("channel", reg.name), zap.String("id", reg.id))
}

func (m *Mux) dropLocked(reg *registration, notify bool) {
	delete(m.regs, reg.name)
	delete(m.byID, reg.id)
	if !reg.active {
		return
	}
	reg.active = false
	m.metrics.ActiveSubscriptions.Dec()
	if notify {
		if err := m.transport.WriteFrame(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, reg.id)); err != nil {
			m.logger.Debug("Unsubscribe not sent", zap.String("channel", reg.name), zap.Error(err))
		}
	}
}

// Established subscribes every pending registration.
func (m *Mux) Established() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = true
	for _, reg := range m.regs {
		if !reg.active {
			m.activateLocked(reg)
		}
	}
}

// Teardown discards every registration, active or pending. Callers
// re-subscribe after the next connect.
func (m *Mux) Teardown(graceful bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = false
	for _, reg := range m.regs {
		m.dropLocked(reg, graceful)
	}
}

// HandleFrame dispatches a MESSAGE frame to the handler it was addressed to.
func (m *Mux) HandleFrame(frame *stomp.Frame) {
	m.mu.Lock()
	reg, ok := m.byID[frame.Header.Get(stomp.HdrSubscription)]
	if !ok {
		reg, ok = m.regs[frame.Header.Get(stomp.HdrDestination)]
	}
	var handler Handler
	name := frame.Header.Get(stomp.HdrDestination)
	if ok && reg.active {
		handler = reg.handler
		name = reg.name
	}
	m.mu.Unlock()

	if handler == nil {
		m.metrics.DroppedFrames.WithLabelValues("unrouted").Inc()
		m.logger.Debug("Dropping frame for unknown subscription",
			zap.String("destination", name),
			zap.String("subscription", frame.Header.Get(stomp.HdrSubscription)))
		return
	}
	m.dispatch(name, handler, frame.Body)
}

func (m *Mux) dispatch(name string, handler Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.DroppedFrames.WithLabelValues("panic").Inc()
			m.logger.Error("Channel handler panicked",
				zap.String("channel", name),
				zap.Any("panic", r))
		}
	}()

	if err := handler(payload); err != nil {
		reason := "handler"
		if errors.Is(err, ErrDecode) {
			reason = "decode"
		}
		m.metrics.DroppedFrames.WithLabelValues(reason).Inc()
		m.logger.Warn("Dropping payload",
			zap.String("channel", name),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

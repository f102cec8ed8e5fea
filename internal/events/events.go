package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fluentsync/internal/domain"
	"fluentsync/internal/models"

	"github.com/rs/zerolog"
)

var _ domain.Broadcaster = (*Hub)(nil)

// ErrNoHandler is returned by Deliver for message types nobody subscribed to.
var ErrNoHandler = errors.New("no handler for message type")

// Session is one connected application instance.
type Session interface {
	ID() string
	Send(payload []byte) error
}

// MessageHandler reacts to an inbound message.
type MessageHandler func(ctx context.Context, msg models.ClientMessage) error

// Hub tracks connected sessions, fans out outbound messages to all of them and
// routes inbound messages to subscribed handlers.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[string]Session
	controller string

	handlersMu sync.RWMutex
	handlers   map[string][]MessageHandler

	logger *zerolog.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		sessions: make(map[string]Session),
		handlers: make(map[string][]MessageHandler),
		logger:   logger,
	}
}

func (h *Hub) Register(s Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debug().Str("session", s.ID()).Int("sessions", n).Msg("session registered")
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Len returns the number of connected sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Claim makes version the controller of every current and future session.
func (h *Hub) Claim(version string) {
	h.mu.Lock()
	h.controller = version
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info().Str("version", version).Int("sessions", n).Msg("sessions claimed")
}

// Controller returns the version that last claimed the sessions.
func (h *Hub) Controller() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// Broadcast encodes msg once and sends it to every session. Sessions whose
// send fails are dropped.
func (h *Hub) Broadcast(msg models.ClientMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("encode broadcast")
		return
	}

	h.mu.RLock()
	sessions := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(raw); err != nil {
			h.logger.Warn().Err(err).Str("session", s.ID()).Msg("send failed, dropping session")
			h.Unregister(s.ID())
		}
	}
}

// Subscribe registers a handler for an inbound message type.
func (h *Hub) Subscribe(msgType string, handler MessageHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[msgType] = append(h.handlers[msgType], handler)
}

// Deliver runs the handlers subscribed to msg.Type synchronously, stopping at the first error.
func (h *Hub) Deliver(ctx context.Context, msg models.ClientMessage) error {
	h.handlersMu.RLock()
	handlers := append([]MessageHandler(nil), h.handlers[msg.Type]...)
	h.handlersMu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w: %q", ErrNoHandler, msg.Type)
	}
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// ChanSession delivers broadcasts to an in-process channel. Send fails
// instead of blocking when the buffer is full.
type ChanSession struct {
	id string
	C  chan models.ClientMessage
}

func NewChanSession(id string, buffer int) *ChanSession {
	return &ChanSession{id: id, C: make(chan models.ClientMessage, buffer)}
}

func (s *ChanSession) ID() string { return s.id }

func (s *ChanSession) Send(payload []byte) error {
	var msg models.ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	select {
	case s.C <- msg:
		return nil
	default:
		return errors.New("session buffer full")
	}
}

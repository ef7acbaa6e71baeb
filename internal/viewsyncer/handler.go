package viewsyncer

import (
	"sync"

	"github.com/vitaliisemenov/syncengine/internal/protocol"
)

// ClientHandler is the coordinator's view of one connected client
// connection, implemented by internal/transport. The coordinator never
// blocks on a handler's I/O, per §4.5's fairness rule.
type ClientHandler interface {
	ClientID() string
	// Enqueue attempts a non-blocking send of frame. It returns false if
	// the handler's outbound queue is full, signalling a slow consumer.
	Enqueue(frame protocol.Frame) bool
	// Disconnect terminates the connection with the given error payload.
	Disconnect(reason *protocol.ErrorPayload)
}

// handlerSet tracks the ClientHandlers currently registered to this
// client-group's coordinator, keyed by clientID.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string]ClientHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: map[string]ClientHandler{}}
}

func (s *handlerSet) register(h ClientHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[h.ClientID()] = h
}

func (s *handlerSet) unregister(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, clientID)
}

func (s *handlerSet) get(clientID string) (ClientHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[clientID]
	return h, ok
}

func (s *handlerSet) snapshot() []ClientHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClientHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	return out
}

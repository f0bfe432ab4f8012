package client

import (
	"sync"

	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt/wire"
	"github.com/amora-chat/amora/tools/decode"
)

// HandlerFunc consumes one decoded frame payload.
type HandlerFunc func(data map[string]any)

// Mux routes frames by their type discriminant to registered handlers.
// Multiple handlers per type run in registration order; a frame with no
// handler is logged and dropped. Not an error: clients subscribe only to
// the event types they render.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string][]HandlerFunc)}
}

// Handle registers fn for frames of the given type.
func (m *Mux) Handle(eventType string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], fn)
}

// Dispatch decodes the frame payload and invokes every handler registered
// for its type, in order, on the caller's goroutine.
func (m *Mux) Dispatch(f wire.Frame) {
	m.mu.RLock()
	hs := m.handlers[f.Type]
	m.mu.RUnlock()
	if len(hs) == 0 {
		logger.Debugf("[client] unhandled event type=%s", f.Type)
		return
	}

	data, err := f.DataMap()
	if err != nil {
		logger.Warnf("[client] drop undecodable payload type=%s err=%v", f.Type, err)
		return
	}
	for _, h := range hs {
		h(data)
	}
}

// HandleTyped adapts a handler taking a concrete payload struct. Decode
// failures are logged and the frame dropped, same as an unknown type.
func HandleTyped[T any](m *Mux, eventType string, fn func(T)) {
	m.Handle(eventType, func(data map[string]any) {
		v, err := decode.Map[T](data)
		if err != nil {
			logger.Warnf("[client] decode %s payload: %v", eventType, err)
			return
		}
		fn(*v)
	})
}

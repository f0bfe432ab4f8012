package rt

import (
	"errors"
	"sync"

	"github.com/amora-chat/amora/tools/ids"
)

var (
	// ErrChannelClosed is returned by Send after Close.
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelFull is returned when the outbound queue cannot accept a
	// frame. The dispatcher treats it the same as a dead connection.
	ErrChannelFull = errors.New("channel send queue full")
)

// Channel is one live outbound stream connection (SSE or WebSocket) owned
// by exactly one session. Frames are enqueued by the dispatcher and drained
// by the single writer goroutine of the transport handler.
type Channel struct {
	id     string
	userID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannel(userID string, buffer int) *Channel {
	if buffer <= 0 {
		buffer = 256
	}
	return &Channel{
		id:     ids.GenerateString(),
		userID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Channel) ID() string     { return c.id }
func (c *Channel) UserID() string { return c.userID }

// Out is the drain side, consumed by the transport writer loop.
func (c *Channel) Out() <-chan []byte { return c.send }

// Done closes when the channel is torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send enqueues one serialized frame without blocking. A full queue means
// the client stopped draining; the caller evicts the channel either way.
func (c *Channel) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrChannelFull
	}
}

// Close is idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry maps a user identity to that user's live outbound channels.
// Pure bookkeeping: all business routing lives in the dispatcher.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Channel // user -> channel id -> channel
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[string]*Channel)}
}

func (r *Registry) Add(userID string, c *Channel) {
	if userID == "" || c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[userID]
	if m == nil {
		m = make(map[string]*Channel)
		r.byUser[userID] = m
	}
	m[c.id] = c
}

// Remove drops the channel; removing the last channel for a user deletes
// the user's entry entirely. Reports whether the user has channels left.
func (r *Registry) Remove(userID string, c *Channel) (remaining int) {
	if userID == "" || c == nil {
		return r.CountForUser(userID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.byUser[userID]; m != nil {
		delete(m, c.id)
		if len(m) == 0 {
			delete(r.byUser, userID)
		}
		return len(m)
	}
	return 0
}

// ForUser returns a snapshot of the user's channels.
func (r *Registry) ForUser(userID string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Channel, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Users returns every identity with at least one live channel. Used by the
// typing broadcast path.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Len is the total connection count, for stats logging.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.byUser {
		n += len(m)
	}
	return n
}

package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt/wire"
)

// CallState is the local call lifecycle.
type CallState string

const (
	CallIdle            CallState = "idle"
	CallOutgoingRinging CallState = "outgoing_ringing"
	CallIncomingRinging CallState = "incoming_ringing"
	CallActive          CallState = "active"
	CallEnded           CallState = "ended"
)

// ErrCallBusy is returned when an outgoing call is placed while another
// call is in progress.
var ErrCallBusy = errors.New("client: another call is in progress")

// Ringer plays and stops the incoming-call cue. Implementations need not be
// idempotent; CallManager guarantees Play and Stop alternate.
type Ringer interface {
	Play()
	Stop()
}

// StatusNotifier pushes a call status transition to the server. The HTTP
// client implements it.
type StatusNotifier interface {
	UpdateCallStatus(ctx context.Context, callID, status string) (wire.CallPayload, error)
}

// CallManager runs the local call state machine. One call is current at a
// time; further incoming calls queue behind it and ring when the line
// frees up. Status updates pushed by the server and actions taken locally
// both funnel through the same transitions.
type CallManager struct {
	mu       sync.Mutex
	selfID   string
	state    CallState
	current  *wire.CallPayload
	queue    []wire.CallPayload
	ringing  bool
	ringer   Ringer
	notifier StatusNotifier
	onChange func(CallState, *wire.CallPayload)
}

func NewCallManager(selfID string, ringer Ringer, notifier StatusNotifier) *CallManager {
	return &CallManager{
		selfID:   selfID,
		state:    CallIdle,
		ringer:   ringer,
		notifier: notifier,
	}
}

// OnChange registers a listener for state transitions. Called outside the
// lock with a copy of the current call.
func (m *CallManager) OnChange(fn func(CallState, *wire.CallPayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// State returns the current call state.
func (m *CallManager) State() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the call in progress, if any.
func (m *CallManager) Current() *wire.CallPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// QueueLen reports how many incoming calls are waiting behind the current
// one.
func (m *CallManager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// StartOutgoing records a freshly placed call and moves to outgoing
// ringing. Fails when a call is already in progress; placing the call over
// HTTP is the caller's job.
func (m *CallManager) StartOutgoing(call wire.CallPayload) error {
	m.mu.Lock()
	if m.state != CallIdle && m.state != CallEnded {
		m.mu.Unlock()
		return ErrCallBusy
	}
	m.current = &call
	m.transition(CallOutgoingRinging)
	fn, st, cp := m.snapshot()
	m.mu.Unlock()
	notify(fn, st, cp)
	return nil
}

// HandleEvent folds a pushed call event into the state machine. Wire it to
// the multiplexer for INCOMING_CALL and CALL_STATUS_UPDATE.
func (m *CallManager) HandleEvent(eventType string, call wire.CallPayload) {
	switch eventType {
	case wire.IncomingCall:
		m.handleIncoming(call)
	case wire.CallStatusUpdate:
		m.handleStatus(call)
	default:
		logger.Debugf("[client] call manager ignoring event type=%s", eventType)
	}
}

func (m *CallManager) handleIncoming(call wire.CallPayload) {
	m.mu.Lock()
	if m.current != nil && m.current.CallID == call.CallID {
		// Duplicate frame for the call already in progress. startRing is a
		// no-op while the cue plays, so redelivery never double-rings.
		if m.state == CallIncomingRinging {
			m.startRing()
		}
		m.mu.Unlock()
		return
	}
	if m.state != CallIdle && m.state != CallEnded {
		// Busy: hold the call. It rings when the current one resolves.
		for _, q := range m.queue {
			if q.CallID == call.CallID {
				m.mu.Unlock()
				return
			}
		}
		m.queue = append(m.queue, call)
		m.mu.Unlock()
		return
	}
	m.current = &call
	m.transition(CallIncomingRinging)
	m.startRing()
	fn, st, cp := m.snapshot()
	m.mu.Unlock()
	notify(fn, st, cp)
}

func (m *CallManager) handleStatus(call wire.CallPayload) {
	m.mu.Lock()
	if m.current == nil || m.current.CallID != call.CallID {
		// A queued call resolved remotely before we ever rang it.
		for i, q := range m.queue {
			if q.CallID == call.CallID {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return
	}
	m.current.Status = call.Status

	switch call.Status {
	case wire.CallStatusAccepted:
		m.stopRing()
		m.transition(CallActive)
	case wire.CallStatusDeclined, wire.CallStatusEnded, wire.CallStatusMissed:
		m.stopRing()
		m.transition(CallEnded)
		m.finishLocked()
	}
	fn, st, cp := m.snapshot()
	m.mu.Unlock()
	notify(fn, st, cp)
}

// Accept answers the ringing incoming call.
func (m *CallManager) Accept(ctx context.Context) error {
	return m.resolve(ctx, CallIncomingRinging, wire.CallStatusAccepted, CallActive)
}

// Decline rejects the ringing incoming call.
func (m *CallManager) Decline(ctx context.Context) error {
	return m.resolve(ctx, CallIncomingRinging, wire.CallStatusDeclined, CallEnded)
}

// HangUp ends the current call. A call torn down while still ringing is
// reported as missed; an active call as ended.
func (m *CallManager) HangUp(ctx context.Context) error {
	m.mu.Lock()
	status := wire.CallStatusEnded
	if m.state == CallOutgoingRinging || m.state == CallIncomingRinging {
		status = wire.CallStatusMissed
	}
	m.mu.Unlock()
	return m.resolve(ctx, "", status, CallEnded)
}

// resolve pushes the transition to the server first, then applies it
// locally. requireState of "" accepts any in-progress state.
func (m *CallManager) resolve(ctx context.Context, requireState CallState, status string, next CallState) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return errors.New("client: no call in progress")
	}
	if requireState != "" && m.state != requireState {
		m.mu.Unlock()
		return errors.Errorf("client: cannot %s a call in state %s", status, m.state)
	}
	callID := m.current.CallID
	m.mu.Unlock()

	if m.notifier != nil {
		if _, err := m.notifier.UpdateCallStatus(ctx, callID, status); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.current == nil || m.current.CallID != callID {
		m.mu.Unlock()
		return nil
	}
	m.current.Status = status
	m.stopRing()
	m.transition(next)
	if next == CallEnded {
		m.finishLocked()
	}
	fn, st, cp := m.snapshot()
	m.mu.Unlock()
	notify(fn, st, cp)
	return nil
}

// finishLocked clears the resolved call and promotes the next queued
// incoming call, if any. Caller holds the lock.
func (m *CallManager) finishLocked() {
	m.current = nil
	m.state = CallIdle
	if len(m.queue) == 0 {
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.current = &next
	m.transition(CallIncomingRinging)
	m.startRing()
}

// startRing plays the cue exactly once per ringing call, however many
// duplicate INCOMING_CALL frames arrive. Caller holds the lock.
func (m *CallManager) startRing() {
	if m.ringing || m.ringer == nil {
		return
	}
	m.ringing = true
	m.ringer.Play()
}

func (m *CallManager) stopRing() {
	if !m.ringing || m.ringer == nil {
		m.ringing = false
		return
	}
	m.ringing = false
	m.ringer.Stop()
}

func (m *CallManager) transition(next CallState) {
	if m.state != next {
		logger.Debugf("[client] call state %s -> %s", m.state, next)
	}
	m.state = next
}

func (m *CallManager) snapshot() (func(CallState, *wire.CallPayload), CallState, *wire.CallPayload) {
	var cp *wire.CallPayload
	if m.current != nil {
		c := *m.current
		cp = &c
	}
	return m.onChange, m.state, cp
}

func notify(fn func(CallState, *wire.CallPayload), st CallState, cp *wire.CallPayload) {
	if fn != nil {
		fn(st, cp)
	}
}

package client

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amora-chat/amora/service/rt/wire"
	"github.com/amora-chat/amora/tools/safe"
)

// ConversationState holds one conversation's message list and merges pushed
// events into it. Merge rules:
//   - a message whose id is already present updates the stored copy in place
//   - a message without a usable id falls back to a composite identity of
//     sender, timestamp and a content prefix, which also absorbs the
//     optimistic local echo of our own sends
//   - the list stays sorted by timestamp ascending after every merge
type ConversationState struct {
	mu       sync.Mutex
	selfID   string
	messages []wire.MessagePayload
	byKey    map[string]int // identity key -> index in messages
}

func NewConversationState(selfID string) *ConversationState {
	return &ConversationState{
		selfID: selfID,
		byKey:  make(map[string]int),
	}
}

// identityKey prefers the server id; otherwise sender + timestamp + a short
// content prefix. The prefix keeps two same-second messages apart without
// hashing whole bodies.
func identityKey(m wire.MessagePayload) string {
	if m.MessageID != "" {
		return "id:" + m.MessageID
	}
	content := m.Content
	if len(content) > 16 {
		content = content[:16]
	}
	return fmt.Sprintf("c:%s|%d|%s", m.SenderID, m.Timestamp, content)
}

// AddLocal records an optimistic message before the server confirms it.
func (s *ConversationState) AddLocal(m wire.MessagePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(m)
}

// Merge applies a pushed message. A frame that echoes one of our own sends
// updates the optimistic copy instead of appending a duplicate.
func (s *ConversationState) Merge(m wire.MessagePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SenderID == s.selfID {
		// Self-echo: match the optimistic copy by composite identity even
		// though the echo now carries a server id.
		probe := m
		probe.MessageID = ""
		if idx, ok := s.byKey[identityKey(probe)]; ok {
			delete(s.byKey, identityKey(probe))
			s.messages[idx] = m
			s.byKey[identityKey(m)] = idx
			s.resort()
			return
		}
	}
	s.upsert(m)
}

func (s *ConversationState) upsert(m wire.MessagePayload) {
	key := identityKey(m)
	if idx, ok := s.byKey[key]; ok {
		s.messages[idx] = m
		return
	}
	s.messages = append(s.messages, m)
	s.byKey[key] = len(s.messages) - 1
	s.resort()
}

// resort restores timestamp order and rebuilds the index. Stable so that
// same-timestamp messages keep their arrival order.
func (s *ConversationState) resort() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp < s.messages[j].Timestamp
	})
	for i, m := range s.messages {
		s.byKey[identityKey(m)] = i
	}
}

// ApplyRead marks the listed messages as read by the other side, in place.
// Unknown ids are skipped.
func (s *ConversationState) ApplyRead(r wire.ReadPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range r.MessageIDs {
		if idx, ok := s.byKey["id:"+id]; ok {
			s.messages[idx].ReadByOthers = true
			s.messages[idx].ReadCount++
		}
	}
}

// Messages returns a copy of the current ordered list.
func (s *ConversationState) Messages() []wire.MessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.MessagePayload, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len reports how many distinct messages are held.
func (s *ConversationState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

const (
	typingTTL   = 5 * time.Second
	typingSweep = time.Second
)

type typingEntry struct {
	username string
	deadline time.Time
}

// TypingTracker maintains who is typing in which conversation. Entries
// expire on their own after typingTTL in case the TYPING_STOP frame never
// arrives; an explicit stop removes them immediately. The clock is
// injectable for tests.
type TypingTracker struct {
	mu     sync.Mutex
	selfID string
	now    func() time.Time
	active map[string]map[string]typingEntry // conversation -> user -> entry
}

func NewTypingTracker(selfID string) *TypingTracker {
	return &TypingTracker{
		selfID: selfID,
		now:    time.Now,
		active: make(map[string]map[string]typingEntry),
	}
}

// SetClock replaces the time source. Tests only.
func (t *TypingTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Apply folds one typing event in. Our own broadcasts are ignored.
func (t *TypingTracker) Apply(eventType string, p wire.TypingPayload) {
	if p.UserID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch eventType {
	case wire.TypingStart:
		users := t.active[p.ConversationID]
		if users == nil {
			users = make(map[string]typingEntry)
			t.active[p.ConversationID] = users
		}
		users[p.UserID] = typingEntry{
			username: p.Username,
			deadline: t.now().Add(typingTTL),
		}
	case wire.TypingStop:
		if users := t.active[p.ConversationID]; users != nil {
			delete(users, p.UserID)
			if len(users) == 0 {
				delete(t.active, p.ConversationID)
			}
		}
	}
}

// Active returns the usernames currently typing in the conversation,
// expired entries excluded.
func (t *TypingTracker) Active(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var names []string
	for _, e := range t.active[conversationID] {
		if e.deadline.After(now) {
			names = append(names, e.username)
		}
	}
	sort.Strings(names)
	return names
}

// SweepOnce drops every expired entry and reports how many were removed.
func (t *TypingTracker) SweepOnce() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for conv, users := range t.active {
		for user, e := range users {
			if !e.deadline.After(now) {
				delete(users, user)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.active, conv)
		}
	}
	return removed
}

// Run sweeps periodically until stop is closed.
func (t *TypingTracker) Run(stop <-chan struct{}) {
	safe.Go("client.typing.sweep", func() {
		tick := time.NewTicker(typingSweep)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				t.SweepOnce()
			}
		}
	})
}

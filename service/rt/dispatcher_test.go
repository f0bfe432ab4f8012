package rt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amora-chat/amora/service/rt/wire"
)

func recvFrame(t *testing.T, ch *Channel) wire.Frame {
	t.Helper()
	select {
	case payload := <-ch.Out():
		var f wire.Frame
		require.NoError(t, json.Unmarshal(payload, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func expectNothing(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case payload := <-ch.Out():
		t.Fatalf("unexpected frame: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherFanOutToAllChannels(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, 2, 16)
	defer d.Close()

	tab1 := NewChannel("alice", 4)
	tab2 := NewChannel("alice", 4)
	reg.Add("alice", tab1)
	reg.Add("alice", tab2)

	ev := wire.Event{Type: wire.NewMessage, Data: wire.MessagePayload{
		MessageID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "hi", Timestamp: 1,
	}}
	require.NoError(t, d.Publish(ev, "alice"))

	for _, ch := range []*Channel{tab1, tab2} {
		f := recvFrame(t, ch)
		assert.Equal(t, wire.NewMessage, f.Type)
		var msg wire.MessagePayload
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		assert.Equal(t, "m1", msg.MessageID)
	}
}

func TestDispatcherRecipientIsolation(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, 2, 16)
	defer d.Close()

	alice := NewChannel("alice", 4)
	carol := NewChannel("carol", 4)
	reg.Add("alice", alice)
	reg.Add("carol", carol)

	ev := wire.Event{Type: wire.NewMessage, Data: wire.MessagePayload{MessageID: "m2"}}
	require.NoError(t, d.Publish(ev, "alice"))

	recvFrame(t, alice)
	expectNothing(t, carol)
}

func TestDispatcherEvictsDeadChannel(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, 1, 16)
	defer d.Close()

	dead := NewChannel("alice", 1)
	live := NewChannel("alice", 4)
	reg.Add("alice", dead)
	reg.Add("alice", live)

	// fill the dead channel's queue so the next send fails
	require.NoError(t, dead.Send([]byte("x")))

	ev := wire.Event{Type: wire.NewMessage, Data: wire.MessagePayload{MessageID: "m3"}}
	require.NoError(t, d.Publish(ev, "alice"))

	recvFrame(t, live)

	assert.Eventually(t, func() bool {
		return reg.CountForUser("alice") == 1
	}, time.Second, 10*time.Millisecond, "dead channel should be evicted")

	select {
	case <-dead.Done():
	case <-time.After(time.Second):
		t.Fatal("dead channel should be closed")
	}
}

func TestDispatcherBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, 2, 16)
	defer d.Close()

	alice := NewChannel("alice", 4)
	bob := NewChannel("bob", 4)
	reg.Add("alice", alice)
	reg.Add("bob", bob)

	ev := wire.Event{Type: wire.TypingStart, Data: wire.TypingPayload{
		UserID: "alice", ConversationID: "c1", Timestamp: 1,
	}}
	require.NoError(t, d.Broadcast(ev, "alice"))

	f := recvFrame(t, bob)
	assert.Equal(t, wire.TypingStart, f.Type)
	expectNothing(t, alice)
}

func TestDispatcherNoRecipientsIsNoop(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, 1, 4)
	defer d.Close()
	assert.NoError(t, d.Publish(wire.Event{Type: wire.NewMessage}))
}

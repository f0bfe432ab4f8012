package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amora-chat/amora/service/rt/wire"
)

func frame(t *testing.T, eventType string, data any) wire.Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return wire.Frame{Type: eventType, Data: raw}
}

func TestMuxRoutesByType(t *testing.T) {
	m := NewMux()

	var gotMessage, gotTyping int
	m.Handle(wire.NewMessage, func(data map[string]any) { gotMessage++ })
	m.Handle(wire.TypingStart, func(data map[string]any) { gotTyping++ })

	m.Dispatch(frame(t, wire.NewMessage, map[string]any{"message_id": "m1"}))
	m.Dispatch(frame(t, wire.NewMessage, map[string]any{"message_id": "m2"}))
	m.Dispatch(frame(t, wire.TypingStart, map[string]any{"user_id": "bob"}))

	assert.Equal(t, 2, gotMessage)
	assert.Equal(t, 1, gotTyping)
}

func TestMuxMultipleHandlersRunInOrder(t *testing.T) {
	m := NewMux()

	var order []string
	m.Handle(wire.NewMessage, func(data map[string]any) { order = append(order, "first") })
	m.Handle(wire.NewMessage, func(data map[string]any) { order = append(order, "second") })

	m.Dispatch(frame(t, wire.NewMessage, map[string]any{}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestMuxDropsUnknownType(t *testing.T) {
	m := NewMux()

	called := false
	m.Handle(wire.NewMessage, func(data map[string]any) { called = true })

	m.Dispatch(frame(t, "SOMETHING_ELSE", map[string]any{"x": 1}))
	assert.False(t, called)
}

func TestMuxDropsUndecodablePayload(t *testing.T) {
	m := NewMux()

	called := false
	m.Handle(wire.NewMessage, func(data map[string]any) { called = true })

	m.Dispatch(wire.Frame{Type: wire.NewMessage, Data: json.RawMessage(`"not an object"`)})
	assert.False(t, called)
}

func TestMuxEmptyPayloadDecodesToEmptyMap(t *testing.T) {
	m := NewMux()

	var got map[string]any
	m.Handle(wire.ConnectionEstablished, func(data map[string]any) { got = data })

	m.Dispatch(wire.Frame{Type: wire.ConnectionEstablished})
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestHandleTypedDecodesPayload(t *testing.T) {
	m := NewMux()

	var got wire.MessagePayload
	HandleTyped(m, wire.NewMessage, func(p wire.MessagePayload) { got = p })

	m.Dispatch(frame(t, wire.NewMessage, wire.MessagePayload{
		MessageID: "m1",
		SenderID:  "bob",
		Content:   "hi",
		Timestamp: 42,
	}))

	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "bob", got.SenderID)
	assert.EqualValues(t, 42, got.Timestamp)
}

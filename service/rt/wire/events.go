// Package wire defines the JSON event envelope shared by the gateway and
// the client SDK. Every frame on the stream is one Envelope; Data is typed
// per event discriminant.
package wire

import "encoding/json"

// Event discriminants.
const (
	ConnectionEstablished = "CONNECTION_ESTABLISHED"
	NewMessage            = "NEW_MESSAGE"
	NewConversation       = "NEW_CONVERSATION"
	MessageRead           = "MESSAGE_READ"
	TypingStart           = "TYPING_START"
	TypingStop            = "TYPING_STOP"
	IncomingCall          = "INCOMING_CALL"
	CallStatusUpdate      = "CALL_STATUS_UPDATE"
)

// Event is the producer-side envelope. Data holds the typed payload struct;
// the dispatcher serializes the whole envelope exactly once per publish.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Frame is the consumer-side envelope. Data stays raw until the multiplexer
// routes the frame to a handler that knows its shape.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DataMap decodes the raw payload into a generic map for handler routing.
// A missing payload decodes to an empty map, matching the
// CONNECTION_ESTABLISHED frame whose data is {}.
func (f *Frame) DataMap() (map[string]any, error) {
	if len(f.Data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// MessagePayload is the NEW_MESSAGE body. The group fields are only set for
// group conversations.
type MessagePayload struct {
	MessageID                string   `json:"message_id"`
	SenderID                 string   `json:"sender_id"`
	ReceiverID               string   `json:"receiver_id,omitempty"`
	Content                  string   `json:"content"`
	Timestamp                int64    `json:"timestamp"`
	ConversationParticipants []string `json:"conversation_participants"`

	GroupID           string `json:"group_id,omitempty"`
	ChannelID         string `json:"channel_id,omitempty"`
	SenderUsername    string `json:"sender_username,omitempty"`
	SenderDisplayName string `json:"sender_display_name,omitempty"`
	TotalMembers      int    `json:"total_members,omitempty"`
	ReadCount         int    `json:"read_count,omitempty"`
	ReadByOthers      bool   `json:"read_by_others,omitempty"`
}

// ConversationPayload is the NEW_CONVERSATION body.
type ConversationPayload struct {
	ConversationID string    `json:"conversation_id"`
	Participants   []string  `json:"participants"`
	OtherUser      OtherUser `json:"other_user"`
}

type OtherUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ReadPayload is the MESSAGE_READ body. Field casing follows the original
// wire contract, which differs from the snake_case used elsewhere.
type ReadPayload struct {
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
	MessageIDs []string `json:"messageIds"`
}

// TypingPayload is the TYPING_START / TYPING_STOP body.
type TypingPayload struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	ConversationID   string `json:"conversation_id"`
	ConversationType string `json:"conversation_type"`
	ChannelID        string `json:"channel_id,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// CallPayload is the INCOMING_CALL / CALL_STATUS_UPDATE body.
type CallPayload struct {
	CallID            string `json:"call_id"`
	CallerID          string `json:"caller_id"`
	CallerUsername    string `json:"caller_username"`
	CallerDisplayName string `json:"caller_display_name,omitempty"`
	RecipientID       string `json:"recipient_id"`
	ChannelName       string `json:"channel_name"`
	CallType          string `json:"call_type"`
	Status            string `json:"status"`
	CreatedAt         int64  `json:"created_at"`
}

// Call lifecycle statuses. calling is the only non-terminal status.
const (
	CallStatusCalling  = "calling"
	CallStatusAccepted = "accepted"
	CallStatusDeclined = "declined"
	CallStatusEnded    = "ended"
	CallStatusMissed   = "missed"
)

// IsTerminalCallStatus reports whether s ends a call session. Terminal
// statuses are monotonic: once reached, no further transition is accepted.
func IsTerminalCallStatus(s string) bool {
	switch s {
	case CallStatusAccepted, CallStatusDeclined, CallStatusEnded, CallStatusMissed:
		return true
	}
	return false
}

// IsCallStatus reports whether s is a known lifecycle status at all.
func IsCallStatus(s string) bool {
	return s == CallStatusCalling || IsTerminalCallStatus(s)
}

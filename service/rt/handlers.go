package rt

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amora-chat/amora/service/rt/wire"
	"github.com/amora-chat/amora/service/storage"
	errs "github.com/amora-chat/amora/tools/errs"
	"github.com/amora-chat/amora/tools/ids"
	"github.com/amora-chat/amora/tools/security"
)

// Producer endpoints: each one performs its request/response work against
// storage first, and only on success pushes the matching event through the
// dispatcher. Delivery itself is fire-and-forget.

type loginRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username" binding:"required"`
}

// handleLogin is the demo credential exchange. Real identity lives in the
// external auth service; the gateway only needs a signed subject.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = req.Username
	}
	token, expireAt, err := security.Generate(s.jwt, userID, req.Username)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expire_at": expireAt.UnixMilli(),
		"user": gin.H{
			"user_id":  userID,
			"username": req.Username,
		},
	})
}

type sendMessageRequest struct {
	ReceiverID   string   `json:"receiver_id"`
	GroupID      string   `json:"group_id"`
	ChannelID    string   `json:"channel_id"`
	Content      string   `json:"content" binding:"required"`
	Participants []string `json:"conversation_participants"`
	DisplayName  string   `json:"sender_display_name"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	user := currentUser(c)
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	isGroup := req.GroupID != ""
	if !isGroup && req.ReceiverID == "" {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail("receiver_id or group_id required"))
		return
	}

	msg := wire.MessagePayload{
		MessageID:  ids.GenerateString(),
		SenderID:   user.UserID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Timestamp:  time.Now().UnixMilli(),
	}

	var stream string
	var recipients []string
	if isGroup {
		// Membership resolution is the CRUD tier's job; producers pass the
		// member list with the request.
		if len(req.Participants) == 0 {
			abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail("conversation_participants required for group messages"))
			return
		}
		stream = storage.GroupKey(req.GroupID, req.ChannelID)
		msg.GroupID = req.GroupID
		msg.ChannelID = req.ChannelID
		msg.SenderUsername = user.Username
		msg.SenderDisplayName = req.DisplayName
		msg.TotalMembers = len(req.Participants)
		msg.ConversationParticipants = req.Participants
		recipients = req.Participants
	} else {
		stream = storage.DMKey(user.UserID, req.ReceiverID)
		msg.ConversationParticipants = []string{user.UserID, req.ReceiverID}
		// Self-echo keeps the sender's other tabs and devices in sync.
		recipients = []string{user.UserID, req.ReceiverID}
	}

	fields := map[string]any{
		"message_id": msg.MessageID,
		"sender_id":  msg.SenderID,
		"content":    msg.Content,
		"timestamp":  msg.Timestamp,
	}
	if isGroup {
		fields["group_id"] = msg.GroupID
		fields["channel_id"] = msg.ChannelID
	} else {
		fields["receiver_id"] = msg.ReceiverID
	}
	if _, err := s.store.AppendMessage(c.Request.Context(), stream, fields); err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	_ = s.disp.Publish(wire.Event{Type: wire.NewMessage, Data: msg}, recipients...)
	c.JSON(http.StatusOK, msg)
}

type markReadRequest struct {
	PeerID     string   `json:"peer_id" binding:"required"`
	MessageIDs []string `json:"message_ids" binding:"required"`
}

// handleMarkRead bumps read counters and tells the message author (and the
// reader's own other devices) which messages were seen.
func (s *Server) handleMarkRead(c *gin.Context) {
	user := currentUser(c)
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	stream := storage.DMKey(user.UserID, req.PeerID)
	if _, err := s.store.MarkRead(c.Request.Context(), stream, req.MessageIDs); err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	ev := wire.Event{Type: wire.MessageRead, Data: wire.ReadPayload{
		SenderID:   req.PeerID,
		ReceiverID: user.UserID,
		MessageIDs: req.MessageIDs,
	}}
	_ = s.disp.Publish(ev, req.PeerID, user.UserID)
	c.JSON(http.StatusOK, gin.H{"updated": len(req.MessageIDs)})
}

type typingRequest struct {
	ConversationID   string `json:"conversation_id" binding:"required"`
	ConversationType string `json:"conversation_type"`
	ChannelID        string `json:"channel_id"`
	Typing           bool   `json:"typing"`
}

// handleTyping broadcasts to every other connected identity; the client
// filters down to its active conversation. Narrowing the fan-out to actual
// membership is a known optimization, not done here.
func (s *Server) handleTyping(c *gin.Context) {
	user := currentUser(c)
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	evType := wire.TypingStop
	if req.Typing {
		evType = wire.TypingStart
	}
	ev := wire.Event{Type: evType, Data: wire.TypingPayload{
		UserID:           user.UserID,
		Username:         user.Username,
		ConversationID:   req.ConversationID,
		ConversationType: req.ConversationType,
		ChannelID:        req.ChannelID,
		Timestamp:        time.Now().UnixMilli(),
	}}
	_ = s.disp.Broadcast(ev, user.UserID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type newConversationRequest struct {
	ConversationID string         `json:"conversation_id"`
	Participants   []string       `json:"participants" binding:"required"`
	OtherUser      wire.OtherUser `json:"other_user"`
}

func (s *Server) handleNewConversation(c *gin.Context) {
	var req newConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = ids.GenerateString()
	}
	ev := wire.Event{Type: wire.NewConversation, Data: wire.ConversationPayload{
		ConversationID: req.ConversationID,
		Participants:   req.Participants,
		OtherUser:      req.OtherUser,
	}}
	_ = s.disp.Publish(ev, req.Participants...)
	c.JSON(http.StatusOK, gin.H{"conversation_id": req.ConversationID})
}

func (s *Server) handleHistory(c *gin.Context) {
	user := currentUser(c)
	peer := c.Query("peer_id")
	groupID := c.Query("group_id")
	channelID := c.Query("channel_id")

	var stream string
	switch {
	case groupID != "":
		stream = storage.GroupKey(groupID, channelID)
	case peer != "":
		stream = storage.DMKey(user.UserID, peer)
	default:
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail("peer_id or group_id required"))
		return
	}

	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	msgs, err := s.store.History(c.Request.Context(), stream, limit)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := make(map[string]any, len(m.Values)+1)
		for k, v := range m.Values {
			entry[k] = v
		}
		entry["stream_id"] = m.ID
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

type createCallRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	ChannelName string `json:"channel_name"`
	CallType    string `json:"call_type"`
	DisplayName string `json:"caller_display_name"`
}

func (s *Server) handleCreateCall(c *gin.Context) {
	user := currentUser(c)
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	if req.CallType == "" {
		req.CallType = "voice"
	}
	call := wire.CallPayload{
		CallID:            ids.GenerateString(),
		CallerID:          user.UserID,
		CallerUsername:    user.Username,
		CallerDisplayName: req.DisplayName,
		RecipientID:       req.RecipientID,
		ChannelName:       req.ChannelName,
		CallType:          req.CallType,
		Status:            wire.CallStatusCalling,
		CreatedAt:         time.Now().UnixMilli(),
	}
	if call.ChannelName == "" {
		call.ChannelName = "call-" + call.CallID
	}
	if err := s.store.SaveCall(c.Request.Context(), call); err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	_ = s.disp.Publish(wire.Event{Type: wire.IncomingCall, Data: call}, call.RecipientID)
	c.JSON(http.StatusOK, call)
}

type updateCallRequest struct {
	Status string `json:"status" binding:"required"`
}

// handleUpdateCall persists a status transition and notifies both parties.
// Terminal statuses are final; a second resolution gets 409.
func (s *Server) handleUpdateCall(c *gin.Context) {
	callID := strings.TrimSpace(c.Param("id"))
	var req updateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	if !wire.IsCallStatus(req.Status) || req.Status == wire.CallStatusCalling {
		abortWithError(c, http.StatusBadRequest, errs.ErrBadRequest.WithDetail("invalid status "+req.Status))
		return
	}

	call, err := s.store.UpdateCallStatus(c.Request.Context(), callID, req.Status)
	if err != nil {
		switch {
		case errs.ErrCallNotFound.Is(err):
			abortWithError(c, http.StatusNotFound, err)
		case errs.ErrCallConflict.Is(err):
			abortWithError(c, http.StatusConflict, err)
		default:
			abortWithError(c, http.StatusInternalServerError, err)
		}
		return
	}

	_ = s.disp.Publish(wire.Event{Type: wire.CallStatusUpdate, Data: call}, call.CallerID, call.RecipientID)
	c.JSON(http.StatusOK, call)
}

package rt

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt/wire"
	errs "github.com/amora-chat/amora/tools/errs"
)

// handleStream is the primary delivery transport: a long-lived GET whose
// response is a text/event-stream of `data: <json>` frames. The session
// token arrives as a query parameter because EventSource cannot set
// headers.
func (s *Server) handleStream(c *gin.Context) {
	claims, err := s.verify(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail(err.Error()))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abortWithError(c, http.StatusInternalServerError, errs.ErrInternalServer.WithDetail("streaming unsupported"))
		return
	}

	ch := NewChannel(claims.UserID, s.cfg.SendBuffer)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Connection-Id", ch.ID())
	c.Writer.WriteHeader(http.StatusOK)

	s.attach(claims.UserID, ch)
	defer s.detach(claims.UserID, ch)

	// First frame confirms the subscription before any real event.
	hello, _ := json.Marshal(wire.Event{Type: wire.ConnectionEstablished, Data: map[string]any{}})
	if err := writeSSE(c.Writer, hello); err != nil {
		return
	}
	flusher.Flush()

	every := s.cfg.HeartbeatEvery
	if every <= 0 {
		every = 15 * time.Second
	}
	heartbeat := time.NewTicker(every)
	defer heartbeat.Stop()

	for {
		select {
		case payload := <-ch.Out():
			if err := writeSSE(c.Writer, payload); err != nil {
				logger.Debugf("[rt] sse write failed user=%s conn=%s err=%v", claims.UserID, ch.ID(), err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			// Comment frame keeps proxies and the client health check fed.
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			s.refreshPresence(claims.UserID)
		case <-ch.Done():
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeSSE(w gin.ResponseWriter, payload []byte) error {
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.WriteString("\n\n")
	return err
}

// attach registers the channel and marks the user online.
func (s *Server) attach(userID string, ch *Channel) {
	s.reg.Add(userID, ch)
	s.refreshPresence(userID)
	logger.Infof("[rt] connected user=%s conn=%s total=%d", userID, ch.ID(), s.reg.Len())
}

// detach closes and deregisters; the last connection flips presence off.
func (s *Server) detach(userID string, ch *Channel) {
	ch.Close()
	remaining := s.reg.Remove(userID, ch)
	if remaining == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.PresenceOffline(ctx, userID); err != nil {
			logger.Warnf("[rt] presence offline user=%s err=%v", userID, err)
		}
	}
	logger.Infof("[rt] disconnected user=%s conn=%s remaining=%d", userID, ch.ID(), remaining)
}

func (s *Server) refreshPresence(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.PresenceOnline(ctx, userID, s.cfg.NodeID, s.cfg.PresenceTTL); err != nil {
		logger.Warnf("[rt] presence online user=%s err=%v", userID, err)
	}
}

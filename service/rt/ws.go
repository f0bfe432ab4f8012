package rt

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt/wire"
	errs "github.com/amora-chat/amora/tools/errs"
	"github.com/amora-chat/amora/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleWS serves the same one-way event feed over a WebSocket, for web
// clients that prefer it to EventSource. Frames are the plain JSON
// envelope, no SSE framing. One writer goroutine per connection; the read
// side only drains control frames.
func (s *Server) handleWS(c *gin.Context) {
	claims, err := s.verify(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail(err.Error()))
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[rt] ws upgrade failed: %v", err)
		return
	}

	ch := NewChannel(claims.UserID, s.cfg.SendBuffer)
	s.attach(claims.UserID, ch)
	defer func() {
		s.detach(claims.UserID, ch)
		_ = ws.Close()
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Read loop exists only to notice the peer going away. The feed is
	// one-way; inbound data frames are discarded.
	safe.Go("rt.ws.read", func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				ch.Close()
				return
			}
		}
	})

	hello, _ := json.Marshal(wire.Event{Type: wire.ConnectionEstablished, Data: map[string]any{}})
	if err := writeWS(ws, hello); err != nil {
		return
	}

	every := s.cfg.HeartbeatEvery
	if every <= 0 {
		every = wsPingPeriod
	}
	ping := time.NewTicker(every)
	defer ping.Stop()

	for {
		select {
		case payload := <-ch.Out():
			if err := writeWS(ws, payload); err != nil {
				logger.Debugf("[rt] ws write failed user=%s conn=%s err=%v", claims.UserID, ch.ID(), err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			s.refreshPresence(claims.UserID)
		case <-ch.Done():
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeWS(ws *websocket.Conn, payload []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

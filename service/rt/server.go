package rt

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/amora-chat/amora/config"
	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt/wire"
	errs "github.com/amora-chat/amora/tools/errs"
	"github.com/amora-chat/amora/tools/security"
)

// Store is the persistence surface the gateway needs. The Redis-backed
// implementation lives in service/storage; tests use fakes.
type Store interface {
	PresenceOnline(ctx context.Context, user, nodeID string, ttl time.Duration) error
	PresenceOffline(ctx context.Context, user string) error

	AppendMessage(ctx context.Context, stream string, fields map[string]any) (string, error)
	History(ctx context.Context, stream string, n int64) ([]redis.XMessage, error)
	MarkRead(ctx context.Context, stream string, messageIDs []string) (map[string]int64, error)

	SaveCall(ctx context.Context, c wire.CallPayload) error
	GetCall(ctx context.Context, callID string) (wire.CallPayload, error)
	UpdateCallStatus(ctx context.Context, callID, status string) (wire.CallPayload, error)
}

// Server is the realtime gateway: stream endpoints plus the producer
// endpoints that persist and then push events.
type Server struct {
	cfg   config.AppConfig
	reg   *Registry
	disp  *Dispatcher
	store Store
	jwt   security.Options
}

func NewServer(cfg config.AppConfig, store Store) *Server {
	reg := NewRegistry()
	return &Server{
		cfg:   cfg,
		reg:   reg,
		disp:  NewDispatcher(reg, 4, 4096),
		store: store,
		jwt:   security.Options{Secret: []byte(cfg.JWTSecret), Alg: "HS256", TTL: cfg.TokenTTL},
	}
}

// Registry is exposed for stats and tests.
func (s *Server) Registry() *Registry { return s.reg }

// Dispatcher is exposed so other server-side producers can push events.
func (s *Server) Dispatcher() *Dispatcher { return s.disp }

// Routes mounts everything on r.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/rt/stream", s.handleStream)
	r.GET("/rt/ws", s.handleWS)

	r.POST("/api/login", s.handleLogin)

	api := r.Group("/api", s.authRequired())
	api.POST("/messages", s.handleSendMessage)
	api.POST("/messages/read", s.handleMarkRead)
	api.POST("/typing", s.handleTyping)
	api.POST("/conversations", s.handleNewConversation)
	api.GET("/history", s.handleHistory)
	api.POST("/calls", s.handleCreateCall)
	api.PATCH("/calls/:id", s.handleUpdateCall)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Routes(r)

	srv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infof("[rt] gateway listening on %s", s.cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

const claimsKey = "rt.claims"

// tokenFromRequest accepts the bearer header or, for stream endpoints that
// cannot set headers (EventSource), a token query parameter.
func tokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.verify(c)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail(err.Error()))
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (s *Server) verify(c *gin.Context) (*security.Claims, error) {
	tok := tokenFromRequest(c)
	if tok == "" {
		return nil, errors.New("missing token")
	}
	return security.Verify(s.jwt, tok)
}

func currentUser(c *gin.Context) *security.Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(*security.Claims)
	return claims
}

func abortWithError(c *gin.Context, status int, err error) {
	ce := errs.AsCode(err)
	c.AbortWithStatusJSON(status, gin.H{"code": ce.Code, "msg": ce.Msg, "detail": ce.Detail})
}

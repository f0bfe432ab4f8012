package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt/wire"
	"github.com/amora-chat/amora/tools/safe"
)

// ConnState is the lifecycle of a Stream.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
	StateClosed       ConnState = "closed"
)

// StreamConfig tunes the transport. Zero values pick the defaults below.
type StreamConfig struct {
	URL   string // full stream endpoint, e.g. http://host/rt/stream
	Token string // session token, sent as a query parameter

	HTTPClient *http.Client

	MaxAttempts int           // consecutive failed dials before giving up (5)
	BaseDelay   time.Duration // backoff unit (1s)
	MaxDelay    time.Duration // backoff ceiling (30s)
	ResetAfter  time.Duration // cool-off before the attempt budget refills (60s)
	HealthEvery time.Duration // liveness probe interval (2s)
	StaleAfter  time.Duration // silence on a live connection that counts as dead (45s)
	RedialDelay time.Duration // pause before redialing a stale connection (500ms)
}

func (c *StreamConfig) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = time.Minute
	}
	if c.HealthEvery <= 0 {
		c.HealthEvery = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.RedialDelay <= 0 {
		c.RedialDelay = 500 * time.Millisecond
	}
}

// Stream owns one server-sent event subscription and keeps it alive:
// exponential backoff on failures, a liveness probe that redials a silent
// connection, and a cool-off that refills the attempt budget. Frames are
// delivered in arrival order on a single goroutine.
type Stream struct {
	cfg StreamConfig

	onFrame func(wire.Frame)
	onState func(ConnState)

	mu         sync.Mutex
	state      ConnState
	attempts   int
	generation uint64
	lastSeen   time.Time
	cancelConn context.CancelFunc

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream builds a stream; Start actually dials.
func NewStream(cfg StreamConfig, onFrame func(wire.Frame)) *Stream {
	cfg.defaults()
	return &Stream{
		cfg:     cfg,
		onFrame: onFrame,
		state:   StateDisconnected,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// OnStateChange registers a listener for connection state transitions. Must
// be called before Start.
func (s *Stream) OnStateChange(fn func(ConnState)) { s.onState = fn }

// State returns the current connection state.
func (s *Stream) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins connecting and keeps the subscription alive until Close.
func (s *Stream) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	safe.Go("client.stream", func() {
		defer close(s.done)
		s.loop(ctx)
	})
	safe.Go("client.stream.health", func() { s.healthLoop(ctx) })
}

// Close tears the connection down for good. The stream cannot be restarted.
func (s *Stream) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.done
	s.setState(StateClosed)
}

// Reconnect drops whatever connection or backoff wait is in flight and dials
// immediately with a fresh attempt budget. Wired to user actions like a
// retry button.
func (s *Stream) Reconnect() {
	s.mu.Lock()
	s.attempts = 0
	s.generation++
	cancelConn := s.cancelConn
	s.mu.Unlock()
	if cancelConn != nil {
		cancelConn()
	}
	s.poke()
}

// Nudge is the cheap variant for app-focus events: it only acts when the
// stream is not currently connected.
func (s *Stream) Nudge() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateConnected || st == StateClosed {
		return
	}
	s.Reconnect()
}

func (s *Stream) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// backoffDelay is the wait after failed attempt n: base doubled n times,
// capped at ceiling. With the defaults that is 2s, 4s, 8s, 16s, 30s.
func backoffDelay(n int, base, ceiling time.Duration) time.Duration {
	d := base << uint(n)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func (s *Stream) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		gen := s.currentGeneration()
		err := s.connectOnce(ctx, gen)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Debugf("[client] stream disconnected: %v", err)
		}

		s.mu.Lock()
		// A Reconnect while we were connected bumped the generation and
		// reset the budget; do not count that teardown as a failure.
		if gen == s.generation {
			s.attempts++
		}
		n := s.attempts
		s.mu.Unlock()

		if n >= s.cfg.MaxAttempts {
			s.setState(StateError)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(s.cfg.ResetAfter):
				// Cool-off elapsed: refill the budget and try again on
				// our own.
				s.mu.Lock()
				s.attempts = 0
				s.mu.Unlock()
			}
			continue
		}

		s.setState(StateDisconnected)
		delay := backoffDelay(n, s.cfg.BaseDelay, s.cfg.MaxDelay)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(delay):
		}
	}
}

// connectOnce dials and pumps frames until the connection dies.
func (s *Stream) connectOnce(ctx context.Context, gen uint64) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelConn = cancel
	s.mu.Unlock()

	url := s.cfg.URL
	if s.cfg.Token != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "token=" + s.cfg.Token
	}
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "client: build stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "client: dial stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: stream status %d", resp.StatusCode)
	}

	s.mu.Lock()
	if gen == s.generation {
		s.attempts = 0
	}
	s.lastSeen = time.Now()
	s.mu.Unlock()
	s.setState(StateConnected)

	return s.readFrames(resp.Body)
}

// readFrames parses the text/event-stream body: `data:` lines accumulate
// into one frame terminated by a blank line, `:` lines are heartbeats.
// Both refresh the liveness clock.
func (s *Stream) readFrames(body io.Reader) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		s.touch()

		switch {
		case line == "":
			if data.Len() > 0 {
				s.dispatch(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id:/event:/retry: fields are not part of this feed; skip.
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "client: read stream")
	}
	return errors.New("client: stream closed by server")
}

func (s *Stream) dispatch(raw string) {
	var f wire.Frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		logger.Warnf("[client] drop malformed frame: %v", err)
		return
	}
	if s.onFrame != nil {
		s.onFrame(f)
	}
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// healthLoop watches a nominally connected stream for silence. Server
// heartbeats arrive well inside StaleAfter, so a quiet connection is a dead
// one (suspended laptop, dropped NAT mapping) and gets redialed without
// waiting out the backoff schedule.
func (s *Stream) healthLoop(ctx context.Context) {
	tick := time.NewTicker(s.cfg.HealthEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		s.mu.Lock()
		stale := s.state == StateConnected && time.Since(s.lastSeen) > s.cfg.StaleAfter
		s.mu.Unlock()
		if !stale {
			continue
		}

		logger.Infof("[client] stream stale, forcing redial")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RedialDelay):
		}
		s.Reconnect()
	}
}

func (s *Stream) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Stream) setState(st ConnState) {
	s.mu.Lock()
	if s.state == st || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

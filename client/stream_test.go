package client

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amora-chat/amora/service/rt/wire"
)

func TestBackoffDelaySchedule(t *testing.T) {
	base := time.Second
	ceiling := 30 * time.Second

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
	for n := 1; n <= 5; n++ {
		assert.Equal(t, want[n-1], backoffDelay(n, base, ceiling), "attempt %d", n)
	}
	// far past the ceiling, including shift overflow territory
	assert.Equal(t, ceiling, backoffDelay(10, base, ceiling))
	assert.Equal(t, ceiling, backoffDelay(70, base, ceiling))
}

// sseHandler writes the given frames and then holds the connection open
// until the client goes away.
func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fl.Flush()
		<-r.Context().Done()
	}
}

func TestStreamDeliversFramesInOrder(t *testing.T) {
	ts := httptest.NewServer(sseHandler(
		`{"type":"CONNECTION_ESTABLISHED","data":{}}`,
		`{"type":"NEW_MESSAGE","data":{"message_id":"m1"}}`,
		`{"type":"NEW_MESSAGE","data":{"message_id":"m2"}}`,
	))
	defer ts.Close()

	frames := make(chan wire.Frame, 8)
	s := NewStream(StreamConfig{URL: ts.URL, Token: "tok"}, func(f wire.Frame) {
		frames <- f
	})
	s.Start()
	defer s.Close()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			got = append(got, f.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	assert.Equal(t, []string{wire.ConnectionEstablished, wire.NewMessage, wire.NewMessage}, got)
	assert.Equal(t, StateConnected, s.State())
}

func TestStreamStopsAfterAttemptCeiling(t *testing.T) {
	var dials int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewStream(StreamConfig{
		URL:         ts.URL,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		ResetAfter:  400 * time.Millisecond,
		StaleAfter:  time.Hour,
	}, nil)
	s.Start()
	defer s.Close()

	require.Eventually(t, func() bool {
		return s.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)

	// budget exhausted: no further dials happen during the cool-off
	seen := atomic.LoadInt32(&dials)
	assert.EqualValues(t, 3, seen)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, seen, atomic.LoadInt32(&dials))

	// after the cool-off the budget refills and dialing resumes on its own
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) > seen
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamManualReconnectBypassesCoolOff(t *testing.T) {
	var dials int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewStream(StreamConfig{
		URL:         ts.URL,
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		ResetAfter:  time.Hour, // would never refill on its own
		StaleAfter:  time.Hour,
	}, nil)
	s.Start()
	defer s.Close()

	require.Eventually(t, func() bool {
		return s.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)
	seen := atomic.LoadInt32(&dials)

	s.Reconnect()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) > seen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamRedialsStaleConnection(t *testing.T) {
	var dials int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"CONNECTION_ESTABLISHED\",\"data\":{}}\n\n")
		fl.Flush()
		// then go silent; the client's liveness probe should give up on us
		<-r.Context().Done()
	}))
	defer ts.Close()

	s := NewStream(StreamConfig{
		URL:         ts.URL,
		HealthEvery: 10 * time.Millisecond,
		StaleAfter:  30 * time.Millisecond,
		RedialDelay: 5 * time.Millisecond,
		BaseDelay:   time.Millisecond,
	}, nil)
	s.Start()
	defer s.Close()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamCloseIsFinal(t *testing.T) {
	ts := httptest.NewServer(sseHandler(`{"type":"CONNECTION_ESTABLISHED","data":{}}`))
	defer ts.Close()

	s := NewStream(StreamConfig{URL: ts.URL}, nil)

	var states []ConnState
	done := make(chan struct{}, 4)
	s.OnStateChange(func(st ConnState) {
		states = append(states, st)
		if st == StateConnected {
			done <- struct{}{}
		}
	})
	s.Start()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	s.Close()
	assert.Equal(t, StateClosed, s.State())

	// Nudge after close must not resurrect the stream
	s.Nudge()
	assert.Equal(t, StateClosed, s.State())
}
